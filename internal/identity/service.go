package identity

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"taskmanager/internal/domain"
	"taskmanager/internal/engine/auth"
	"taskmanager/internal/repo"
)

var ErrInvalidCredentials = errors.New("no active account found with the given credentials")

const maxUsernameLen = 150

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

type Store interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	BlacklistToken(ctx context.Context, jti string, userID int64, expiresAt time.Time) error
	IsTokenBlacklisted(ctx context.Context, jti string) (bool, error)
}

type Service struct {
	Store  Store
	Tokens *TokenManager
	Hasher *PasswordHasher
	Log    logrus.FieldLogger
}

func NewService(store Store, tokens *TokenManager, hasher *PasswordHasher, log logrus.FieldLogger) Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Service{Store: store, Tokens: tokens, Hasher: hasher, Log: log}
}

type Registration struct {
	Username string
	Email    string
	Password string
	IsAdmin  bool
}

type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Register validates and creates a user account.
func (s Service) Register(ctx context.Context, in Registration) (domain.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := validateUsername(in.Username); err != nil {
		return domain.User{}, err
	}
	if err := validateEmail(in.Email); err != nil {
		return domain.User{}, err
	}
	if in.Password == "" {
		return domain.User{}, domain.ValidationError{Field: "password", Reason: "this field may not be blank"}
	}
	if taken, err := s.Store.UsernameExists(ctx, in.Username); err != nil {
		return domain.User{}, err
	} else if taken {
		return domain.User{}, domain.ValidationError{Field: "username", Reason: "a user with that username already exists"}
	}
	if taken, err := s.Store.EmailExists(ctx, in.Email); err != nil {
		return domain.User{}, err
	} else if taken {
		return domain.User{}, domain.ValidationError{Field: "email", Reason: "this email is already in use"}
	}
	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	u, err := s.Store.CreateUser(ctx, domain.User{Username: in.Username, Email: in.Email, PasswordHash: hash, IsAdmin: in.IsAdmin})
	switch {
	case errors.Is(err, repo.ErrUsernameTaken):
		return domain.User{}, domain.ValidationError{Field: "username", Reason: "a user with that username already exists"}
	case errors.Is(err, repo.ErrEmailTaken):
		return domain.User{}, domain.ValidationError{Field: "email", Reason: "this email is already in use"}
	case err != nil:
		return domain.User{}, err
	}
	s.Log.WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username}).Info("user registered")
	return u, nil
}

func validateUsername(name string) error {
	switch {
	case name == "":
		return domain.ValidationError{Field: "username", Reason: "this field may not be blank"}
	case len([]rune(name)) > maxUsernameLen:
		return domain.ValidationError{Field: "username", Reason: "ensure this field has no more than 150 characters"}
	case !usernamePattern.MatchString(name):
		return domain.ValidationError{Field: "username", Reason: "enter a valid username; only letters, numbers and @/./+/-/_ are allowed"}
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return domain.ValidationError{Field: "email", Reason: "this field may not be blank"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return domain.ValidationError{Field: "email", Reason: "enter a valid email address"}
	}
	return nil
}

// Login checks credentials and issues an access/refresh pair.
func (s Service) Login(ctx context.Context, username, password string) (TokenPair, error) {
	if username == "" {
		return TokenPair{}, domain.ValidationError{Field: "username", Reason: "this field is required"}
	}
	if password == "" {
		return TokenPair{}, domain.ValidationError{Field: "password", Reason: "this field is required"}
	}
	u, err := s.Store.GetUserByUsername(ctx, username)
	if errors.Is(err, repo.ErrNotFound) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, err
	}
	if !s.Hasher.Verify(password, u.PasswordHash) {
		s.Log.WithField("username", username).Warn("login rejected")
		return TokenPair{}, ErrInvalidCredentials
	}
	access, _, err := s.Tokens.Issue(u.ID, u.Username, AccessToken)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, _, err := s.Tokens.Issue(u.ID, u.Username, RefreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// Refresh exchanges a live, non-blacklisted refresh token for a new access token.
func (s Service) Refresh(ctx context.Context, refresh string) (string, error) {
	claims, err := s.liveRefresh(ctx, refresh)
	if err != nil {
		return "", err
	}
	uid, err := claims.UserID()
	if err != nil {
		return "", err
	}
	u, err := s.Store.GetUser(ctx, uid)
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", err
	}
	access, _, err := s.Tokens.Issue(u.ID, u.Username, AccessToken)
	return access, err
}

// Logout blacklists the refresh token so it can no longer be exchanged.
func (s Service) Logout(ctx context.Context, p auth.Principal, refresh string) error {
	claims, err := s.liveRefresh(ctx, refresh)
	if err != nil {
		return err
	}
	uid, err := claims.UserID()
	if err != nil {
		return err
	}
	if err := s.Store.BlacklistToken(ctx, claims.ID, uid, claims.ExpiresAt.Time); err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{"user_id": uid, "actor_id": p.UserID}).Info("refresh token blacklisted")
	return nil
}

func (s Service) liveRefresh(ctx context.Context, refresh string) (Claims, error) {
	if strings.TrimSpace(refresh) == "" {
		return Claims{}, domain.ValidationError{Field: "refresh", Reason: "this field is required"}
	}
	claims, err := s.Tokens.Parse(refresh, RefreshToken)
	if err != nil {
		return Claims{}, err
	}
	revoked, err := s.Store.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		return Claims{}, err
	}
	if revoked {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate resolves an access token into the calling principal.
func (s Service) Authenticate(ctx context.Context, access string) (auth.Principal, error) {
	claims, err := s.Tokens.Parse(access, AccessToken)
	if err != nil {
		return auth.Principal{}, err
	}
	uid, err := claims.UserID()
	if err != nil {
		return auth.Principal{}, err
	}
	u, err := s.Store.GetUser(ctx, uid)
	if errors.Is(err, repo.ErrNotFound) {
		return auth.Principal{}, ErrInvalidToken
	}
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{UserID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin}, nil
}
