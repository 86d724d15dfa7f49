package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskmanager/internal/engine"
	"taskmanager/internal/identity"
)

func registerAccounts(api huma.API, ids identity.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/register",
		Summary:       "Register a user account",
		Tags:          []string{"Accounts"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body RegisterResponse `json:"body"`
	}, error) {
		u, err := ids.Register(ctx, identity.Registration{
			Username: input.Body.Username,
			Email:    input.Body.Email,
			Password: input.Body.Password,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterResponse `json:"body"`
		}{Body: RegisterResponse{Username: u.Username, Email: u.Email}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/login",
		Summary:     "Obtain an access/refresh token pair",
		Tags:        []string{"Accounts"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body TokenPairResponse `json:"body"`
	}, error) {
		pair, err := ids.Login(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenPairResponse `json:"body"`
		}{Body: TokenPairResponse{Access: pair.Access, Refresh: pair.Refresh}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-token",
		Method:      http.MethodPost,
		Path:        "/token/refresh",
		Summary:     "Exchange a refresh token for a new access token",
		Tags:        []string{"Accounts"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RefreshRequest `json:"body"`
	}) (*struct {
		Body AccessTokenResponse `json:"body"`
	}, error) {
		access, err := ids.Refresh(ctx, input.Body.Refresh)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccessTokenResponse `json:"body"`
		}{Body: AccessTokenResponse{Access: access}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/logout",
		Summary:     "Blacklist a refresh token",
		Tags:        []string{"Accounts"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RefreshRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := ids.Logout(ctx, p, input.Body.Refresh); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: MessageResponse{Message: "Logged out successfully"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user with owned and assigned tasks",
		Tags:        []string{"Accounts"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		profile, err := e.Me(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: meResponse(profile)}, nil
	})
}
