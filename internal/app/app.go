package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"taskmanager/internal/config"
	"taskmanager/internal/db"
	"taskmanager/internal/engine"
	"taskmanager/internal/identity"
	"taskmanager/internal/mail"
	"taskmanager/internal/migrate"
	"taskmanager/internal/notify"
	"taskmanager/internal/repo"
)

// App holds the wired components shared by the server and the CLI.
type App struct {
	Config     *config.Config
	Log        logrus.FieldLogger
	DB         *sql.DB
	Repo       repo.Repo
	Queue      notify.Queue
	Dispatcher notify.Dispatcher
	Sender     mail.Sender
	Engine     engine.Engine
	Identity   identity.Service
	Pool       *notify.Pool
	Reminders  notify.Reminders

	redis *redis.Client
}

// Open opens the database, applies migrations and wires every component from cfg.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.WithFields(logrus.Fields{"path": cfg.Database.Path, "schema_version": version}).Debug("database ready")

	a := &App{Config: cfg, Log: log, DB: conn, Repo: repo.New(conn)}
	if err := a.wireQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Dispatcher = notify.NewDispatcher(a.Queue)
	a.Sender = newSender(cfg, log)
	a.Engine = engine.New(a.Repo, a.Dispatcher, log.WithField("component", "engine"))
	a.Identity = identity.NewService(
		a.Repo,
		identity.NewTokenManager(identity.TokenConfig{
			Secret:     cfg.Auth.JWTSecret,
			AccessTTL:  cfg.Auth.AccessTTL,
			RefreshTTL: cfg.Auth.RefreshTTL,
			Issuer:     cfg.Auth.Issuer,
		}),
		identity.NewPasswordHasher(cfg.Auth.BcryptCost),
		log.WithField("component", "identity"),
	)
	workerLog := log.WithField("component", "notify")
	a.Pool = notify.NewPool(notify.PoolConfig{
		Workers:        cfg.Notifications.Workers,
		PollInterval:   cfg.Notifications.PollInterval,
		ProcessTimeout: cfg.Notifications.ProcessTimeout,
	}, a.Queue, notify.Processor{
		Tasks:  a.Repo,
		Users:  a.Repo,
		Sender: a.Sender,
		From:   cfg.Mail.From,
		Log:    workerLog,
	}, workerLog)
	a.Reminders = notify.Reminders{
		Tasks:    a.Repo,
		Notifier: a.Dispatcher,
		Window:   cfg.Reminders.Window,
		Interval: cfg.Reminders.Interval,
		Log:      log.WithField("component", "reminders"),
	}
	return a, nil
}

func (a *App) wireQueue(ctx context.Context) error {
	nc := a.Config.Notifications
	if nc.Queue != "redis" {
		a.Queue = notify.SQLQueue{Repo: a.Repo}
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     nc.Redis.Addr,
		Password: nc.Redis.Password,
		DB:       nc.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis %s: %w", nc.Redis.Addr, err)
	}
	a.redis = client
	a.Queue = notify.NewRedisQueue(client, nc.Redis.Key, nc.PollInterval)
	return nil
}

func newSender(cfg *config.Config, log logrus.FieldLogger) mail.Sender {
	if cfg.Mail.Backend != "smtp" {
		return mail.ConsoleSender{Log: log.WithField("component", "mail")}
	}
	smtp := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.Mail.SMTP.Host,
		Port:     cfg.Mail.SMTP.Port,
		Username: cfg.Mail.SMTP.Username,
		Password: cfg.Mail.SMTP.Password,
	})
	return mail.NewBreakerSender(smtp, mail.BreakerConfig{
		Name:                "smtp",
		ConsecutiveFailures: cfg.Mail.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Mail.Breaker.OpenTimeout,
	}, log)
}

func (a *App) Close() error {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
