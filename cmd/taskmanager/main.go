package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskmanager/internal/app"
	"taskmanager/internal/config"
	"taskmanager/internal/db"
	"taskmanager/internal/domain"
	"taskmanager/internal/identity"
	"taskmanager/internal/logging"
	"taskmanager/internal/migrate"
	"taskmanager/internal/repo"
	"taskmanager/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskmanager",
	Short: "Task management API server and admin CLI",
	Long: `taskmanager serves the task API and runs its background work.
- serve: HTTP API plus notification workers and the daily reminder scan.
- worker: notification workers only, for running delivery in a separate process.
- remind: one reminder scan, for cron-driven deployments.
Settings come from taskmanager.yml in --config-dir, overridden by TASKMANAGER_* environment variables (a .env file is loaded first).`,
	SilenceUsage: true,
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKMANAGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config-dir", "c", ".", "directory containing taskmanager.yml")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("config-dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with notification workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Identity: a.Identity,
					BasePath: cfg.Server.BasePath,
					Log:      a.Log.WithField("component", "http"),
				})
				if err != nil {
					return err
				}
				if !noWorkers {
					if err := a.Pool.Start(ctx); err != nil {
						return err
					}
				}
				if cfg.Reminders.Enabled {
					go a.Reminders.Run(ctx)
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				stopped := make(chan struct{})
				go func() {
					defer close(stopped)
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						a.Log.WithError(err).Warn("shutdown http server")
					}
					if err := a.Pool.Stop(shutdownCtx); err != nil {
						a.Log.WithError(err).Warn("stop notification workers")
					}
				}()
				a.Log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "base_path": cfg.Server.BasePath}).
					Infof("serving task API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				// Shutdown has begun; wait for in-flight requests and jobs before closing the app.
				<-stopped
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve HTTP only; run 'taskmanager worker' separately")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run notification workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if once {
					n, err := a.Pool.Drain(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("processed %d notification job(s)\n", n)
					return nil
				}
				if err := a.Pool.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
				defer cancel()
				return a.Pool.Stop(stopCtx)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain the queue and exit")
	return cmd
}

func remindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Enqueue reminders for pending tasks due within the reminder window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Reminders.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"enqueued": n})
				}
				fmt.Printf("enqueued %d reminder(s)\n", n)
				return nil
			})
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Path: cfg.Database.Path, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
			if err != nil {
				return err
			}
			defer conn.Close()
			version, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			fmt.Printf("%s at schema version %d\n", cfg.Database.Path, version)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage taskmanager.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskmanager.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("config-dir"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := db.EnsureDir(path); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config (file plus environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Auth.JWTSecret = "********"
			redacted.Mail.SMTP.Password = ""
			redacted.Notifications.Redis.Password = ""
			return printJSON(redacted)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage user accounts"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userAdminCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var in identity.Registration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Password == "" {
				in.Password = os.Getenv("TASKMANAGER_USER_PASSWORD")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Identity.Register(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&in.Username, "username", "", "username")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVar(&in.Password, "password", "", "password (or TASKMANAGER_USER_PASSWORD)")
	cmd.Flags().BoolVar(&in.IsAdmin, "admin", false, "grant administrator rights")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Email", "Admin", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Email, u.IsAdmin, u.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userAdminCmd() *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "admin <username>",
		Short: "Grant or revoke administrator rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.SetAdmin(ctx, args[0], !revoke); err != nil {
					return err
				}
				fmt.Printf("%s admin=%t\n", args[0], !revoke)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke instead of grant")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(taskListCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var owner, assignee int64
	var status, ordering string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.TaskFilters{Status: domain.Status(status), Ordering: repo.ParseOrdering(ordering)}
				if owner > 0 {
					f.OwnerID = &owner
				}
				if assignee > 0 {
					f.AssigneeID = &assignee
				}
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Assignee", "Due"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = fmt.Sprint(*t.AssigneeID)
					}
					due := ""
					if t.DueDate != nil {
						due = t.DueDate.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Owner, assignee, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "owner user id")
	cmd.Flags().Int64Var(&assignee, "assignee", 0, "assignee user id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&ordering, "ordering", "", "e.g. -due_date,created_at")
	return cmd
}

func jobsCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List notification jobs recorded in the database queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListNotificationJobs(ctx, domain.JobStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Action", "Status", "Enqueued", "Error"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.TaskID, j.Action, j.Status, j.EnqueuedAt.Format(time.RFC3339), j.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending|running|done|failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Refresh-token blacklist maintenance"}
	t.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete blacklist entries for refresh tokens that have expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				n, err := r.PurgeExpiredTokens(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"purged": n})
				}
				fmt.Printf("purged %d expired token(s)\n", n)
				return nil
			})
		},
	})
	return t
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

// envOverrides lists config keys that TASKMANAGER_* variables and bound flags may override.
var envOverrides = []string{
	"server.addr",
	"server.base_path",
	"database.path",
	"auth.jwt_secret",
	"auth.issuer",
	"mail.backend",
	"mail.from",
	"mail.smtp.host",
	"mail.smtp.username",
	"mail.smtp.password",
	"notifications.queue",
	"notifications.redis.addr",
	"notifications.redis.password",
	"logging.level",
	"logging.format",
	"logging.file",
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config-dir"))
	if err != nil {
		return nil, err
	}
	for _, key := range envOverrides {
		if v := viper.GetString(key); v != "" {
			setConfigValue(cfg, key, v)
		}
	}
	if n := viper.GetInt("notifications.workers"); n > 0 {
		cfg.Notifications.Workers = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setConfigValue(cfg *config.Config, key, v string) {
	switch key {
	case "server.addr":
		cfg.Server.Addr = v
	case "server.base_path":
		cfg.Server.BasePath = v
	case "database.path":
		cfg.Database.Path = v
	case "auth.jwt_secret":
		cfg.Auth.JWTSecret = v
	case "auth.issuer":
		cfg.Auth.Issuer = v
	case "mail.backend":
		cfg.Mail.Backend = v
	case "mail.from":
		cfg.Mail.From = v
	case "mail.smtp.host":
		cfg.Mail.SMTP.Host = v
	case "mail.smtp.username":
		cfg.Mail.SMTP.Username = v
	case "mail.smtp.password":
		cfg.Mail.SMTP.Password = v
	case "notifications.queue":
		cfg.Notifications.Queue = v
	case "notifications.redis.addr":
		cfg.Notifications.Redis.Addr = v
	case "notifications.redis.password":
		cfg.Notifications.Redis.Password = v
	case "logging.level":
		cfg.Logging.Level = v
	case "logging.format":
		cfg.Logging.Format = v
	case "logging.file":
		cfg.Logging.File = v
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Auth.JWTSecret == "change-me" {
		log.Warn("auth.jwt_secret is the default; set TASKMANAGER_AUTH_JWT_SECRET")
	}
	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
