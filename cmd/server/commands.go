package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/forgeflow/backend/internal/config"
	"github.com/forgeflow/backend/internal/core/services"
	"github.com/forgeflow/backend/internal/infrastructure/db"
	"github.com/forgeflow/backend/internal/infrastructure/logger"
	"github.com/forgeflow/backend/internal/infrastructure/storage"
	transporthttp "github.com/forgeflow/backend/internal/transport/http"
	httpmw "github.com/forgeflow/backend/internal/transport/http/middleware"
	"github.com/forgeflow/backend/internal/transport/ws"
	"github.com/forgeflow/backend/pkg/utils/crypto"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var inMemory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and realtime API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			b, err := openBackend(cfg, log, inMemory)
			if err != nil {
				return err
			}
			defer b.Close()

			hub := ws.NewHub(cfg.Notifications.WriteTimeout, log.Named("hub"))
			notifier := services.NewNotificationService(services.NotificationServiceConfig{
				Registry:    b.connections,
				Transport:   hub,
				Logger:      log.Named("fanout"),
				Concurrency: cfg.Notifications.FanoutConcurrency,
				Timeout:     cfg.Notifications.WriteTimeout,
			})
			svc := b.services(notifier)

			app := newApp(cfg, log)
			transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
				Config:       cfg,
				Logger:       log,
				Projects:     svc.projects,
				Orchestrator: svc.orchestrator,
				Connections:  b.connections,
				Hub:          hub,
			})

			ctx, cancel := context.WithCancel(context.Background())
			var background conc.WaitGroup
			background.Go(func() { b.purgeConnections(ctx) })
			if cfg.Features.EmbeddedWorker || inMemory {
				background.Go(func() { svc.worker.Run(ctx) })
			}

			ln, addr, err := listen(cfg.Server)
			if err != nil {
				cancel()
				background.Wait()
				return err
			}
			go func() {
				if err := app.Listener(ln); err != nil {
					log.Errorf("server stopped: %v", err)
				}
			}()
			log.Infof("server started on %s", addr)

			waitForSignal()
			log.Info("shutting down server...")
			cancel()
			gracefulShutdown(app, log)
			background.Wait()
			notifier.Wait()
			log.Info("server exited gracefully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&inMemory, "memory", false, "keep all state in memory (development only)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the dispatch queue and run agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			b, err := openBackend(cfg, log, false)
			if err != nil {
				return err
			}
			defer b.Close()

			svc := b.services(logNotifier{log: log.Named("events")})
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			svc.worker.Run(ctx)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			database, err := db.NewPostgresConnection(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close(database)
			if err := db.RunMigrations(database); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("database migrations completed")
			return nil
		},
	}
}

func tasksCmd() *cobra.Command {
	var projectID string
	var deadLetters bool
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Show a project's tasks or the dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" && !deadLetters {
				return fmt.Errorf("--project or --dead-letters is required")
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			database, err := db.NewPostgresConnection(cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close(database)
			ctx := cmd.Context()

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			if deadLetters {
				msgs, err := db.NewDispatchQueue(database, cfg.Queue, log).DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				tw.AppendHeader(table.Row{"ID", "Project", "Agent", "Receives", "Last Error", "Updated"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.ID, m.ProjectID, m.AgentName, m.ReceiveCount, m.LastError, m.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			}

			tasks, err := db.NewTaskRepository(database, log).ListByProject(ctx, projectID)
			if err != nil {
				return err
			}
			tw.AppendHeader(table.Row{"#", "ID", "Agent", "Status", "Progress", "Depends On", "Error"})
			for _, t := range tasks {
				tw.AppendRow(table.Row{t.Position, t.ID, t.AssignedAgent, t.Status, fmt.Sprintf("%d%%", t.ProgressValue()), strings.Join(t.Dependencies, ","), t.ErrorMessage})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().BoolVar(&deadLetters, "dead-letters", false, "list dead-lettered dispatch messages")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum dead letters to show")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a user token for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			token, err := httpmw.IssueUserToken(userID, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func encryptSecretCmd() *cobra.Command {
	var setting string
	cmd := &cobra.Command{
		Use:   "encrypt-secret",
		Short: "Seal a credential read from stdin for use in the config file",
		Long: "Reads a secret from stdin and prints it sealed under security.encryption_key.\n" +
			"The sealed value only opens for the setting it was sealed for: " + strings.Join(storage.SealableSettings, ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(storage.SealableSettings, setting) {
				return fmt.Errorf("--setting must be one of %s", strings.Join(storage.SealableSettings, ", "))
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Security.EncryptionKey == "" {
				return fmt.Errorf("security.encryption_key is not set")
			}
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read secret: %w", err)
			}
			secret := strings.TrimRight(string(raw), "\r\n")
			if secret == "" {
				return fmt.Errorf("no secret on stdin")
			}
			sealed, err := crypto.SealSecret(secret, cfg.Security.EncryptionKey, setting)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	cmd.Flags().StringVar(&setting, "setting", storage.SettingSFTPPassword, "config setting the value is for")
	return cmd
}

func newApp(cfg *config.Config, log *logger.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "http://localhost:3000"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID, X-Agent-Token",
		AllowMethods: "GET, POST, HEAD, PUT, DELETE, PATCH",
	}))

	app.Use(func(c *fiber.Ctx) error {
		hdr := cfg.Features.RequestIDHeader
		var reqID string
		if hdr != "" {
			reqID = c.Get(hdr)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		if hdr != "" {
			c.Set(hdr, reqID)
		}
		return c.Next()
	})

	if cfg.Features.EnableRequestLogging {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			routePath := ""
			if c.Route() != nil {
				routePath = c.Route().Path
			}
			log.Infow("http_access",
				"method", c.Method(),
				"path", c.Path(),
				"route", routePath,
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", c.IP(),
				"user_agent", string(c.Request().Header.UserAgent()),
				"request_id", c.Locals("request_id"),
				"req_bytes", len(c.Request().Body()),
				"resp_bytes", len(c.Response().Body()),
			)
			return err
		})
	}
	return app
}

func listen(cfg config.ServerConfig) (net.Listener, string, error) {
	addr := cfg.Address()
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, "", fmt.Errorf("server failed to start on %s: %w", addr, err)
	}
	return ln, addr, nil
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		// expected client-side failures stay at warn
		if code < fiber.StatusInternalServerError {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func gracefulShutdown(app *fiber.App, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}
}
