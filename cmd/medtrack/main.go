package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehr/medtrack/internal/config"
	"github.com/ehr/medtrack/internal/domain/medication"
	"github.com/ehr/medtrack/internal/domain/scan"
	"github.com/ehr/medtrack/internal/platform/auth"
	"github.com/ehr/medtrack/internal/platform/db"
	"github.com/ehr/medtrack/internal/platform/metrics"
	"github.com/ehr/medtrack/internal/platform/middleware"
	"github.com/ehr/medtrack/internal/platform/session"
)

// v carries configuration for every command. Root flags are bound to it so
// they override the environment and .env.
var v = viper.New()

func main() {
	rootCmd := &cobra.Command{
		Use:           "medtrack",
		Short:         "Medication compliance and follow-up tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("backend-url", "", "Backend API base URL (BACKEND_URL)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (LOG_LEVEL)")
	_ = v.BindPFlag("BACKEND_URL", rootCmd.PersistentFlags().Lookup("backend-url"))
	_ = v.BindPFlag("LOG_LEVEL", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(backendCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(medsCmd())
	rootCmd.AddCommand(logDoseCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(followUpsCmd())
	rootCmd.AddCommand(atRiskCmd())
	rootCmd.AddCommand(scanCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadWith(v)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}

func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// -- backend --

// devIdentity is the caller for unauthenticated requests in development.
var devIdentity = auth.Identity{
	UserID: uuid.MustParse("00000000-0000-0000-0000-00000000d0c7"),
	Role:   session.RoleDoctor,
	Name:   "Development Doctor",
}

func backendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the reference medication backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			inMemory, _ := cmd.Flags().GetBool("in-memory")
			return runBackend(inMemory)
		},
	}
	cmd.Flags().Bool("in-memory", false, "Keep data in memory instead of PostgreSQL")
	return cmd
}

func runBackend(inMemory bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireBackend(inMemory); err != nil {
		return err
	}

	ctx := context.Background()
	var (
		svc     *medication.Service
		pinger  db.Pinger
		stats   func() *db.PoolStats
		cleanup = func() {}
	)
	if inMemory {
		store := medication.NewMemoryStore()
		svc = medication.NewService(store.Prescriptions(), store.IntakeLogs(), store.FollowUps(), nil, logger)
		pinger = store
		logger.Warn().Msg("using in-memory store, data is lost on exit")
	} else {
		pool, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		cleanup = pool.Close
		svc = medication.NewService(
			medication.NewPrescriptionRepoPG(pool),
			medication.NewIntakeLogRepoPG(pool),
			medication.NewFollowUpRepoPG(pool),
			db.WithTx(pool),
			logger,
		)
		pinger = pool
		stats = func() *db.PoolStats { return db.GetPoolStats(pool) }
		logger.Info().Msg("connected to database")
	}
	defer cleanup()

	e, err := backendRouter(cfg, svc, pinger, stats, logger)
	if err != nil {
		return err
	}
	return serveUntilSignal(e, cfg.Port, logger)
}

// backendRouter mounts the health, metrics, token refresh and /api routes.
// Development runs accept unauthenticated requests as devIdentity.
func backendRouter(cfg *config.Config, svc *medication.Service, pinger db.Pinger, stats func() *db.PoolStats, logger zerolog.Logger) (*echo.Echo, error) {
	signingKey := cfg.JWTSigningKey
	if signingKey == "" {
		signingKey = "medtrack-development-signing-key"
		logger.Warn().Msg("JWT_SIGNING_KEY not set, using the development key")
	}
	jwtCfg := auth.JWTConfig{Issuer: cfg.JWTIssuer, SigningKey: []byte(signingKey), Skipper: auth.AuthSkipper}
	issuer, err := auth.NewIssuer(jwtCfg)
	if err != nil {
		return nil, err
	}

	e := newEcho(cfg, logger)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger, stats))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.POST("/auth/token/refresh/", issuer.RefreshHandler)

	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg, devIdentity)
	}
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api", authMW, middleware.RateLimit(rateLimitCfg), metrics.Middleware())
	medication.NewHandler(svc, logger).RegisterRoutes(api)
	return e, nil
}

// newEcho returns an Echo instance with the global middleware chain.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	return e
}

func serveUntilSignal(e *echo.Echo, port string, logger zerolog.Logger) error {
	addr := ":" + port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// -- migrate --

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireBackend(false); err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, medication.Migrations(), logger).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireBackend(false); err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, medication.Migrations(), logger).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			w := newTable()
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
			}
			return w.Flush()
		},
	})
	return cmd
}

// -- evaluate --

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the follow-up scan directly against the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireBackend(false); err != nil {
				return err
			}

			var patientID *uuid.UUID
			if raw, _ := cmd.Flags().GetString("patient-id"); raw != "" {
				id, err := uuid.Parse(raw)
				if err != nil {
					return fmt.Errorf("--patient-id: %w", err)
				}
				patientID = &id
			}

			ctx := cmd.Context()
			pool, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := medication.NewService(
				medication.NewPrescriptionRepoPG(pool),
				medication.NewIntakeLogRepoPG(pool),
				medication.NewFollowUpRepoPG(pool),
				db.WithTx(pool),
				logger,
			)
			res, err := svc.Scan(ctx, patientID, nil)
			if err != nil {
				return err
			}
			printScan(&scan.Report{Created: res.Created, Total: res.Total()})
			return nil
		},
	}
	cmd.Flags().String("patient-id", "", "Only evaluate this patient's medications")
	return cmd
}
