package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/billing/internal/config"
	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/domain/waiver"
	"github.com/ehr/billing/internal/platform/cache"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/middleware"
	"github.com/ehr/billing/internal/platform/notification"
	"github.com/ehr/billing/internal/platform/openmrs"
	"github.com/ehr/billing/internal/platform/telemetry"
	"github.com/ehr/billing/internal/platform/validation"
	"github.com/ehr/billing/internal/platform/websocket"
	"github.com/ehr/billing/migrations"
)

const (
	requestTimeout = 30 * time.Second
	reapInterval   = time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "billing-server",
		Short: "Billing workspace API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for migrations")
		}
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// backends holds the catalog and bill stores selected by configuration.
type backends struct {
	catalog billing.CatalogSearcher
	bills   billing.BillStore
}

func buildBackends(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (backends, error) {
	stockPrice, err := cfg.StockPrice()
	if err != nil {
		return backends{}, err
	}

	var client *openmrs.Client
	if cfg.NeedsOpenMRS() {
		client, err = openmrs.NewClient(openmrs.Config{
			BaseURL:        cfg.OpenMRSBaseURL,
			Username:       cfg.OpenMRSUsername,
			Password:       cfg.OpenMRSPassword,
			Timeout:        cfg.OpenMRSTimeout,
			StockItemPrice: stockPrice,
		}, logger)
		if err != nil {
			return backends{}, fmt.Errorf("openmrs client: %w", err)
		}
	}
	if cfg.NeedsPostgres() && pool == nil {
		return backends{}, errors.New("postgres backend selected without a database pool")
	}

	var b backends
	switch cfg.CatalogBackend {
	case config.BackendPostgres:
		b.catalog = billing.NewCatalogRepoPG(pool, stockPrice)
	default:
		b.catalog = client
	}
	switch cfg.BillBackend {
	case config.BackendPostgres:
		b.bills = billing.NewBillRepoPG(pool)
	default:
		b.bills = client
	}
	return b, nil
}

// buildCache returns the bill-view cache. The close function releases the
// Redis connection when one was opened.
func buildCache(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	if cfg.CacheBackend == config.CacheRedis {
		client, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return cache.NewRedisStore(client, "billing"), func() { client.Close() }, nil
	}
	store := cache.NewMemoryStore()
	store.StartCleanup(ctx, time.Minute)
	return store, func() {}, nil
}

// buildNotifier fans notifications out to the WebSocket hub and, when
// AMQP_URL is set, to a RabbitMQ queue.
func buildNotifier(cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) (*notification.Manager, func(), error) {
	sinks := []notification.Notifier{notification.NewHubSink(hub)}
	closeFn := func() {}

	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to amqp: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("open amqp channel: %w", err)
		}
		sink, err := notification.NewAMQPSink(ch, cfg.NotificationQueue)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		closeFn = func() {
			ch.Close()
			conn.Close()
		}
		logger.Info().Str("queue", cfg.NotificationQueue).Msg("publishing notifications to amqp")
	}

	return notification.NewManager(logger, sinks...), closeFn, nil
}

// server is everything the HTTP layer routes to.
type server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	pool          *pgxpool.Pool
	hub           *websocket.Hub
	metrics       *telemetry.Metrics
	billing       *billing.Service
	waiver        *waiver.Service
	notifications *notification.Manager
}

func (s *server) echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(s.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit("64K"))

	apiV1 := e.Group("/api/v1",
		middleware.RequestTimeout(requestTimeout),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimitRPS,
			BurstSize:         s.cfg.RateLimitBurst,
			KeyFunc:           middleware.SessionKey,
		}),
	)

	billing.NewHandler(s.billing).RegisterRoutes(apiV1)
	waiver.NewHandler(s.waiver).RegisterRoutes(apiV1)
	notification.NewHandler(s.notifications).RegisterRoutes(apiV1)
	websocket.NewHandler(s.hub).RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":            "ok",
			"sessions":          s.billing.Count(),
			"websocket_clients": s.hub.ClientCount(),
		})
	})
	e.GET("/metrics", s.metrics.Handler())
	if s.pool != nil {
		e.GET("/health/db", db.HealthHandler(s.pool))
	}
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	be, err := buildBackends(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure backends")
	}
	store, closeCache, err := buildCache(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure cache")
	}
	defer closeCache()

	hub := websocket.NewHub(logger)
	mgr, closeNotifier, err := buildNotifier(cfg, hub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure notifications")
	}
	defer closeNotifier()

	metrics := telemetry.New()
	svc := billing.NewService(be.catalog, be.bills, store, mgr, logger)
	svc.SetEventPublisher(hub)
	svc.SetMetrics(metrics)
	svc.SetDebounce(cfg.SearchDebounce)
	svc.SetSubmissionConfig(billing.SubmissionConfig{
		CashPointUUID: cfg.CashPointUUID,
		CashierUUID:   cfg.CashierUUID,
		PriceUUID:     cfg.PriceUUID,
		PriceName:     cfg.PriceName,
	})
	svc.StartReaper(ctx, reapInterval, cfg.SessionIdleTimeout)

	srv := &server{
		cfg:           cfg,
		logger:        logger,
		pool:          pool,
		hub:           hub,
		metrics:       metrics,
		billing:       svc,
		waiver:        waiver.NewService(be.bills, store, cfg.CacheTTL, logger),
		notifications: mgr,
	}
	e := srv.echo()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("catalog_backend", cfg.CatalogBackend).
			Str("bill_backend", cfg.BillBackend).
			Str("cache_backend", cfg.CacheBackend).
			Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
