package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/config"
	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/domain/clinical"
	"github.com/hms/hms/internal/domain/patient"
	"github.com/hms/hms/internal/domain/pharmacy"
	"github.com/hms/hms/internal/domain/workflow"
	"github.com/hms/hms/internal/platform/apperr"
	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/metrics"
	"github.com/hms/hms/internal/platform/middleware"
	"github.com/hms/hms/internal/platform/websocket"
	"github.com/hms/hms/migrations"
)

const requestTimeout = 15 * time.Second

// stores is the persistence the domain services run on.
type stores struct {
	patients      patient.Repository
	consultations clinical.ConsultationRepository
	prescriptions clinical.PrescriptionRepository
	labs          clinical.LabRequestRepository
	payments      billing.PaymentRepository
	prices        billing.PriceRepository
	medications   pharmacy.Repository
	tx            db.Transactor
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		patients:      patient.NewRepoPG(pool),
		consultations: clinical.NewConsultationRepoPG(pool),
		prescriptions: clinical.NewPrescriptionRepoPG(pool),
		labs:          clinical.NewLabRequestRepoPG(pool),
		payments:      billing.NewPaymentRepoPG(pool),
		prices:        billing.NewPriceRepoPG(pool),
		medications:   pharmacy.NewRepoPG(pool),
		tx:            db.NewTransactor(pool),
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}

func pricingDefaults(cfg *config.Config) billing.Defaults {
	return billing.Defaults{
		FileFee:      cfg.FileFeeAmount,
		Consultation: cfg.DefaultConsultationPrice,
		LabTest:      cfg.DefaultLabTestPrice,
	}
}

// newEcho builds the server with global middleware. Authentication is
// selected from cfg; tenant selects the per-request connection middleware
// and is nil when the server runs without Postgres.
func newEcho(cfg *config.Config, logger zerolog.Logger, tenant echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.RequestTimeout(requestTimeout))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	if tenant != nil {
		e.Use(tenant)
	}
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/metrics", metrics.Handler())
	return e
}

// registerDomain wires the domain services and the queue board onto api.
func registerDomain(api *echo.Group, st stores, cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) {
	pricer := billing.NewPricer(st.prices, pricingDefaults(cfg))

	patientSvc := patient.NewService(st.patients, st.tx, logger)
	clinicalSvc := clinical.NewService(st.consultations, st.prescriptions, st.labs, pricer, st.tx, logger)
	billingSvc := billing.NewService(st.payments, st.prices, st.tx, cfg.Location(), cfg.Currency, logger)
	stockSvc := pharmacy.NewService(st.medications, st.tx, logger)
	orch := workflow.NewOrchestrator(patientSvc, clinicalSvc, billingSvc, stockSvc, pricer, st.tx, logger)
	orch.PublishTo(hub)

	patientHandler := patient.NewHandler(patientSvc)
	patientHandler.RegisterRoutes(api)
	clinical.NewHandler(clinicalSvc).RegisterRoutes(api)
	billing.NewHandler(billingSvc).RegisterRoutes(api)
	pharmacy.NewHandler(stockSvc).RegisterRoutes(api)
	workflow.NewHandler(orch, patientHandler).RegisterRoutes(api)
	websocket.NewHandler(hub, cfg.CORSOrigins, auth.UserIDFromContext).
		RegisterRoutes(api, auth.RequireRole(auth.StaffRoles...))
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := newEcho(cfg, logger, db.TenantMiddleware(pool, cfg.DefaultTenant))
	schema := "tenant_" + cfg.DefaultTenant
	e.GET("/health/db", db.HealthHandler(pool,
		db.PendingMigrations(db.NewMigrator(pool, migrations.FS), schema),
		db.TablesPresent(pool, schema, "receipt_counters", "medications", "stock_movements"),
	))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitConfig(cfg)))
	registerDomain(apiV1, pgStores(pool), cfg, websocket.NewHub(logger), logger)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("tz", cfg.Location().String()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
