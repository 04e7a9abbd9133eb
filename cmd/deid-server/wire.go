package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/config"
	"github.com/ehr/deid/internal/deid"
	"github.com/ehr/deid/internal/keyvault"
	"github.com/ehr/deid/internal/ledger"
	"github.com/ehr/deid/internal/phi"
	"github.com/ehr/deid/internal/platform/blobstore"
	"github.com/ehr/deid/internal/platform/db"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/middleware"
	"github.com/ehr/deid/internal/platform/mongodb"
	"github.com/ehr/deid/internal/seal"
)

// app is a fully wired server. close releases the ledger backend and must be
// called after the echo server has shut down.
type app struct {
	echo   *echo.Echo
	closer []func(ctx context.Context)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i](ctx)
	}
}

// backend is the ledger plus the key repository living next to it.
type backend struct {
	ledger ledger.Ledger
	keys   keyvault.KeyRepository
	tx     deid.TxRunner
	health echo.HandlerFunc
	access middleware.AccessRecorder
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}

	kek, err := hipaa.NewKeyEncryptionKey(cfg.HIPAAEncryptionKey, cfg.KEKVersion, cfg.PreviousKeys, logger)
	if err != nil {
		return nil, err
	}

	be, err := openBackend(ctx, cfg, logger, a)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	blobs, err := openBlobStore(cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	rules, err := loadRules(cfg.RedactionRulesFile)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	vault := keyvault.NewWrappedVault(kek, be.keys, logger)

	redactor, err := newRedactor(cfg, logger, rules)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	sealer, err := newSealer(cfg, vault, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	var opts []deid.Option
	if be.tx != nil {
		opts = append(opts, deid.WithTransactor(be.tx))
	}
	svc := deid.NewService(redactor, sealer, blobs, be.ledger, logger, opts...)

	a.echo = newEcho(cfg, logger)
	a.echo.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Server is running")
	})
	a.echo.GET("/health/db", be.health)

	g := a.echo.Group("")
	g.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	g.Use(middleware.Audit(logger, be.access))
	deid.NewHandler(svc).RegisterRoutes(g)

	logger.Info().
		Str("ledger", cfg.LedgerDriver).
		Str("blobs", cfg.BlobDriver).
		Str("redactor", cfg.RedactorMode).
		Str("sealer", cfg.SealerMode).
		Int("extra_rules", len(rules)).
		Msg("pipeline wired")
	return a, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	return e
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger, a *app) (*backend, error) {
	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closer = append(a.closer, func(context.Context) { pool.Close() })
		logger.Info().Msg("connected to database")

		applied, err := db.NewMigrator(pool, db.Migrations()).Up(ctx)
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")

		return &backend{
			ledger: ledger.NewPostgresLedger(pool),
			keys:   keyvault.NewPostgresKeyRepository(pool),
			tx:     db.NewTransactor(pool),
			health: db.PoolHealthHandler(pool),
			access: accessRecorder(hipaa.NewAccessLog(pool)),
		}, nil

	case config.DriverMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		a.closer = append(a.closer, func(ctx context.Context) {
			if err := client.Close(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to disconnect from mongodb")
			}
		})
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongodb")

		l := ledger.NewMongoLedger(client)
		if err := l.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure ledger indexes: %w", err)
		}
		return &backend{
			ledger: l,
			keys:   keyvault.NewMongoKeyRepository(client),
			health: db.HealthHandler(config.DriverMongo, l, nil),
		}, nil

	default:
		if !cfg.IsDev() {
			logger.Warn().Msg("memory ledger loses every correlation record on restart")
		}
		return &backend{
			ledger: ledger.NewMemoryLedger(),
			keys:   keyvault.NewMemoryKeyRepository(),
			health: func(c echo.Context) error {
				return c.JSON(http.StatusOK, map[string]string{"driver": config.DriverMemory, "status": "healthy"})
			},
		}, nil
	}
}

func openBlobStore(cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.BlobDriver == config.DriverMemory {
		return blobstore.NewInMemoryBlobStore(), nil
	}
	return blobstore.NewFileSystemBlobStore(cfg.BlobDir)
}

func loadRules(path string) ([]phi.Rule, error) {
	if path == "" {
		return nil, nil
	}
	return phi.LoadRules(path)
}

func newRedactor(cfg *config.Config, logger zerolog.Logger, rules []phi.Rule) (phi.Redactor, error) {
	if cfg.RedactorMode == config.ModeExternal {
		return phi.NewExternalRedactor(cfg.RedactorArgv(), cfg.ExternalTimeout, logger, rules...)
	}
	return phi.NewPatternRedactor(append(phi.SupplementalRules(), rules...)...), nil
}

func newSealer(cfg *config.Config, vault keyvault.Vault, logger zerolog.Logger) (seal.Sealer, error) {
	if cfg.SealerMode == config.ModeExternal {
		return seal.NewExternalSealer(cfg.SealerArgv(), cfg.ExternalTimeout, vault, logger)
	}
	return seal.NewAEADSealer(vault), nil
}

// accessRecorder persists audited requests to the phi_access_log table.
func accessRecorder(l *hipaa.AccessLog) middleware.AccessRecorder {
	return middleware.AccessRecorderFunc(func(ctx context.Context, e middleware.AccessEntry) error {
		return l.Log(ctx, &hipaa.AccessEvent{
			RequestID:  e.RequestID,
			Action:     e.Action,
			Route:      e.Route,
			Target:     e.Target,
			Method:     e.Method,
			StatusCode: e.StatusCode,
			IPAddress:  e.IPAddress,
			UserAgent:  e.UserAgent,
			AccessedAt: e.Timestamp,
		})
	})
}
