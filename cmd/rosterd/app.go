package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rosterd/internal/config"
	"github.com/fyrsmithlabs/rosterd/internal/derive"
	"github.com/fyrsmithlabs/rosterd/internal/docstore"
	"github.com/fyrsmithlabs/rosterd/internal/embeddings"
	"github.com/fyrsmithlabs/rosterd/internal/entity"
	"github.com/fyrsmithlabs/rosterd/internal/logging"
	"github.com/fyrsmithlabs/rosterd/internal/notify"
	"github.com/fyrsmithlabs/rosterd/internal/syncer"
	"github.com/fyrsmithlabs/rosterd/internal/telemetry"
	"github.com/fyrsmithlabs/rosterd/internal/vectorstore"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	couch     *docstore.CouchClient
	embedder  *embeddings.Guarded
	store     vectorstore.Store
	writer    *vectorstore.Writer
	publisher notify.Publisher
	orch      *syncer.Orchestrator
}

// newApp loads configuration and wires every component. Any failure here
// is a startup failure.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := loggingConfig(cfg)
	if err != nil {
		return nil, errors.Join(err, tel.Shutdown(ctx))
	}
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initializing logger: %w", err), tel.Shutdown(ctx))
	}
	zl := logger.Underlying()

	if degraded, terr := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without exporters", zap.Error(terr))
	}

	a := &app{cfg: cfg, logger: logger, telemetry: tel}

	a.couch, err = docstore.NewCouchClient(docstore.CouchConfig{
		URL:            cfg.CouchDB.URL,
		Database:       cfg.CouchDB.Database,
		Username:       cfg.CouchDB.Username,
		Password:       cfg.CouchDB.Password.Value(),
		RequestTimeout: cfg.CouchDB.RequestTimeout,
		Heartbeat:      cfg.CouchDB.Heartbeat,
	}, zl.Named("couchdb"))
	if err != nil {
		return nil, a.fail(ctx, fmt.Errorf("creating couchdb client: %w", err))
	}

	a.embedder, err = embeddings.NewProvider(ctx, embeddings.Config{
		Provider:        cfg.Embeddings.Provider,
		BaseURL:         cfg.Embeddings.BaseURL,
		Model:           cfg.Embeddings.Model,
		APIKey:          cfg.Embeddings.APIKey.Value(),
		Timeout:         cfg.Embeddings.Timeout,
		CacheDir:        cfg.Embeddings.CacheDir,
		RateLimit:       cfg.Embeddings.RateLimit,
		Burst:           cfg.Embeddings.Burst,
		BreakerFailures: cfg.Embeddings.BreakerFailures,
		BreakerTimeout:  cfg.Embeddings.BreakerTimeout,
		MeterProvider:   tel.MeterProvider(),
	}, zl.Named("embeddings"))
	if err != nil {
		return nil, a.fail(ctx, fmt.Errorf("creating embedding provider: %w", err))
	}

	a.store, err = vectorstore.NewStore(ctx, cfg, zl.Named("vectorstore"))
	if err != nil {
		return nil, a.fail(ctx, fmt.Errorf("opening vector store: %w", err))
	}
	a.writer = vectorstore.NewWriter(a.store, a.embedder.Model(), zl.Named("vectorstore"))

	a.publisher = notify.Nop{}
	if cfg.NATS.URL != "" {
		a.publisher, err = notify.NewNATSPublisher(notify.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          "rosterd",
		}, zl.Named("notify"))
		if err != nil {
			return nil, a.fail(ctx, fmt.Errorf("creating nats publisher: %w", err))
		}
	}

	a.orch, err = syncer.New(syncer.Deps{
		Resolver: entity.NewResolver(entity.Schema{
			ProfilePrefix:        cfg.Schema.ProfilePrefix,
			AdditionalInfoPrefix: cfg.Schema.AdditionalInfoPrefix,
			LeavePrefix:          cfg.Schema.LeavePrefix,
		}),
		Assembler:      entity.NewAssembler(a.couch),
		Deriver:        derive.NewDeriver(a.embedder),
		Index:          a.writer,
		Lister:         a.couch,
		Publisher:      a.publisher,
		Logger:         logger,
		TracerProvider: tel.TracerProvider(),
	}, syncer.Config{Workers: cfg.Sync.Workers})
	if err != nil {
		return nil, a.fail(ctx, err)
	}

	logger.Info(ctx, "rosterd initialized",
		zap.String("couchdb", cfg.CouchDB.URL),
		zap.String("database", cfg.CouchDB.Database),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("model", a.embedder.Model()),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Int("workers", cfg.Sync.Workers),
	)
	return a, nil
}

// fail releases what was built so far and returns err.
func (a *app) fail(ctx context.Context, err error) error {
	if cerr := a.close(ctx); cerr != nil {
		a.logger.Warn(ctx, "cleanup after startup failure", zap.Error(cerr))
	}
	return err
}

// close drains in-flight pipeline runs, then releases resources.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.orch != nil {
		errs = append(errs, a.orch.Shutdown(ctx))
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.couch != nil {
		errs = append(errs, a.couch.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Sync())
	}
	return errors.Join(errs...)
}

func loggingConfig(cfg *config.Config) (*logging.Config, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: logging.level: %v", config.ErrInvalidConfig, err)
	}
	lc := logging.NewDefaultConfig()
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.OTEL = cfg.Logging.OTEL
	lc.Fields = map[string]string{"service": cfg.Telemetry.ServiceName}
	return lc, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.Insecure = cfg.Telemetry.Insecure
	tc.ServiceName = cfg.Telemetry.ServiceName
	tc.ServiceVersion = version
	tc.SamplingRate = cfg.Telemetry.SamplingRate
	return tc
}

// shutdownContext bounds cleanup after the command context is gone.
func shutdownContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
