package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	_ "modernc.org/sqlite"

	"github.com/liamcoop/dss/internal/config"
	"github.com/liamcoop/dss/internal/logger"
	"github.com/liamcoop/dss/invalidation"
	"github.com/liamcoop/dss/migrations"
	"github.com/liamcoop/dss/rules"
	"github.com/liamcoop/dss/rules/celrules"
	"github.com/liamcoop/dss/rules/celrules/s3source"
	"github.com/liamcoop/dss/rules/clinical"
	"github.com/liamcoop/dss/startup"
)

// appOptions wires the service from its configuration
func appOptions(v *viper.Viper, cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(v, cfg),
		fx.Provide(
			newDatabase,
			newRuleStore,
			newAdhocSources,
			newLibrary,
			newLookup,
			newRegistry,
			newMetrics,
			newRuntimeCache,
			newEngine,
			newNATS,
			newPublisher,
			NewServer,
		),
		fx.Invoke(
			exportLogs,
			runStartupChecks,
			subscribeInvalidations,
			startHTTP,
		),
	)
}

// exportLogs switches logging to OTLP when enabled; the exporter is flushed
// after every other component has stopped
func exportLogs(lc fx.Lifecycle, cfg *config.Config) {
	if !cfg.Log.OTEL {
		return
	}
	if err := logger.EnableOTEL(context.Background(), cfg.Log.ServiceName); err != nil {
		logger.Warn("failed to set up OpenTelemetry logging, keeping JSON output", "error", err)
		return
	}
	logger.Info("OpenTelemetry logging enabled", "service", cfg.Log.ServiceName)
	lc.Append(fx.Hook{OnStop: logger.Shutdown})
}

func runStartupChecks(v *viper.Viper, cfg *config.Config) error {
	return startup.Run(config.Properties(v), cfg.PropertyPrefix, cfg.Rules.Namespaces)
}

func newDatabase(lc fx.Lifecycle, cfg *config.Config) (*sql.DB, rules.Dialect, error) {
	db, dialect, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, 0, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, dialect, nil
}

// openDatabase migrates (when enabled) and opens the configured database
func openDatabase(cfg config.Database) (*sql.DB, rules.Dialect, error) {
	url := cfg.URL
	if cfg.Driver == "sqlite" && !strings.Contains(url, "://") {
		url = "sqlite://" + url
	}

	scheme, err := migrations.Dialect(url)
	if err != nil {
		return nil, 0, err
	}
	dialect := rules.DialectPostgres
	if scheme == "sqlite" {
		dialect = rules.DialectSQLite
	}
	if (dialect == rules.DialectSQLite) != (cfg.Driver == "sqlite") {
		return nil, 0, fmt.Errorf("driver %s cannot open %s databases", cfg.Driver, scheme)
	}

	if cfg.Migrate {
		if err := migrations.Up(url); err != nil {
			return nil, 0, err
		}
	}

	var db *sql.DB
	if dialect == rules.DialectSQLite {
		db, err = sql.Open("sqlite", migrations.SQLitePath(url))
	} else {
		db, err = sql.Open(cfg.Driver, url)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == rules.DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, 0, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database ready", "driver", cfg.Driver, "dialect", dialect.String(), "migrated", cfg.Migrate)
	return db, dialect, nil
}

func newRuleStore(db *sql.DB, dialect rules.Dialect, cfg *config.Config) (rules.RuleStore, error) {
	mode, err := rules.ParseDeleteMode(cfg.Rules.DeleteMode)
	if err != nil {
		return nil, err
	}
	return rules.NewSQLRuleStore(db, dialect, rules.StoreConfig{
		DeleteMode:          mode,
		AllowDuplicateNames: cfg.Rules.AllowDuplicateNames,
	}), nil
}

// newAdhocSources stores uploaded sources next to the rule records so every
// instance sees them
func newAdhocSources(db *sql.DB, dialect rules.Dialect) celrules.SourceStore {
	return celrules.NewSQLSource(db, dialect)
}

// newLibrary compiles CEL rules from, in order: uploads, the source
// directory and the S3 bucket
func newLibrary(cfg *config.Config, adhoc celrules.SourceStore) (*celrules.Library, error) {
	chain := celrules.Sources{adhoc}

	if cfg.Rules.SourceDir != "" {
		chain = append(chain, celrules.DirSource{Dir: cfg.Rules.SourceDir})
	}

	if cfg.S3.Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		src, err := s3source.New(ctx, s3source.Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, src)
		logger.Info("reading rule sources from S3", "bucket", cfg.S3.Bucket, "prefix", cfg.S3.Prefix)
	}

	return celrules.NewLibrary(chain,
		celrules.WithSchema(cfg.Rules.Schema),
		celrules.WithCostLimit(cfg.Rules.CostLimit),
	)
}

func newRegistry() (*rules.FactoryRegistry, error) {
	registry := rules.NewFactoryRegistry()
	if err := clinical.Register(registry, clinical.Namespace); err != nil {
		return nil, err
	}
	return registry, nil
}

// newLookup prefers built-in rules over CEL sources of the same qualified name
func newLookup(registry *rules.FactoryRegistry, library *celrules.Library) rules.Lookup {
	return rules.Lookups{registry, library}
}

func newMetrics() (prometheus.Gatherer, *rules.Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := rules.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, metrics, nil
}

func newRuntimeCache(lookup rules.Lookup, metrics *rules.Metrics, cfg *config.Config) rules.RuntimeCache {
	resolver := rules.NewResolver(lookup).WithMetrics(metrics)
	return rules.NewInMemoryRuntimeCache(resolver, rules.CacheConfig{TTL: cfg.Rules.CacheTTL}).WithMetrics(metrics)
}

func newEngine(store rules.RuleStore, cache rules.RuntimeCache, metrics *rules.Metrics, cfg *config.Config) *rules.Engine {
	return rules.NewEngine(store, cache, rules.EngineConfig{
		Namespaces:  cfg.Rules.Namespaces,
		RuleTimeout: cfg.Rules.Timeout,
		Parallelism: cfg.Rules.Parallelism,
		Separator:   cfg.Rules.Separator,
		ReloadStale: cfg.Rules.ReloadStale,
	}).WithMetrics(metrics)
}

// newNATS connects to the configured broker; without a URL there is no
// connection and invalidation stays local
func newNATS(lc fx.Lifecycle, cfg *config.Config) (*nats.Conn, error) {
	if cfg.NATS.URL == "" {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name("dss"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return conn.Drain()
		},
	})
	logger.Info("connected to NATS", "url", conn.ConnectedUrl())
	return conn, nil
}

func newPublisher(conn *nats.Conn, cfg *config.Config) *invalidation.Publisher {
	return invalidation.NewPublisher(conn, cfg.NATS.Subject)
}

func subscribeInvalidations(conn *nats.Conn, cfg *config.Config, engine *rules.Engine, publisher *invalidation.Publisher) error {
	if conn == nil {
		return nil
	}
	_, err := invalidation.SubscribeExcept(conn, cfg.NATS.Subject, publisher.Origin(), engine)
	return err
}

func startHTTP(lc fx.Lifecycle, cfg *config.Config, srv *Server) {
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.HTTP.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
			}
			logger.Info("server starting", "addr", ln.Addr().String())
			go func() {
				if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	})
}
