package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quotient-labs/quotient/internal/httpserver"
	"github.com/quotient-labs/quotient/internal/staticdata"
	"github.com/quotient-labs/quotient/internal/tracing"
	"github.com/quotient-labs/quotient/pkg/audit"
	"github.com/quotient-labs/quotient/pkg/config"
	"github.com/quotient-labs/quotient/pkg/fallback"
	"github.com/quotient-labs/quotient/pkg/observability"
	"github.com/quotient-labs/quotient/pkg/scoring"
	"github.com/quotient-labs/quotient/pkg/session"
	"github.com/quotient-labs/quotient/pkg/sla"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Command line flags
	configFile = flag.String("config", getEnv("CONFIG_FILE", ""), "Configuration file")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 0), "HTTP server port (overrides config)")
)

func main() {
	flag.Parse()

	log.Printf("Starting Quotient negotiation engine v%s", Version)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *httpPort != 0 {
		cfg.Server.Port = *httpPort
	}

	// Initialize observability
	if err := tracing.InitFromEnv(); err != nil {
		log.Fatalf("Tracing error: %v", err)
	}
	observability.InitMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck(observability.PingCheck())

	// Storage backend
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Store error: %v", err)
	}
	defer store.Close()
	healthChecker.RegisterCheck(observability.StoreCheck(cfg.Store.Backend, store.Ping))

	// Audit sink: always log, additionally Kafka when brokers are set
	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("Audit sink error: %v", err)
	}
	defer closeSink()

	engine := session.NewEngine(store, sink, session.SLAConfig{
		Window:             cfg.SLA.Window.Std(),
		ExtensionIncrement: cfg.SLA.ExtensionIncrement.Std(),
		MaxExtensions:      cfg.SLA.MaxExtensions,
	})
	monitor := sla.NewMonitor(store, sink)
	scorer := scoring.NewEngine(cfg.Scoring)

	resolvers, err := buildResolvers(cfg, sink)
	if err != nil {
		log.Fatalf("Resolver error: %v", err)
	}

	apiServer, err := httpserver.New(httpserver.Options{
		Engine:         engine,
		Monitor:        monitor,
		Scorer:         scorer,
		Resolvers:      resolvers,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})
	if err != nil {
		log.Fatalf("Server error: %v", err)
	}

	obsServer := observability.NewServer(cfg.Server.MetricsPort, healthChecker)

	runCtx, stopSweeper := context.WithCancel(context.Background())
	go monitor.Run(runCtx, cfg.SLA.SweepInterval.Std())

	errChan := make(chan error, 2)
	go func() {
		log.Printf("Starting API server on :%d", cfg.Server.Port)
		if err := apiServer.Start(cfg.Server.Port); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()
	go func() {
		log.Printf("Starting metrics server on :%d", cfg.Server.MetricsPort)
		if err := obsServer.Start(); err != nil {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down...")
	}

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	if err := obsServer.Shutdown(ctx); err != nil {
		log.Printf("Metrics server shutdown error: %v", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}

	log.Println("Stopped")
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return session.NewRedisStore(session.RedisConfig{
			Addr:       cfg.Store.Redis.Addr,
			Password:   cfg.Store.Redis.Password,
			DB:         cfg.Store.Redis.DB,
			Prefix:     cfg.Store.Redis.Prefix,
			SessionTTL: cfg.Store.Redis.TTL.Std(),
		})
	case "sqlite":
		return session.NewSQLiteStore(cfg.Store.SQLite.Path)
	default:
		return session.NewMemoryStore(), nil
	}
}

func buildSink(cfg *config.Config) (audit.Sink, func(), error) {
	logSink := audit.NewLogSink()
	if len(cfg.Audit.KafkaBrokers) == 0 {
		return logSink, func() {}, nil
	}

	kafkaSink, err := audit.NewKafkaSink(audit.KafkaConfig{
		Brokers: cfg.Audit.KafkaBrokers,
		Topic:   cfg.Audit.KafkaTopic,
	})
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := kafkaSink.Close(); err != nil {
			log.Printf("Kafka sink close error: %v", err)
		}
	}
	return audit.MultiSink{logSink, kafkaSink}, closer, nil
}

// buildResolvers wires the candidate cascade for every vertical with
// embedded static data. The live ranked service and backup store are
// collaborators configured elsewhere; out of the box both tiers report
// unavailable and the embedded dataset answers.
func buildResolvers(cfg *config.Config, sink audit.Sink) (httpserver.ResolverLookup, error) {
	verticals, err := staticdata.Verticals()
	if err != nil {
		return nil, err
	}

	resolvers := make(map[string]*fallback.Resolver, len(verticals))
	for _, vertical := range verticals {
		vertical := vertical
		resolvers[vertical] = fallback.NewResolver(fallback.Config{
			Strategies: []fallback.Strategy{
				fallback.WithBreaker(fallback.Strategy{
					Name: fallback.StrategyRankedService,
					Fetch: func(ctx context.Context) (any, error) {
						return nil, fmt.Errorf("ranked service not configured")
					},
				}, 3, 30*time.Second),
				{
					Name: fallback.StrategyStaticDataset,
					Fetch: func(ctx context.Context) (any, error) {
						return staticdata.Candidates(vertical)
					},
				},
			},
			TierTimeout: cfg.Fallback.TierTimeout.Std(),
			Messages:    fallback.DefaultMessageTable(),
			Audit:       sink,
		})
	}

	return func(vertical string) *fallback.Resolver {
		return resolvers[vertical]
	}, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}
