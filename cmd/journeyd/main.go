package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/journeykit-dev/journeykit/internal/archive"
	"github.com/journeykit-dev/journeykit/internal/events"
	"github.com/journeykit-dev/journeykit/internal/gateway"
	"github.com/journeykit-dev/journeykit/pkg/config"
	"github.com/journeykit-dev/journeykit/pkg/identity"
	"github.com/journeykit-dev/journeykit/pkg/journey"
	"github.com/journeykit-dev/journeykit/pkg/observability"
	"github.com/journeykit-dev/journeykit/pkg/optimize"
	"github.com/journeykit-dev/journeykit/pkg/personalize"
	"github.com/journeykit-dev/journeykit/pkg/scarcity"
)

const defaultConfigFile = "config/journeyd.yaml"

var (
	// Version information (set via ldflags)
	Version = "dev"

	configFile = flag.String("config", getEnv("CONFIG_FILE", defaultConfigFile), "Configuration file")
	httpPort   = flag.Int("http-port", getEnvInt("PORT", 0), "API server port (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *httpPort != 0 {
		cfg.Server.Port = *httpPort
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()
	logger.Info("starting journeyd",
		zap.String("version", Version),
		zap.String("config", *configFile),
		zap.Int("port", cfg.Server.Port))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("journeyd exited", zap.Error(err))
	}
	logger.Info("journeyd stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := journey.NewRedisStore(journey.RedisConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		Prefix:     cfg.Redis.Prefix,
		SessionTTL: cfg.Redis.TTL,
		PoolSize:   cfg.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer store.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := store.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	publisher := events.NewPublisher(store.Client(), events.DefaultChannel)
	records := personalize.NewRedisRecords(store.Client(), cfg.Redis.Prefix)

	machine := journey.NewMachine(store, machineConfig(cfg), logger, publisher)
	personalizer := personalize.NewEngine(records, logger)
	triggers := scarcity.NewEngine(store, store, scarcity.Config{
		ProofMinimum:    *cfg.Scarcity.ProofMinimum,
		CountdownWindow: cfg.Scarcity.CountdownWindow,
	}, logger)
	resolver := identity.NewResolver(store, store, identity.Config{
		FingerprintThreshold: cfg.Identity.FingerprintThreshold,
	}, logger)
	loop := optimize.NewLoop(store, personalizer, triggers, publisher, optimize.Config{
		Tick:                cfg.Optimization.Tick,
		ConfidenceThreshold: cfg.Optimization.ConfidenceThreshold,
		LowEngagement:       cfg.Optimization.LowEngagement,
		AccelerateBelow:     cfg.Optimization.AccelerateBelow,
	}, logger)

	observability.InitMetrics()
	healthChecker := observability.InitHealthChecker(Version)
	healthChecker.RegisterCheck(observability.StoreCheck(store.Ping))
	obsServer := observability.NewServer(cfg.Server.ObsPort)

	api := gateway.New(gateway.Config{
		Port:            cfg.Server.Port,
		DecisionTimeout: cfg.Server.DecisionTimeout,
		RatePerSecond:   cfg.Server.RatePerSecond,
		RateBurst:       cfg.Server.RateBurst,
		Debug:           cfg.Debug,
	}, machine, personalizer, triggers, logger)
	api.OnSessionStarted(func(sessionID, visitorID, fingerprint string) {
		scanCtx, scanCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scanCancel()
		if visitorID != "" {
			if err := resolver.ScanDeclared(scanCtx, visitorID); err != nil {
				logger.Warn("identity scan failed",
					zap.String("session_id", sessionID),
					zap.String("visitor_id", visitorID),
					zap.Error(err))
			}
		}
		if fingerprint != "" {
			if err := resolver.ScanFingerprint(scanCtx, fingerprint); err != nil {
				logger.Warn("identity scan failed",
					zap.String("session_id", sessionID),
					zap.String("fingerprint", fingerprint),
					zap.Error(err))
			}
		}
	})

	// Background maintenance: idle sweep plus the optional retention
	// archive.
	maint := cron.New()
	if _, err := maint.AddFunc("@every 1m", func() {
		swept, err := machine.SweepIdle(ctx)
		if err != nil {
			logger.Warn("idle sweep failed", zap.Error(err))
			return
		}
		if swept > 0 {
			logger.Info("idle sweep", zap.Int("abandoned", swept))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	var archiver *archive.Archiver
	if cfg.ClickHouse.Enabled {
		archiver, err = archive.New(archive.Config{
			Addrs:    cfg.ClickHouse.Addrs,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		}, store, cfg.Journey.RetentionWindow, logger)
		if err != nil {
			return fmt.Errorf("connect clickhouse: %w", err)
		}
		defer archiver.Close()

		if _, err := maint.AddFunc("@every 1h", func() {
			archived, err := archiver.Run(ctx)
			if err != nil {
				logger.Warn("retention archive failed", zap.Error(err))
				return
			}
			if archived > 0 {
				logger.Info("retention archive", zap.Int("sessions", archived))
			}
		}); err != nil {
			return fmt.Errorf("schedule archive: %w", err)
		}
	}

	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("start optimization loop: %w", err)
	}
	maint.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server listening", zap.Int("port", cfg.Server.Port))
		if err := api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("observability server listening", zap.Int("port", cfg.Server.ObsPort))
		if err := obsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("observability server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()

		loop.Stop()
		<-maint.Stop().Done()
		if err := api.Shutdown(shutCtx); err != nil {
			logger.Warn("api shutdown", zap.Error(err))
		}
		if err := obsServer.Shutdown(shutCtx); err != nil {
			logger.Warn("observability shutdown", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// machineConfig maps the YAML journey section onto state machine tunables.
func machineConfig(cfg *config.Config) journey.MachineConfig {
	advance := make(map[journey.Stage]journey.StageCriteria, len(cfg.Journey.Advance))
	for stage, c := range cfg.Journey.Advance {
		advance[journey.Stage(stage)] = journey.StageCriteria{
			MinEngagement:  c.MinEngagement,
			MinDwell:       c.MinDwell,
			MinTouchpoints: c.MinTouchpoints,
		}
	}
	return journey.MachineConfig{
		EngagementWeight: cfg.Journey.EngagementWeight,
		Advance:          advance,
		ReconsiderBelow:  cfg.Journey.ReconsiderBelow,
		IdleWindow:       cfg.Journey.IdleWindow,
		StorageRetries:   cfg.Journey.StorageRetries,
	}
}

// loadConfig falls back to defaults when the default config path does not
// exist, so journeyd starts against a local Redis with no file at all.
// A path the operator set explicitly must exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil && path == defaultConfigFile && os.IsNotExist(errors.Unwrap(err)) {
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
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
