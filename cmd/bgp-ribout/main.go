package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bgp-ribout/internal/attrdb"
	"github.com/route-beacon/bgp-ribout/internal/config"
	"github.com/route-beacon/bgp-ribout/internal/db"
	httpapi "github.com/route-beacon/bgp-ribout/internal/httpapi"
	"github.com/route-beacon/bgp-ribout/internal/metrics"
	"github.com/route-beacon/bgp-ribout/internal/msgbuilder"
	"github.com/route-beacon/bgp-ribout/internal/ribtable"
	"github.com/route-beacon/bgp-ribout/internal/routetable"
	"github.com/route-beacon/bgp-ribout/internal/sched"
	"github.com/route-beacon/bgp-ribout/internal/scheduling"
	"github.com/route-beacon/bgp-ribout/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-ribout <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the RIB-OUT update pipeline")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// runServe wires the RIB-OUT core to its default collaborators (§6 of
// the design doc) and runs until a shutdown signal arrives. The route
// table and peer membership are normally driven by an IFMap/config
// client and a session layer — both out of scope here — so in this
// standalone binary the table and registry sit idle, ready for those
// external callers to drive via routetable.Table.Upsert and
// ribtable.RibOutRegistry.RegisterPeer/UnregisterPeer.
func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-ribout",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	attrDB, err := attrdb.New(pool, logger.Named("attrdb"))
	if err != nil {
		logger.Fatal("failed to initialize attribute database", zap.Error(err))
	}
	if err := attrDB.Warm(ctx); err != nil {
		logger.Warn("attribute cache warm failed, continuing cold", zap.Error(err))
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	xport, err := transport.New(transport.Config{
		Brokers:     cfg.Kafka.Brokers,
		ClientID:    cfg.Kafka.ClientID,
		TopicPrefix: cfg.Kafka.TopicPrefix,
		TLS:         tlsCfg,
		SASL:        saslMech,
	}, logger.Named("transport"))
	if err != nil {
		logger.Fatal("failed to create transport", zap.Error(err))
	}
	defer xport.Close()

	taskSched := sched.New(logger.Named("sched"), cfg.Scheduling.MaxPartitionConcurrency)
	table := routetable.New(cfg.RibOut.Partitions, taskSched)
	manager := scheduling.NewManager(taskSched, cfg.RibOut.BulkCreditRatio)
	builder := msgbuilder.New(logger.Named("msgbuilder"), cfg.RibOut.MaxPrefixesPerUpdate)
	registry := ribtable.NewRibOutRegistry(table, manager, taskSched, builder, xport)

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, pool, xport, manager, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("rib-out pipeline started",
		zap.Int("partitions", cfg.RibOut.Partitions),
		zap.Int("bulk_credit_ratio", cfg.RibOut.BulkCreditRatio),
	)

	// registry is what a config/IFMap client (out of the core's scope)
	// drives at runtime via RegisterPeer(ribKey, &policy.NextHopSelf{DB:
	// attrDB}, ...) / UnregisterPeer; this binary exposes it wired and
	// ready, and logs the rib count alongside the rest of the telemetry
	// the core exposes read-only.
	ribCountTicker := time.NewTicker(30 * time.Second)
	defer ribCountTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ribCountTicker.C:
				logger.Info("rib-out telemetry",
					zap.Int("ribs", registry.RibCount()),
					zap.Int("scheduling_groups", manager.GroupCount()),
				)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	logger.Info("bgp-ribout stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
