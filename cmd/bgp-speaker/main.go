package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/history"
	speakerhttp "github.com/route-beacon/bgp-speaker/internal/http"
	"github.com/route-beacon/bgp-speaker/internal/kafka"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/speaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "decode":
		os.Exit(runDecode(os.Args[2:], os.Stdin, os.Stdout))
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-speaker <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Run BGP sessions with the configured peers")
	fmt.Println("  decode        Decode hex-encoded BGP messages (one per line) from a file or stdin")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file (serve)")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --four-octet-as   Decode AS numbers as 4 octets (decode)")
	fmt.Println("  --strict          Reject unknown message types (decode)")
	fmt.Println("  --file <path>     Read messages from a file instead of stdin (decode)")
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

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bgp-speaker",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Uint32("asn", cfg.Speaker.ASN),
		zap.String("router_id", cfg.Speaker.RouterID),
		zap.Int("peers", len(cfg.Peers)),
	)

	speakerCfg, err := speaker.NewConfig(cfg)
	if err != nil {
		logger.Fatal("invalid speaker config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The journal outlives the sessions so it can flush what they produced.
	journalCtx, journalCancel := context.WithCancel(context.Background())
	defer journalCancel()

	var wg sync.WaitGroup
	var journalWg sync.WaitGroup

	// --- Route event journal ---
	var sink speaker.RouteSink
	var producerCheck speakerhttp.ProducerChecker
	if cfg.Kafka.Enabled {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build TLS config", zap.Error(err))
		}
		saslMech := cfg.Kafka.BuildSASLMechanism()

		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID,
			tlsCfg, saslMech, logger.Named("kafka.producer"))
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		defer producer.Close()
		producerCheck = producer

		writer := history.NewWriter(producer, logger.Named("history.writer"),
			cfg.Journal.StoreRawBytes, cfg.Journal.CompressRawBytes)
		pipeline := history.NewPipeline(writer,
			cfg.Journal.BatchSize, cfg.Journal.FlushIntervalMs, cfg.Journal.ChannelBufferSize,
			logger.Named("history.pipeline"))
		sink = pipeline

		journalWg.Add(1)
		go func() { defer journalWg.Done(); pipeline.Run(journalCtx) }()

		logger.Info("route event journal started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}

	// --- BGP sessions ---
	sp := speaker.New(speakerCfg, sink, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sp.Run(ctx); err != nil {
			logger.Error("speaker stopped", zap.Error(err))
		}
	}()

	// --- HTTP server ---
	httpServer := speakerhttp.NewServer(cfg.Service.HTTPListen, sp, producerCheck, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("speaker and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Send Cease to every peer, then let the journal flush.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		journalCancel()
		journalWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all sessions stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("bgp-speaker stopped")
}
