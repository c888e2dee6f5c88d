package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/zombor/billscan/internal/bill"
	"github.com/zombor/billscan/internal/cloud"
	"github.com/zombor/billscan/internal/config"
	"github.com/zombor/billscan/internal/realtime"
	"github.com/zombor/billscan/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	if err := run(cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		slog.Info("Loading AWS configuration...", "region", cfg.AWSRegion, "endpoint", cfg.AWSEndpoint)
		var err error
		awsCfg, err = cloud.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			return err
		}
	}

	// Initialize registry
	var registry bill.Registry
	switch cfg.Registry {
	case config.RegistryDynamo:
		slog.Info("Initializing DynamoDB registry...", "table", cfg.DynamoTable, "index", cfg.DynamoIndex)
		registry = cloud.NewDynamoRegistry(awsCfg, cfg.DynamoTable, cfg.DynamoIndex)
	default:
		slog.Info("Initializing database...", "path", cfg.BoltPath)
		db, err := bill.NewBoltDB(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		registry = db
	}
	defer registry.Close()

	// Initialize storage
	var (
		store   bill.ObjectStore
		uploads bill.UploadReceiver
	)
	switch cfg.Storage {
	case config.StorageS3:
		slog.Info("Initializing S3 storage...", "bucket", cfg.S3Bucket)
		store = cloud.NewS3Store(awsCfg, cfg.S3Bucket, cfg.S3PathStyle || cfg.AWSEndpoint != "")
	default:
		slog.Info("Initializing storage...", "path", cfg.LocalPath, "public_url", cfg.PublicURL)
		local, err := bill.NewLocalStorage(cfg.LocalPath, cfg.PublicURL, []byte(cfg.SigningSecret))
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		store = local
		uploads = local
	}

	// Initialize transport
	var transport bill.Transport
	switch cfg.Transport {
	case config.TransportAPIGateway:
		slog.Info("Initializing API Gateway transport...", "websocket_url", cfg.WebSocketURL)
		apigw, err := realtime.NewAPIGatewayTransport(awsCfg, cfg.WebSocketURL)
		if err != nil {
			return fmt.Errorf("initializing transport: %w", err)
		}
		transport = apigw
	default:
		slog.Info("Initializing Redis transport...", "addr", cfg.RedisAddr)
		rt, err := realtime.NewRedisTransport(ctx, realtime.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("initializing transport: %w", err)
		}
		defer rt.Close()
		transport = rt
	}

	// Initialize extractor based on type
	var extractor scanning.Extractor
	switch cfg.Extractor {
	case config.ExtractorOllama:
		slog.Info("Initializing Ollama extractor...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		ollama, err := scanning.NewOllama(cfg.OllamaURL, cfg.OllamaModel, cfg.ExtractTimeout)
		if err != nil {
			return fmt.Errorf("initializing Ollama: %w", err)
		}
		extractor = ollama
	default:
		slog.Info("Initializing Gemini extractor...", "model", cfg.GeminiModel)
		gemini, err := scanning.NewGemini(ctx, cfg.GeminiKey, cfg.GeminiModel, cfg.ExtractTimeout)
		if err != nil {
			return fmt.Errorf("initializing Gemini: %w", err)
		}
		extractor = gemini
	}
	defer extractor.Close()

	intake := bill.NewIntake(registry, store, cfg.URLTTL)
	notifier := bill.NewNotifier(registry, transport)
	processor := bill.NewProcessor(registry, store, extractor, notifier)
	server := bill.NewServer(intake, processor, bill.BearerAuth{Token: cfg.SecretToken}, uploads)
	if uploads != nil && cfg.ProcessOnUpload {
		slog.Info("Processing bills on upload")
		server.ProcessOnUpload()
	}

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(addr)
	}()
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-sigChan:
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
