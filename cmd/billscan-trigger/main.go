package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/zombor/billscan/internal/config"
	"github.com/zombor/billscan/internal/trigger"
)

func main() {
	cfg, err := config.LoadTrigger(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	forwarder := trigger.NewForwarder(cfg.ServerURL, cfg.SecretToken, cfg.Timeout)
	slog.Info("Forwarding object-created events", "server_url", cfg.ServerURL)
	lambda.Start(forwarder.HandleS3Event)
}
