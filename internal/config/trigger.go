package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

// TriggerConfig configures the object-created event forwarder
type TriggerConfig struct {
	ServerURL   string
	SecretToken string
	Timeout     time.Duration
	LogLevel    string
}

// LoadTrigger parses args and BILLSCAN_* environment variables into a
// validated TriggerConfig
func LoadTrigger(args []string) (*TriggerConfig, error) {
	return loadTrigger(args, os.Stderr)
}

func loadTrigger(args []string, usage io.Writer) (*TriggerConfig, error) {
	var cfg TriggerConfig
	fs := ff.NewFlagSet("billscan-trigger")
	fs.StringVar(&cfg.ServerURL, 0, "server-url", "", "Base URL or load balancer DNS name of the billscan server")
	fs.StringVar(&cfg.SecretToken, 0, "secret-key", "", "Shared secret sent as a bearer token")
	fs.DurationVar(&cfg.Timeout, 0, "timeout", 5*time.Minute, "Timeout for one processing request")
	fs.StringVar(&cfg.LogLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		fmt.Fprintf(usage, "%s\n", ffhelp.Flags(fs))
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	var errs []error
	if cfg.ServerURL == "" {
		errs = append(errs, errors.New("server-url is required"))
	}
	if cfg.SecretToken == "" {
		errs = append(errs, errors.New("secret-key is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}
