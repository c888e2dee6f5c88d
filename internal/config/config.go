// Package config loads process configuration from flags, environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

// EnvPrefix prefixes every environment variable, e.g. BILLSCAN_PORT
const EnvPrefix = "BILLSCAN"

// Profile values
const (
	RegistryBolt   = "bolt"
	RegistryDynamo = "dynamodb"

	StorageS3    = "s3"
	StorageLocal = "local"

	TransportAPIGateway = "apigateway"
	TransportRedis      = "redis"

	ExtractorGemini = "gemini"
	ExtractorOllama = "ollama"
)

// Config is the server configuration
type Config struct {
	Port        int
	LogLevel    string
	LogFormat   string
	SecretToken string
	URLTTL      time.Duration

	Registry    string
	BoltPath    string
	DynamoTable string
	DynamoIndex string

	Storage       string
	S3Bucket      string
	S3PathStyle   bool
	LocalPath     string
	PublicURL     string
	SigningSecret string

	// ProcessOnUpload processes locally uploaded bills without an external trigger
	ProcessOnUpload bool

	AWSRegion   string
	AWSEndpoint string

	Transport     string
	WebSocketURL  string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	Extractor      string
	GeminiKey      string
	GeminiModel    string
	OllamaURL      string
	OllamaModel    string
	ExtractTimeout time.Duration

	ShowVersion bool
}

// Load parses args and BILLSCAN_* environment variables into a validated Config.
// Usage is written to stderr when parsing fails.
func Load(args []string) (*Config, error) {
	return load(args, os.Stderr)
}

func load(args []string, usage io.Writer) (*Config, error) {
	var cfg Config
	fs := ff.NewFlagSet("billscan")

	fs.IntVar(&cfg.Port, 0, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.LogLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, 0, "log-format", "text", "Log format: text or json")
	fs.StringVar(&cfg.SecretToken, 0, "secret-key", "", "Shared secret required as a bearer token by /api/process_image")
	fs.DurationVar(&cfg.URLTTL, 0, "url-ttl", time.Hour, "Validity of issued upload URLs")

	fs.StringVar(&cfg.Registry, 0, "registry", RegistryBolt, "Upload registry: bolt or dynamodb")
	fs.StringVar(&cfg.BoltPath, 0, "db", "billscan.db", "Bolt database file path")
	fs.StringVar(&cfg.DynamoTable, 0, "connections-table", "", "DynamoDB connections table")
	fs.StringVar(&cfg.DynamoIndex, 0, "connections-index", "FileNameIndex", "DynamoDB index on fileName")

	fs.StringVar(&cfg.Storage, 0, "storage", StorageLocal, "Object store: s3 or local")
	fs.StringVar(&cfg.S3Bucket, 0, "s3-bucket", "", "S3 bucket holding uploaded bills")
	fs.BoolVar(&cfg.S3PathStyle, 0, "s3-path-style", "Use path-style S3 addressing")
	fs.StringVar(&cfg.LocalPath, 0, "storage-path", "./uploads", "Local storage directory")
	fs.StringVar(&cfg.PublicURL, 0, "public-url", "", "Externally reachable base URL for local upload URLs")
	fs.StringVar(&cfg.SigningSecret, 0, "signing-secret", "", "HMAC secret for local upload URLs (defaults to the secret key)")
	fs.BoolVarDefault(&cfg.ProcessOnUpload, 0, "process-on-upload", true, "Process bills as soon as they arrive on local storage")

	fs.StringVar(&cfg.AWSRegion, 0, "aws-region", "", "AWS region")
	fs.StringVar(&cfg.AWSEndpoint, 0, "aws-endpoint", "", "AWS endpoint override, e.g. LocalStack")

	fs.StringVar(&cfg.Transport, 0, "transport", TransportRedis, "Real-time transport: apigateway or redis")
	fs.StringVar(&cfg.WebSocketURL, 0, "websocket-url", "", "API Gateway WebSocket URL, e.g. wss://id.execute-api.region.amazonaws.com/prod")
	fs.StringVar(&cfg.RedisAddr, 0, "redis-addr", "localhost:6379", "Redis address")
	fs.StringVar(&cfg.RedisPassword, 0, "redis-password", "", "Redis password")
	fs.StringVar(&cfg.RedisPrefix, 0, "redis-prefix", "billscan:conn:", "Redis channel prefix")

	fs.StringVar(&cfg.Extractor, 0, "extractor", ExtractorGemini, "Extractor: gemini or ollama")
	fs.StringVar(&cfg.GeminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.GeminiModel, 0, "gemini-model", "gemini-1.5-flash", "Google Gemini model name")
	fs.StringVar(&cfg.OllamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.OllamaModel, 0, "ollama-model", "llava", "Ollama model name")
	fs.DurationVar(&cfg.ExtractTimeout, 0, "extract-timeout", 2*time.Minute, "Timeout for one inference call")

	fs.BoolVar(&cfg.ShowVersion, 0, "version", "Show version information")
	fs.StringLong("config", "", "Config file with one 'flag value' pair per line (optional)")

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix(EnvPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(usage, "%s\n", ffhelp.Flags(fs))
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if cfg.ShowVersion {
		return &cfg, nil
	}

	if cfg.GeminiKey == "" {
		cfg.GeminiKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.SigningSecret == "" {
		cfg.SigningSecret = cfg.SecretToken
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every selected profile has what it needs
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port < 65536, "port %d out of range", c.Port)
	check(c.SecretToken != "", "secret-key is required")
	check(c.URLTTL > 0, "url-ttl must be positive")
	check(c.ExtractTimeout > 0, "extract-timeout must be positive")
	check(c.LogFormat == "text" || c.LogFormat == "json", "log-format must be text or json, got %q", c.LogFormat)
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	switch c.Registry {
	case RegistryBolt:
		check(c.BoltPath != "", "db is required for the bolt registry")
	case RegistryDynamo:
		check(c.DynamoTable != "", "connections-table is required for the dynamodb registry")
	default:
		check(false, "registry must be bolt or dynamodb, got %q", c.Registry)
	}

	switch c.Storage {
	case StorageS3:
		check(c.S3Bucket != "", "s3-bucket is required for s3 storage")
	case StorageLocal:
		check(c.LocalPath != "", "storage-path is required for local storage")
		check(c.SigningSecret != "", "signing-secret is required for local storage")
	default:
		check(false, "storage must be s3 or local, got %q", c.Storage)
	}

	switch c.Transport {
	case TransportAPIGateway:
		check(c.WebSocketURL != "", "websocket-url is required for the apigateway transport")
	case TransportRedis:
		check(c.RedisAddr != "", "redis-addr is required for the redis transport")
	default:
		check(false, "transport must be apigateway or redis, got %q", c.Transport)
	}

	switch c.Extractor {
	case ExtractorGemini:
		check(c.GeminiKey != "", "Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
	case ExtractorOllama:
		check(c.OllamaURL != "", "ollama-url is required for the ollama extractor")
	default:
		check(false, "extractor must be gemini or ollama, got %q", c.Extractor)
	}

	return errors.Join(errs...)
}

// UsesAWS reports whether any selected profile needs AWS credentials
func (c *Config) UsesAWS() bool {
	return c.Registry == RegistryDynamo || c.Storage == StorageS3 || c.Transport == TransportAPIGateway
}

// SlogLevel parses LogLevel
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log-level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
