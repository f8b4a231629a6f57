package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LocalClientID identifies the built-in client backed by the local host.
const LocalClientID = "local"

// DefaultClientID identifies the client configured via APP_LONGVIEW_API_KEY.
const DefaultClientID = "default"

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	PollInterval     time.Duration
	AllowedOrigins   []string
	DefaultClient    string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	ClientsFile      string
	Clients          []ClientConfig
	Longview         LongviewConfig
	Local            LocalConfig
	API              RateConfig
	WS               WebsocketConfig
}

// ClientConfig describes a remote client monitored through the stats API.
type ClientConfig struct {
	ID     string `yaml:"id"`
	Label  string `yaml:"label"`
	APIKey string `yaml:"api_key"`
}

// LongviewConfig configures the remote stats API client.
type LongviewConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Rate    RateConfig
}

// LocalConfig configures the local process sampler.
type LocalConfig struct {
	Enable   bool
	Interval time.Duration
	History  int
}

// RateConfig is a token bucket definition.
type RateConfig struct {
	PerSecond float64
	Burst     int
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

type clientsFile struct {
	Clients []ClientConfig `yaml:"clients"`
}

// Load parses configuration from environment variables, applying defaults.
// Variables from the dotenv file named by APP_ENV_FILE (default ".env") are
// applied first without overriding the process environment.
func Load() (Config, error) {
	envFile := strings.TrimSpace(os.Getenv("APP_ENV_FILE"))
	explicitEnvFile := envFile != ""
	if !explicitEnvFile {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if explicitEnvFile || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Config{
		ListenAddr:       ":8080",
		PollInterval:     10 * time.Second,
		AllowedOrigins:   []string{"*"},
		DefaultClient:    "auto",
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		Longview: LongviewConfig{
			BaseURL: "https://longview.linode.com/fetch",
			Timeout: 10 * time.Second,
			Rate:    RateConfig{PerSecond: 5, Burst: 5},
		},
		Local: LocalConfig{
			Enable:   true,
			Interval: 5 * time.Second,
			History:  720,
		},
		API: RateConfig{PerSecond: 20, Burst: 40},
		WS: WebsocketConfig{
			MaxClients:   1024,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  30 * time.Second,
		},
	}

	var err error

	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if cfg.PollInterval, err = durationEnv("APP_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return Config{}, err
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if value := strings.TrimSpace(os.Getenv("APP_DEFAULT_CLIENT")); value != "" {
		cfg.DefaultClient = value
	}

	if cfg.EnablePrometheus, err = boolEnv("APP_ENABLE_PROMETHEUS", cfg.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.EnablePprof, err = boolEnv("APP_ENABLE_PPROF", cfg.EnablePprof); err != nil {
		return Config{}, err
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_LONGVIEW_URL")); value != "" {
		cfg.Longview.BaseURL = value
	}
	cfg.Longview.APIKey = strings.TrimSpace(os.Getenv("APP_LONGVIEW_API_KEY"))
	if cfg.Longview.Timeout, err = durationEnv("APP_LONGVIEW_TIMEOUT", cfg.Longview.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.Longview.Rate.PerSecond, err = positiveFloatEnv("APP_LONGVIEW_RATE", cfg.Longview.Rate.PerSecond); err != nil {
		return Config{}, err
	}
	if cfg.Longview.Rate.Burst, err = positiveIntEnv("APP_LONGVIEW_BURST", cfg.Longview.Rate.Burst); err != nil {
		return Config{}, err
	}

	if cfg.Local.Enable, err = boolEnv("APP_LOCAL_ENABLE", cfg.Local.Enable); err != nil {
		return Config{}, err
	}
	if cfg.Local.Interval, err = durationEnv("APP_LOCAL_INTERVAL", cfg.Local.Interval); err != nil {
		return Config{}, err
	}
	if cfg.Local.History, err = positiveIntEnv("APP_LOCAL_HISTORY", cfg.Local.History); err != nil {
		return Config{}, err
	}

	if cfg.API.PerSecond, err = positiveFloatEnv("APP_API_RATE", cfg.API.PerSecond); err != nil {
		return Config{}, err
	}
	if cfg.API.Burst, err = positiveIntEnv("APP_API_BURST", cfg.API.Burst); err != nil {
		return Config{}, err
	}

	if cfg.WS.MaxClients, err = positiveIntEnv("APP_WS_MAX_CLIENTS", cfg.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if cfg.WS.WriteTimeout, err = durationEnv("APP_WS_WRITE_TIMEOUT", cfg.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.WS.ReadTimeout, err = durationEnv("APP_WS_READ_TIMEOUT", cfg.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	if cfg.Longview.APIKey != "" {
		cfg.Clients = append(cfg.Clients, ClientConfig{
			ID:     DefaultClientID,
			Label:  "Default client",
			APIKey: cfg.Longview.APIKey,
		})
	}

	cfg.ClientsFile = strings.TrimSpace(os.Getenv("APP_CLIENTS_FILE"))
	if cfg.ClientsFile != "" {
		fileClients, err := loadClientsFile(cfg.ClientsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Clients = append(cfg.Clients, fileClients...)
	}

	if err := validateClients(cfg.Clients, cfg.Local.Enable); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadClientsFile(path string) ([]ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read clients file: %w", err)
	}
	var file clientsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse clients file %s: %w", path, err)
	}
	for i := range file.Clients {
		file.Clients[i].ID = strings.TrimSpace(file.Clients[i].ID)
		file.Clients[i].APIKey = strings.TrimSpace(file.Clients[i].APIKey)
		if file.Clients[i].Label == "" {
			file.Clients[i].Label = file.Clients[i].ID
		}
	}
	return file.Clients, nil
}

func validateClients(clients []ClientConfig, localEnabled bool) error {
	seen := make(map[string]struct{}, len(clients)+1)
	if localEnabled {
		seen[LocalClientID] = struct{}{}
	}
	for _, client := range clients {
		if client.ID == "" {
			return fmt.Errorf("client id must not be empty")
		}
		if client.APIKey == "" {
			return fmt.Errorf("client %q: api_key must not be empty", client.ID)
		}
		if _, dup := seen[client.ID]; dup {
			return fmt.Errorf("duplicate client id %q", client.ID)
		}
		seen[client.ID] = struct{}{}
	}
	return nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return duration, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func positiveIntEnv(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveFloatEnv(key string, fallback float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
