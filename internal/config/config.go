package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	MLLPAddress          string
	PagerAddress         string
	ReconnectDelay       time.Duration
	ReadTimeout          time.Duration
	StateDir             string
	StorageDriver        string
	PostgresDSN          string
	HistoryFile          string
	HistoryLimit         int
	AKIThreshold         float64
	AckOnPredictionError bool
	WebPort              int
	LogLevel             string
}

type SimulatorConfig struct {
	MLLPPort     int
	PagerPort    int
	MessagesFile string
	AckTimeout   time.Duration
	LogLevel     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MLLPAddress:          getEnv("MLLP_ADDRESS", "message-simulator:8440"),
		PagerAddress:         getEnv("PAGER_ADDRESS", "message-simulator:8441"),
		ReconnectDelay:       getEnvAsDuration("RECONNECT_DELAY", 5*time.Second),
		ReadTimeout:          getEnvAsDuration("READ_TIMEOUT", 30*time.Second),
		StateDir:             getEnv("STATE_DIR", "/state"),
		StorageDriver:        strings.ToLower(getEnv("STORAGE_DRIVER", StorageMemory)),
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		HistoryFile:          getEnv("HISTORY_FILE", ""),
		HistoryLimit:         getEnvAsInt("HISTORY_LIMIT", 50),
		AKIThreshold:         getEnvAsFloat("AKI_THRESHOLD", 1.5),
		AckOnPredictionError: getEnvAsBool("ACK_ON_PREDICTION_ERROR", false),
		WebPort:              getEnvAsInt("WEB_PORT", 8000),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
	}

	setupLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Yapılandırma yüklendi",
		"mllpAddress", cfg.MLLPAddress,
		"pagerAddress", cfg.PagerAddress,
		"storage", cfg.StorageDriver,
		"stateDir", cfg.StateDir,
		"webPort", cfg.WebPort,
	)

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := validateAddress("MLLP_ADDRESS", c.MLLPAddress); err != nil {
		return err
	}
	if err := validateAddress("PAGER_ADDRESS", c.PagerAddress); err != nil {
		return err
	}

	switch c.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN gerekli (STORAGE_DRIVER=%s)", c.StorageDriver)
		}
	default:
		return fmt.Errorf("bilinmeyen STORAGE_DRIVER: %q", c.StorageDriver)
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT pozitif olmalı: %d", c.HistoryLimit)
	}
	if c.AKIThreshold <= 0 {
		return fmt.Errorf("AKI_THRESHOLD pozitif olmalı: %g", c.AKIThreshold)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY pozitif olmalı: %s", c.ReconnectDelay)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("READ_TIMEOUT negatif olamaz: %s", c.ReadTimeout)
	}
	if c.WebPort < 0 || c.WebPort > 65535 {
		return fmt.Errorf("geçersiz WEB_PORT: %d", c.WebPort)
	}
	return nil
}

func LoadSimulator() (*SimulatorConfig, error) {
	_ = godotenv.Load()

	cfg := &SimulatorConfig{
		MLLPPort:     getEnvAsInt("SIMULATOR_MLLP_PORT", 8440),
		PagerPort:    getEnvAsInt("SIMULATOR_PAGER_PORT", 8441),
		MessagesFile: getEnv("SIMULATOR_MESSAGES_FILE", ""),
		AckTimeout:   getEnvAsDuration("SIMULATOR_ACK_TIMEOUT", 30*time.Second),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
	}

	setupLogger(cfg.LogLevel)

	if cfg.MessagesFile == "" {
		return nil, fmt.Errorf("SIMULATOR_MESSAGES_FILE gerekli")
	}

	slog.Info("Simülatör yapılandırması yüklendi",
		"mllpPort", cfg.MLLPPort,
		"pagerPort", cfg.PagerPort,
		"messagesFile", cfg.MessagesFile,
	)

	return cfg, nil
}

func validateAddress(key, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("geçersiz %s %q: %w", key, addr, err)
	}
	if host == "" {
		return fmt.Errorf("geçersiz %s %q: host boş", key, addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("geçersiz %s %q: port", key, addr)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("5s") and plain seconds ("5")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
}
