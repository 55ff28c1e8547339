package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends accepted by CHECKPOINT_STORE
const (
	StoreDatabase = "database"
	StoreKeyring  = "keyring"
	StoreMemory   = "memory"
)

// ErrEnvRequired is returned when a mandatory variable is unset
var ErrEnvRequired = errors.New("env is required")

// Config holds everything the upload pipeline needs at startup
type Config struct {
	BackendURL      string
	DatabaseURL     string
	CheckpointStore string

	LogLevel  string
	LogPretty bool

	Upload Upload
	DB     DB

	SweepCron string
}

// Upload tunes the transfer engine
type Upload struct {
	Concurrency    int
	MaxFileSize    int64
	ChunkSize      int64
	CheckpointStep int // percent of the file
	ResumeTTL      time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
	BackendRPS     float64
}

// DB tunes the sql connection pool behind gorm
type DB struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Defaults returns the engine settings used when nothing is configured
func Defaults() Upload {
	return Upload{
		Concurrency:    4,
		MaxFileSize:    100 * 1024 * 1024,
		ChunkSize:      8 * 1024 * 1024,
		CheckpointStep: 5,
		ResumeTTL:      7 * 24 * time.Hour,
		RetryAttempts:  3,
		RetryBaseDelay: 500 * time.Millisecond,
		RequestTimeout: 10 * time.Minute,
	}
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// take precedence over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var ge getenv
	def := Defaults()

	cfg := Config{
		BackendURL:      ge.String("UPLOAD_BACKEND_URL", true, ""),
		DatabaseURL:     ge.String("DATABASE_URL", false, ""),
		CheckpointStore: strings.ToLower(ge.String("CHECKPOINT_STORE", false, StoreDatabase)),
		LogLevel:        ge.String("LOG_LEVEL", false, "info"),
		LogPretty:       ge.Bool("LOG_PRETTY", false),
		Upload: Upload{
			Concurrency:    ge.Int("UPLOAD_CONCURRENCY", def.Concurrency),
			MaxFileSize:    ge.Int64("UPLOAD_MAX_FILE_SIZE", def.MaxFileSize),
			ChunkSize:      ge.Int64("UPLOAD_CHUNK_SIZE", def.ChunkSize),
			CheckpointStep: ge.Int("UPLOAD_CHECKPOINT_STEP", def.CheckpointStep),
			ResumeTTL:      ge.Duration("UPLOAD_RESUME_TTL", def.ResumeTTL),
			RetryAttempts:  ge.Int("UPLOAD_RETRY_ATTEMPTS", def.RetryAttempts),
			RetryBaseDelay: ge.Duration("UPLOAD_RETRY_BASE_DELAY", def.RetryBaseDelay),
			RequestTimeout: ge.Duration("UPLOAD_REQUEST_TIMEOUT", def.RequestTimeout),
			BackendRPS:     ge.Float("UPLOAD_BACKEND_RPS", 0),
		},
		DB: DB{
			MaxOpenConns:    ge.Int("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    ge.Int("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: ge.Duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		SweepCron: ge.String("CHECKPOINT_SWEEP_CRON", false, "0 0 * * * *"),
	}

	if cfg.DatabaseURL == "" && cfg.CheckpointStore == StoreDatabase {
		path, err := defaultDatabasePath()
		if err != nil {
			ge.errs = append(ge.errs, err)
		} else {
			cfg.DatabaseURL = "sqlite://" + path
		}
	}

	if err := cfg.Validate(); err != nil {
		ge.errs = append(ge.errs, err)
	}

	return cfg, ge.Err()
}

// Validate checks the values that cannot be fixed up silently
func (c Config) Validate() error {
	switch c.CheckpointStore {
	case StoreDatabase, StoreKeyring, StoreMemory:
	default:
		return fmt.Errorf("CHECKPOINT_STORE: unsupported store %q", c.CheckpointStore)
	}
	if c.Upload.Concurrency < 1 {
		return fmt.Errorf("UPLOAD_CONCURRENCY: must be at least 1, got %d", c.Upload.Concurrency)
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("UPLOAD_MAX_FILE_SIZE: must be positive, got %d", c.Upload.MaxFileSize)
	}
	if c.Upload.ChunkSize < 0 {
		return fmt.Errorf("UPLOAD_CHUNK_SIZE: must not be negative, got %d", c.Upload.ChunkSize)
	}
	if c.Upload.CheckpointStep < 1 || c.Upload.CheckpointStep > 100 {
		return fmt.Errorf("UPLOAD_CHECKPOINT_STEP: must be within 1..100, got %d", c.Upload.CheckpointStep)
	}
	if c.Upload.RetryAttempts < 1 {
		return fmt.Errorf("UPLOAD_RETRY_ATTEMPTS: must be at least 1, got %d", c.Upload.RetryAttempts)
	}
	return nil
}

// defaultDatabasePath keeps the sqlite file in the user config directory
func defaultDatabasePath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user config directory: %w", err)
	}

	appDir := filepath.Join(configDir, "vstage-upload")
	if err := os.MkdirAll(appDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create app directory: %w", err)
	}

	return filepath.Join(appDir, "checkpoints.db"), nil
}

// getenv collects parse errors so every bad variable is reported at once
type getenv struct {
	errs []error
}

func (ge *getenv) Err() error {
	return errors.Join(ge.errs...)
}

func (ge *getenv) lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func (ge *getenv) String(key string, required bool, defaultValue string) string {
	val, ok := ge.lookup(key)
	if !ok {
		if required {
			ge.errs = append(ge.errs, fmt.Errorf("%s %w", key, ErrEnvRequired))
		}
		return defaultValue
	}
	return val
}

func (ge *getenv) Int(key string, defaultValue int) int {
	val, ok := ge.lookup(key)
	if !ok {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		ge.errs = append(ge.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return intVal
}

func (ge *getenv) Int64(key string, defaultValue int64) int64 {
	val, ok := ge.lookup(key)
	if !ok {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		ge.errs = append(ge.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return intVal
}

func (ge *getenv) Float(key string, defaultValue float64) float64 {
	val, ok := ge.lookup(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		ge.errs = append(ge.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

func (ge *getenv) Duration(key string, defaultValue time.Duration) time.Duration {
	val, ok := ge.lookup(key)
	if !ok {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		ge.errs = append(ge.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return duration
}

func (ge *getenv) Bool(key string, defaultValue bool) bool {
	val, ok := ge.lookup(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	default:
		ge.errs = append(ge.errs, fmt.Errorf("invalid boolean value %q for %q", val, key))
		return defaultValue
	}
}
