package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded sync defaults
const (
	DefaultDebounce         = 30 * time.Second
	DefaultOperationTimeout = 5 * time.Minute
	DefaultStateTTL         = 10 * time.Minute
	DefaultMaxBackups       = 10
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Storage     StorageConfig     `yaml:"storage"`
	Database    DatabaseConfig    `yaml:"database"`
	Drive       DriveConfig       `yaml:"drive"`
	Sync        SyncConfig        `yaml:"sync"`
	UI          UIConfig          `yaml:"ui"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// CredentialsConfig points at the development credentials file. Environment
// variables always win over the file.
type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig selects where the Drive tokens are persisted.
type StorageConfig struct {
	Driver   string      `yaml:"driver"`
	BoltPath string      `yaml:"bolt_path"`
	Redis    RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis token store.
type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// DatabaseConfig locates the application database that gets backed up.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DriveConfig controls where backups land in Drive.
type DriveConfig struct {
	FolderName   string `yaml:"folder_name"`
	BackupPrefix string `yaml:"backup_prefix"`
	MaxBackups   int    `yaml:"max_backups"`
}

// SyncConfig tunes the auto sync worker.
type SyncConfig struct {
	Debounce         string `yaml:"debounce"`
	OperationTimeout string `yaml:"operation_timeout"`
	StateTTL         string `yaml:"state_ttl"`
}

// UIConfig controls user-facing strings.
type UIConfig struct {
	Locale string `yaml:"locale"`
}

const (
	storageDriverBolt  = "bolt"
	storageDriverRedis = "redis"
)

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3001",
			DevListenAddr:   "127.0.0.1:3001",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:  []string{"localhost"},
				CacheDir: ".secrets/tls",
			},
		},
		Credentials: CredentialsConfig{
			Path: "credentials.json",
		},
		Storage: StorageConfig{
			Driver:   storageDriverBolt,
			BoltPath: ".secrets/drivesync.db",
			Redis: RedisConfig{
				KeyPrefix: "drivesync",
			},
		},
		Database: DatabaseConfig{
			Path: "data/app.db",
		},
		Drive: DriveConfig{
			FolderName:   "drivesync-backups",
			BackupPrefix: "backup-",
			MaxBackups:   DefaultMaxBackups,
		},
		Sync: SyncConfig{
			Debounce:         DefaultDebounce.String(),
			OperationTimeout: DefaultOperationTimeout.String(),
			StateTTL:         DefaultStateTTL.String(),
		},
		UI: UIConfig{
			Locale: "es",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"DRIVESYNC_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"DRIVESYNC_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"DRIVESYNC_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"DRIVESYNC_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"DRIVESYNC_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"DRIVESYNC_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"DRIVESYNC_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"DRIVESYNC_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"DRIVESYNC_CREDENTIALS_PATH":         func(v string) { cfg.Credentials.Path = v },
		"DRIVESYNC_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(v)) },
		"DRIVESYNC_STORAGE_BOLT_PATH":        func(v string) { cfg.Storage.BoltPath = v },
		"DRIVESYNC_REDIS_ADDRESSES":          func(v string) { cfg.Storage.Redis.Addresses = splitAndTrim(v) },
		"DRIVESYNC_REDIS_PASSWORD":           func(v string) { cfg.Storage.Redis.Password = v },
		"DRIVESYNC_REDIS_DB":                 func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
		"DRIVESYNC_DATABASE_PATH":            func(v string) { cfg.Database.Path = v },
		"DRIVESYNC_DRIVE_FOLDER_NAME":        func(v string) { cfg.Drive.FolderName = v },
		"DRIVESYNC_SYNC_DEBOUNCE":            func(v string) { cfg.Sync.Debounce = v },
		"DRIVESYNC_UI_LOCALE":                func(v string) { cfg.UI.Locale = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DebounceInterval is how long the auto sync worker waits after the last change.
func (c Config) DebounceInterval() time.Duration {
	return parseDuration(c.Sync.Debounce, DefaultDebounce)
}

// OperationTimeout bounds a single backup or restore.
func (c Config) OperationTimeout() time.Duration {
	return parseDuration(c.Sync.OperationTimeout, DefaultOperationTimeout)
}

// StateTTL bounds how long a consent popup may take before its state expires.
func (c Config) StateTTL() time.Duration {
	return parseDuration(c.Sync.StateTTL, DefaultStateTTL)
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.SecretsPath == "" {
		slog.Error("Missing required configuration", "field", "server.secrets_path")
		return errors.New("server.secrets_path is required")
	}

	switch c.Storage.Driver {
	case storageDriverBolt:
		if c.Storage.BoltPath == "" {
			slog.Error("Missing required configuration", "field", "storage.bolt_path")
			return errors.New("storage.bolt_path is required for the bolt driver")
		}
	case storageDriverRedis:
		if len(c.Storage.Redis.Addresses) == 0 {
			slog.Error("Missing required configuration", "field", "storage.redis.addresses")
			return errors.New("storage.redis.addresses is required for the redis driver")
		}
	default:
		slog.Error("Invalid storage driver", "field", "storage.driver", "value", c.Storage.Driver, "valid_values", []string{storageDriverBolt, storageDriverRedis})
		return fmt.Errorf("storage.driver must be %q or %q, got: %s", storageDriverBolt, storageDriverRedis, c.Storage.Driver)
	}

	if c.Database.Path == "" {
		slog.Error("Missing required configuration", "field", "database.path")
		return errors.New("database.path is required")
	}

	if strings.TrimSpace(c.Drive.FolderName) == "" {
		slog.Error("Missing required configuration", "field", "drive.folder_name")
		return errors.New("drive.folder_name is required")
	}
	if strings.ContainsAny(c.Drive.FolderName+c.Drive.BackupPrefix, `'\`) {
		slog.Error("Invalid drive naming", "folder_name", c.Drive.FolderName, "backup_prefix", c.Drive.BackupPrefix)
		return errors.New("drive.folder_name and drive.backup_prefix must not contain quotes or backslashes")
	}
	if c.Drive.MaxBackups < 0 {
		slog.Error("Invalid configuration value", "field", "drive.max_backups", "value", c.Drive.MaxBackups)
		return fmt.Errorf("drive.max_backups must be >= 0, got: %d", c.Drive.MaxBackups)
	}

	durations := map[string]string{
		"sync.debounce":          c.Sync.Debounce,
		"sync.operation_timeout": c.Sync.OperationTimeout,
		"sync.state_ttl":         c.Sync.StateTTL,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			slog.Error("Invalid duration", "field", field, "value", value, "error", err)
			return fmt.Errorf("%s: invalid duration '%s': %w", field, value, err)
		}
		if d <= 0 {
			slog.Error("Invalid duration", "field", field, "value", value, "reason", "must be positive")
			return fmt.Errorf("%s must be positive, got: %s", field, value)
		}
	}

	if !supportedLocale(c.UI.Locale) {
		slog.Error("Unsupported locale", "field", "ui.locale", "value", c.UI.Locale, "valid_values", []string{"es", "en"})
		return fmt.Errorf("ui.locale must be 'es' or 'en', got: %s", c.UI.Locale)
	}

	return nil
}

// AllowedOrigins lists browser origins permitted to open the websocket channel.
func (c Config) AllowedOrigins(frontendURL string) []string {
	seen := make(map[string]bool)
	origins := []string{}
	for _, raw := range []string{frontendURL, c.Server.PublicURL} {
		if origin := extractOrigin(raw); origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	return origins
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(urlStr string) string {
	if urlStr == "" || urlStr == "*" {
		return ""
	}
	idx := strings.Index(urlStr, "://")
	if idx == -1 {
		return ""
	}
	scheme := urlStr[:idx]
	rest := urlStr[idx+3:]
	if slash := strings.Index(rest, "/"); slash != -1 {
		rest = rest[:slash]
	}
	if scheme == "" || rest == "" {
		return ""
	}
	return scheme + "://" + rest
}
