// Package config loads process configuration from defaults, a TOML file, environment variables
// and flags, in increasing order of priority.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment variable read by Load, e.g. OFFLINECACHE_SERVER_ADDR.
const EnvPrefix = "OFFLINECACHE_"

// Config holds all configuration settings for the offlinecache process.
type Config struct {
	Server  ServerConfig  `toml:"server" envPrefix:"SERVER_"`
	Engine  EngineConfig  `toml:"engine" envPrefix:"ENGINE_"`
	Storage StorageConfig `toml:"storage" envPrefix:"STORAGE_"`
	Catalog CatalogConfig `toml:"catalog" envPrefix:"CATALOG_"`
	Logging LoggingConfig `toml:"logging" envPrefix:"LOG_"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Addr string `toml:"addr" env:"ADDR"`
	// StaticDir is the built application served for same-origin requests. Empty forwards them to Engine.Origin.
	StaticDir       string   `toml:"static_dir" env:"STATIC_DIR"`
	MessagingPath   string   `toml:"messaging_path" env:"MESSAGING_PATH"`
	CatalogPath     string   `toml:"catalog_path" env:"CATALOG_PATH"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// EngineConfig holds request interception settings.
type EngineConfig struct {
	Origin             string   `toml:"origin" env:"ORIGIN"`
	DataHost           string   `toml:"data_host" env:"DATA_HOST"`
	AssetHosts         []string `toml:"asset_hosts" env:"ASSET_HOSTS" envSeparator:","`
	AssetPathMarkers   []string `toml:"asset_path_markers" env:"ASSET_PATH_MARKERS" envSeparator:","`
	CacheName          string   `toml:"cache_name" env:"CACHE_NAME"`
	Version            int      `toml:"version" env:"VERSION"`
	PrecacheURLs       []string `toml:"precache" env:"PRECACHE" envSeparator:","`
	SkipWaiting        bool     `toml:"skip_waiting" env:"SKIP_WAITING"`
	RevalidateTimeout  Duration `toml:"revalidate_timeout" env:"REVALIDATE_TIMEOUT"`
	RevalidateAfter    Duration `toml:"revalidate_after" env:"REVALIDATE_AFTER"`
	MaxBackgroundTasks int64    `toml:"max_background_tasks" env:"MAX_BACKGROUND_TASKS"`
	MediaPlaceholder   bool     `toml:"media_placeholder" env:"MEDIA_PLACEHOLDER"`
	MaxBodyMB          int64    `toml:"max_body_mb" env:"MAX_BODY_MB"`
}

// StorageConfig selects where partitions and the snapshot store live.
type StorageConfig struct {
	Type string `toml:"type" env:"TYPE"` // "memory", "sqlite"
	// Path is the SQLite file holding cache partitions.
	Path string `toml:"path" env:"PATH"`
	// KVPath is the SQLite file holding the application key-value store.
	KVPath       string `toml:"kv_path" env:"KV_PATH"`
	MemoryMaxMB  int    `toml:"memory_max_mb" env:"MEMORY_MAX_MB"`
	KVQuotaBytes int64  `toml:"kv_quota_bytes" env:"KV_QUOTA_BYTES"`
}

// CatalogConfig holds snapshot reconciliation settings.
type CatalogConfig struct {
	ListURL    string `toml:"list_url" env:"LIST_URL"`
	PageSize   int    `toml:"page_size" env:"PAGE_SIZE"`
	MaxRecords int    `toml:"max_records" env:"MAX_RECORDS"`
	BatchSize  int    `toml:"batch_size" env:"BATCH_SIZE"`
	TruncateTo int    `toml:"truncate_to" env:"TRUNCATE_TO"`
	// Offline skips the network refresh and serves only the local snapshot.
	Offline        bool     `toml:"offline" env:"OFFLINE"`
	RequestTimeout Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level" env:"LEVEL"`   // "debug", "info", "warn", "error"
	Format string `toml:"format" env:"FORMAT"` // "text", "json"
}

// Duration is a time.Duration that can be unmarshaled from TOML and environment strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			StaticDir:       "build",
			MessagingPath:   "/sw",
			CatalogPath:     "/_catalog",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Engine: EngineConfig{
			Origin:             "http://localhost:8080",
			DataHost:           "pokeapi.co",
			AssetHosts:         []string{"raw.githubusercontent.com"},
			AssetPathMarkers:   []string{"sprites"},
			CacheName:          "catalog",
			Version:            1,
			PrecacheURLs:       []string{"/", "/index.html", "/manifest.json", "/favicon.ico"},
			RevalidateTimeout:  Duration(10 * time.Second),
			MaxBackgroundTasks: 32,
			MediaPlaceholder:   true,
			MaxBodyMB:          8,
		},
		Storage: StorageConfig{
			Type:         "memory",
			Path:         "offlinecache.db",
			KVPath:       "offlinecache-kv.db",
			MemoryMaxMB:  64,
			KVQuotaBytes: 5 << 20,
		},
		Catalog: CatalogConfig{
			ListURL:        "https://pokeapi.co/api/v2/pokemon",
			PageSize:       100,
			MaxRecords:     1000,
			BatchSize:      50,
			TruncateTo:     500,
			RequestTimeout: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and a TOML file.
// Priority: CLI flags > env vars > TOML file > defaults.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	flags := flag.NewFlagSet("offlinecache", flag.ContinueOnError)
	configPath := flags.String("config", "config.toml", "TOML configuration file")
	addr := flags.String("addr", "", "Listen address")
	staticDir := flags.String("static", "", "Directory with the built application")
	storage := flags.String("storage", "", "Storage type: memory, sqlite")
	version := flags.Int("cache-version", 0, "Cache version; bump to retire previous partitions")
	offline := flags.Bool("offline", false, "Serve the local snapshot without refreshing it")
	logLevel := flags.String("log-level", "", "Log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.loadTOML(*configPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", *configPath, err)
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *staticDir != "" {
		cfg.Server.StaticDir = *staticDir
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *version != 0 {
		cfg.Engine.Version = *version
	}
	if *offline {
		cfg.Catalog.Offline = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Engine.Version <= 0 {
		return fmt.Errorf("cache version must be positive, got %d", c.Engine.Version)
	}
	if strings.TrimSpace(c.Engine.CacheName) == "" {
		return fmt.Errorf("cache name is required")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}
