package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources    []Source   `yaml:"sources"`
	Sync       Sync       `yaml:"sync"`
	Enrichment Enrichment `yaml:"enrichment"`
	Store      Store      `yaml:"store"`
	Lock       Lock       `yaml:"lock"`
	Images     Images     `yaml:"images"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

// Source is a configured feed. Category is one of Reliable, Discovery or Custom.
type Source struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Category string `yaml:"category"`
}

type Sync struct {
	MaxItemsPerSource   int           `yaml:"max_items_per_source"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	ContentMaxChars     int           `yaml:"content_max_chars"`
	EnrichMaxChars      int           `yaml:"enrich_max_chars"`
	Throttle            Throttle      `yaml:"throttle"`
	FetchMissingContent bool          `yaml:"fetch_missing_content"`
	Heuristic           string        `yaml:"heuristic"`
	UserAgent           string        `yaml:"user_agent"`
}

type Throttle struct {
	Strategy    string        `yaml:"strategy"`
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

type Enrichment struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	OllamaURL      string        `yaml:"ollama_url"`
	OpenAIModel    string        `yaml:"openai_model"`
	OpenAIBaseURL  string        `yaml:"openai_base_url"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	TargetLanguage string        `yaml:"target_language"`
	MaxTokens      int           `yaml:"max_tokens"`
	Timeout        time.Duration `yaml:"timeout"`
}

type Store struct {
	Driver   string   `yaml:"driver"`
	DynamoDB DynamoDB `yaml:"dynamodb"`
}

type DynamoDB struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Lock configures the optional cross-process run lock. An empty address disables it.
type Lock struct {
	ValkeyAddress  string        `yaml:"valkey_address"`
	ValkeyPassword string        `yaml:"valkey_password"`
	TTL            time.Duration `yaml:"ttl"`
}

type Images struct {
	PlaceholderURL string `yaml:"placeholder_url"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port         int           `yaml:"port"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for feedsync.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "feedsync")
}

// DataDir returns the XDG data directory for feedsync.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "feedsync")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/feedsync/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'feedsync init' to create a default config",
		xdgConfig,
	)
}

// LoadEnv reads a dotenv file into the process environment. A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a config YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Sync: Sync{
			MaxItemsPerSource: 3,
			FetchTimeout:      15 * time.Second,
			ContentMaxChars:   2000,
			EnrichMaxChars:    1500,
			Throttle: Throttle{
				Strategy:    "fixed",
				Interval:    2 * time.Second,
				MaxInterval: 30 * time.Second,
			},
			Heuristic: "ascii",
			UserAgent: "FeedSync/1.0 (feed synchronizer)",
		},
		Enrichment: Enrichment{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			TargetLanguage: "Japanese",
			MaxTokens:      512,
			Timeout:        60 * time.Second,
		},
		Store: Store{
			Driver:   "sqlite",
			DynamoDB: DynamoDB{Table: "Articles"},
		},
		Lock:    Lock{TTL: 15 * time.Minute},
		Images:  Images{PlaceholderURL: "https://picsum.photos/seed/%s/800/450"},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FEEDSYNC_DATA_DIR"); v != "" {
		c.Output.DataDir = v
	}
	if v := os.Getenv("FEEDSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FEEDSYNC_VALKEY_ADDRESS"); v != "" {
		c.Lock.ValkeyAddress = v
	}
	if v := os.Getenv("FEEDSYNC_VALKEY_PASSWORD"); v != "" {
		c.Lock.ValkeyPassword = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		switch s.Category {
		case "Reliable", "Discovery", "Custom":
		default:
			return fmt.Errorf("sources[%d] %s: unknown category %q", i, s.Name, s.Category)
		}
	}
	if c.Sync.MaxItemsPerSource <= 0 {
		return fmt.Errorf("sync.max_items_per_source must be positive")
	}
	switch c.Sync.Throttle.Strategy {
	case "fixed", "adaptive":
	default:
		return fmt.Errorf("sync.throttle.strategy: unknown strategy %q", c.Sync.Throttle.Strategy)
	}
	switch c.Sync.Heuristic {
	case "ascii", "lingua", "none":
	default:
		return fmt.Errorf("sync.heuristic: unknown heuristic %q", c.Sync.Heuristic)
	}
	switch strings.ToLower(c.Enrichment.Provider) {
	case "ollama", "openai":
	default:
		return fmt.Errorf("enrichment.provider: unknown provider %q", c.Enrichment.Provider)
	}
	switch c.Store.Driver {
	case "sqlite":
	case "dynamodb":
		if c.Store.DynamoDB.Table == "" {
			return fmt.Errorf("store.dynamodb.table is required")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
