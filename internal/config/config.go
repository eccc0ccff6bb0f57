// Package config resolves persona's settings from flags, PERSONA_* environment
// variables, ~/.persona/.env, ~/.persona/config.yaml and built-in defaults, in
// that order of precedence.
package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable persona reads.
const EnvPrefix = "PERSONA"

// StorageConfig selects the file store and index snapshot variants.
type StorageConfig struct {
	// Files is "local" or "memory".
	Files string `mapstructure:"files" yaml:"files"`
	// Index is "parquet", "native" or "sqlite".
	Index string `mapstructure:"index" yaml:"index"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model,omitempty"`
	APIKey            string        `mapstructure:"api_key" yaml:"-"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Dim               int           `mapstructure:"dim" yaml:"dim,omitempty"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second,omitempty"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts,omitempty"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl,omitempty"`
}

// SearchConfig holds the defaults callers apply to match results.
type SearchConfig struct {
	MaxResults        int     `mapstructure:"max_results" yaml:"max_results"`
	MaxCosineDistance float64 `mapstructure:"max_cosine_distance" yaml:"max_cosine_distance"`
}

// LockConfig controls waiting on a store held by another process.
type LockConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries uint          `mapstructure:"retries" yaml:"retries"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the resolved configuration.
type Config struct {
	Root       string           `mapstructure:"root" yaml:"root"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings" yaml:"embeddings"`
	Search     SearchConfig     `mapstructure:"search" yaml:"search"`
	Lock       LockConfig       `mapstructure:"lock" yaml:"lock"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// PersonaDir returns the absolute path to ~/.persona/.
func PersonaDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	return filepath.Join(home, ".persona"), nil
}

// ConfigPath returns the absolute path to ~/.persona/config.yaml.
func ConfigPath() (string, error) {
	dir, err := PersonaDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot expand ~")
	}
	return filepath.Join(home, p[1:]), nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	root := filepath.Join("~", ".persona")
	if dir, err := PersonaDir(); err == nil {
		root = dir
	}
	return Config{
		Root:    root,
		Storage: StorageConfig{Files: "local", Index: "parquet"},
		Embeddings: EmbeddingsConfig{
			Provider:          "hash",
			RequestsPerSecond: 5,
			MaxAttempts:       3,
			CacheTTL:          10 * time.Minute,
		},
		Search: SearchConfig{MaxResults: 3, MaxCosineDistance: 0.8},
		Lock:   LockConfig{Timeout: 0, Retries: 5},
		Log:    LogConfig{Level: "warn", Format: "text"},
	}
}

// NewViper returns a viper instance with persona's defaults and environment
// bindings registered. Callers bind their flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("root", d.Root)
	v.SetDefault("storage.files", d.Storage.Files)
	v.SetDefault("storage.index", d.Storage.Index)
	v.SetDefault("embeddings.provider", d.Embeddings.Provider)
	v.SetDefault("embeddings.model", d.Embeddings.Model)
	v.SetDefault("embeddings.base_url", d.Embeddings.BaseURL)
	v.SetDefault("embeddings.dim", d.Embeddings.Dim)
	v.SetDefault("embeddings.requests_per_second", d.Embeddings.RequestsPerSecond)
	v.SetDefault("embeddings.max_attempts", d.Embeddings.MaxAttempts)
	v.SetDefault("embeddings.cache_ttl", d.Embeddings.CacheTTL)
	v.SetDefault("search.max_results", d.Search.MaxResults)
	v.SetDefault("search.max_cosine_distance", d.Search.MaxCosineDistance)
	v.SetDefault("lock.timeout", d.Lock.Timeout)
	v.SetDefault("lock.retries", d.Lock.Retries)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("embeddings.api_key", EnvPrefix+"_EMBEDDINGS_API_KEY", "OPENAI_API_KEY")
	return v
}

// Load resolves the configuration. cfgFile overrides the default
// ~/.persona/config.yaml; a missing default file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		path, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
	}
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return nil, errors.Wrapf(err, "cannot read config %s", v.ConfigFileUsed())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	root, err := ExpandPath(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the variant selections and numeric ranges.
func (c *Config) Validate() error {
	switch c.Storage.Files {
	case "local", "memory":
	default:
		return errors.Errorf("storage.files: unknown file store %q (want local or memory)", c.Storage.Files)
	}
	switch c.Storage.Index {
	case "parquet", "native", "sqlite":
	default:
		return errors.Errorf("storage.index: unknown index codec %q (want parquet, native or sqlite)", c.Storage.Index)
	}
	if c.Storage.Files == "memory" && c.Storage.Index == "sqlite" {
		return errors.New("storage.index: sqlite needs the local file store")
	}
	if c.Storage.Files == "local" && c.Root == "" {
		return errors.New("root: must be set for the local file store")
	}
	switch c.Embeddings.Provider {
	case "", "hash", "openai":
	default:
		return errors.Errorf("embeddings.provider: unknown provider %q (want hash or openai)", c.Embeddings.Provider)
	}
	if c.Embeddings.Dim < 0 {
		return errors.New("embeddings.dim: must not be negative")
	}
	if c.Search.MaxResults <= 0 {
		return errors.New("search.max_results: must be positive")
	}
	if c.Search.MaxCosineDistance < 0 || c.Search.MaxCosineDistance > 2 {
		return errors.New("search.max_cosine_distance: must be within [0, 2]")
	}
	return nil
}

// Save writes cfg as YAML to path, creating its directory. The API key is
// never written; it belongs in the environment or ~/.persona/.env.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "cannot write config %s", path)
	}
	return nil
}
