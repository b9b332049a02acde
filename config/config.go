package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "GHMIRROR_TOKEN"

	// DefaultJournalName is the journal file created inside the download
	// directory unless configured otherwise
	DefaultJournalName = ".ghmirror.db"
)

// LogLevels are the accepted log level names
var LogLevels = []string{"critical", "error", "warning", "info", "debug"}

// Config represents the application configuration
type Config struct {
	// Token authenticates API and git requests (GHMIRROR_TOKEN overrides it)
	Token string `yaml:"token"`
	// TokenUser is the git credential user taken when TOKENUSER is "-"
	TokenUser string `yaml:"token_user"`

	// DownloadDir is the root of the archive
	DownloadDir string `yaml:"dl_dir"`

	// Journal is the run journal database, <dl_dir>/.ghmirror.db by default
	Journal   string `yaml:"journal"`
	NoJournal bool   `yaml:"no_journal"`

	LogLevel string     `yaml:"log_level"`
	API      APIConfig  `yaml:"api"`
	Sync     SyncConfig `yaml:"sync"`
}

// APIConfig configures access to the GitHub REST API
type APIConfig struct {
	URL string `yaml:"url"`

	// MaxRPS paces requests proactively; zero disables pacing
	MaxRPS float64     `yaml:"max_rps"`
	Retry  RetryConfig `yaml:"retry"`
}

// RetryConfig bounds the retries of a failed request
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SyncConfig controls what a run mirrors
type SyncConfig struct {
	Workers       int      `yaml:"workers"`
	Collections   []string `yaml:"collections"`
	SkipUnchanged bool     `yaml:"skip_unchanged"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.setDefaults()
	cfg.applyEnv()
	return cfg
}

// LoadConfig loads the configuration from a YAML file. ${VAR} references in
// the file are expanded after .env has been loaded into the environment.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.setDefaults()
	cfg.applyEnv()

	// Relative paths in the file are relative to the file itself.
	dir := filepath.Dir(path)
	if !filepath.IsAbs(cfg.DownloadDir) {
		cfg.DownloadDir = filepath.Join(dir, cfg.DownloadDir)
	}
	if cfg.Journal != "" && !filepath.IsAbs(cfg.Journal) {
		cfg.Journal = filepath.Join(dir, cfg.Journal)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.API.Retry.MaxAttempts == 0 {
		c.API.Retry.MaxAttempts = 4
	}
	if c.API.Retry.InitialBackoff == 0 {
		c.API.Retry.InitialBackoff = time.Second
	}
	if c.API.Retry.MaxBackoff == 0 {
		c.API.Retry.MaxBackoff = 30 * time.Second
	}
	if c.Sync.Workers == 0 {
		c.Sync.Workers = 1
	}
}

func (c *Config) applyEnv() {
	if envToken := os.Getenv(EnvGithubToken); envToken != "" {
		c.Token = envToken
	}
}

// JournalPath returns where the run journal lives, or "" when disabled
func (c *Config) JournalPath() string {
	switch {
	case c.NoJournal:
		return ""
	case c.Journal != "":
		return c.Journal
	default:
		return filepath.Join(c.DownloadDir, DefaultJournalName)
	}
}

// Validate checks the configuration for values no run could work with
func (c *Config) Validate() error {
	if !validLogLevel(c.LogLevel) {
		return errors.Errorf("invalid log level %q: must be one of %s", c.LogLevel, strings.Join(LogLevels, ", "))
	}
	if c.Sync.Workers < 1 {
		return errors.Errorf("invalid workers %d: must be at least 1", c.Sync.Workers)
	}
	if c.API.MaxRPS < 0 {
		return errors.Errorf("invalid max_rps %v: must not be negative", c.API.MaxRPS)
	}
	if c.API.Retry.MaxAttempts < 1 {
		return errors.Errorf("invalid retry max_attempts %d: must be at least 1", c.API.Retry.MaxAttempts)
	}
	if c.API.Retry.InitialBackoff < 0 || c.API.Retry.MaxBackoff < c.API.Retry.InitialBackoff {
		return errors.Errorf("invalid retry backoff %s..%s", c.API.Retry.InitialBackoff, c.API.Retry.MaxBackoff)
	}
	return nil
}

func validLogLevel(level string) bool {
	for _, l := range LogLevels {
		if l == strings.ToLower(level) {
			return true
		}
	}
	return false
}
