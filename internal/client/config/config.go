package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davsync/davsync/internal/utils"
	"github.com/goccy/go-json"
)

const (
	StrategyAsk      = "ask"
	StrategyNewest   = "newest"
	StrategyLastWins = "last-wins"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".davsync", "config.json")
	DefaultDataDir    = filepath.Join(home, ".davsync")

	DefaultRootPath      = "/davsync"
	DefaultTimeoutMs     = 20000
	DefaultClockSkewMs   = 1000
	DefaultSkipMinutes   = 5
	DefaultIntervalSecs  = 300
	DefaultReqTimeoutMs  = 30000
	DefaultIncludeGlobs  = []string{"**/*.{md,markdown,txt}", "**/*.{png,jpg,jpeg,gif,svg,pdf}"}
	DefaultExcludeGlobs  = []string{"**/.git/**", "**/.trash/**", "**/.DS_Store", "**/Thumbs.db"}
	DefaultConflictStrat = StrategyAsk
)

var (
	ErrNoLocalRoot     = errors.New("config: local root missing")
	ErrNoBaseURL       = errors.New("config: webdav base url missing")
	ErrInvalidStrategy = errors.New("config: invalid conflict strategy")
)

type Config struct {
	Enabled    bool `json:"enabled"`
	OnStartup  bool `json:"on_startup"`
	OnShutdown bool `json:"on_shutdown"`
	TimeoutMs  int  `json:"timeout_ms"`

	IncludeGlobs []string `json:"include_globs"`
	ExcludeGlobs []string `json:"exclude_globs"`

	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	RootPath string `json:"root_path"`

	ClockSkewMs           int    `json:"clock_skew_ms"`
	ConflictStrategy      string `json:"conflict_strategy"`
	RemoteScanSkipMinutes int    `json:"remote_scan_skip_minutes"`

	LocalRoot        string `json:"local_root"`
	DataDir          string `json:"data_dir"`
	IntervalSeconds  int    `json:"interval_seconds"`
	Watch            bool   `json:"watch"`
	RequestTimeoutMs int    `json:"request_timeout_ms"`

	Path string `json:"-"`
}

// Default returns a config with every default applied and the booleans on.
// Fields where zero is a meaningful setting (clock skew, remote scan skip)
// take their defaults here only, so a loaded file can set them to 0.
func Default() *Config {
	cfg := &Config{
		Enabled:               true,
		OnStartup:             true,
		OnShutdown:            true,
		ClockSkewMs:           DefaultClockSkewMs,
		RemoteScanSkipMinutes: DefaultSkipMinutes,
	}
	return cfg.WithDefaults()
}

// WithDefaults fills unset values in place and returns the config.
func (c *Config) WithDefaults() *Config {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if len(c.IncludeGlobs) == 0 {
		c.IncludeGlobs = append([]string(nil), DefaultIncludeGlobs...)
	}
	if c.ExcludeGlobs == nil {
		c.ExcludeGlobs = append([]string(nil), DefaultExcludeGlobs...)
	}
	if c.RootPath == "" {
		c.RootPath = DefaultRootPath
	}
	if c.ClockSkewMs < 0 {
		c.ClockSkewMs = 0
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = DefaultConflictStrat
	}
	if c.RemoteScanSkipMinutes < 0 {
		c.RemoteScanSkipMinutes = 0
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = DefaultIntervalSecs
	}
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = DefaultReqTimeoutMs
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	return c
}

func (c *Config) Validate() error {
	c.WithDefaults()

	if strings.TrimSpace(c.LocalRoot) == "" {
		return ErrNoLocalRoot
	}
	root, err := utils.ResolvePath(c.LocalRoot)
	if err != nil {
		return fmt.Errorf("local root: %w", err)
	}
	c.LocalRoot = root

	dataDir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	c.DataDir = dataDir

	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrNoBaseURL
	}
	if _, err := url.Parse(utils.JoinURL(c.BaseURL)); err != nil {
		return fmt.Errorf("base url: %w", err)
	}

	switch c.ConflictStrategy {
	case StrategyAsk, StrategyNewest, StrategyLastWins:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.ConflictStrategy)
	}

	c.RootPath = utils.CleanRemotePath(c.RootPath)

	if c.Path != "" {
		p, err := utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config path: %w", err)
		}
		c.Path = p
	}

	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewMs) * time.Millisecond
}

func (c *Config) RemoteScanSkip() time.Duration {
	return time.Duration(c.RemoteScanSkipMinutes) * time.Minute
}

func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Masked returns a copy safe to print or log.
func (c *Config) Masked() Config {
	cp := *c
	cp.Password = utils.MaskSecret(c.Password)
	return cp
}

func (c *Config) Save() error {
	if c.Path == "" {
		c.Path = DefaultConfigPath
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return utils.WriteFileAtomic(c.Path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config parse %s: %w", path, err)
	}

	cfg.Path = path
	return cfg.WithDefaults(), nil
}
