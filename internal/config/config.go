// Package config loads and validates the optional .pwbridge YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for run and capture configuration.
const (
	DefaultTimeout      = 5 * time.Minute
	DefaultMaxOutput    = 1 << 20 // 1 MB
	DefaultProject      = "chromium"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBodyTimeout  = 10 * time.Second
	DefaultWaitTimeout  = 10 * time.Second
)

// FileName is the name of the configuration file looked up at the project root.
const FileName = ".pwbridge"

// Config holds the parsed .pwbridge configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int           `yaml:"version"`
	RawTimeout   string        `yaml:"timeout"`    // e.g. "5m", "30s"; "0" disables the deadline
	RawMaxOutput int           `yaml:"max_output"` // bytes
	Run          RunConfig     `yaml:"run"`
	Capture      CaptureConfig `yaml:"capture"`
	Report       ReportConfig  `yaml:"report"`
}

// RunConfig controls how Playwright is invoked.
type RunConfig struct {
	Project    string            `yaml:"project"`    // --project selector
	Headed     bool              `yaml:"headed"`     // pass --headed
	Executable []string          `yaml:"executable"` // explicit argv prefix, skips resolution
	Env        map[string]string `yaml:"env"`        // overlay on the inherited environment
}

// CaptureConfig controls DevTools network capture.
type CaptureConfig struct {
	DevToolsURL     string `yaml:"devtools_url"` // ws:// endpoint of a running browser
	URLContains     string `yaml:"url_contains"` // default capture filter
	RawPollInterval string `yaml:"poll_interval"`
	RawBodyTimeout  string `yaml:"body_timeout"`
	RawWaitTimeout  string `yaml:"wait_timeout"`
}

// ReportConfig controls where run and capture records are kept.
type ReportConfig struct {
	Store        string `yaml:"store"`      // disk, sqlite or memory
	Path         string `yaml:"path"`       // directory (disk) or database file (sqlite)
	RawCacheSize int    `yaml:"cache_size"` // records kept in memory by the MCP server
}

// DefaultStore is the record backend used when none is configured.
const DefaultStore = "disk"

// DefaultCacheSize is the number of records the MCP server keeps in memory.
const DefaultCacheSize = 5

// Store returns the configured record backend or the default.
func (c *Config) Store() string {
	if c.Report.Store != "" {
		return c.Report.Store
	}
	return DefaultStore
}

// CacheSize returns the configured record cache size or the default.
func (c *Config) CacheSize() int {
	if c.Report.RawCacheSize > 0 {
		return c.Report.RawCacheSize
	}
	return DefaultCacheSize
}

// Timeout returns the configured run deadline or the default.
// An explicit "0" means no deadline.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout == "0" {
		return 0
	}
	return parseDuration(c.RawTimeout, DefaultTimeout)
}

// MaxOutputBytes returns the configured retained output size or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// Project returns the configured Playwright project or the default.
func (c *Config) Project() string {
	if c.Run.Project != "" {
		return c.Run.Project
	}
	return DefaultProject
}

// PollInterval returns the capture poll interval or the default.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.Capture.RawPollInterval, DefaultPollInterval)
}

// BodyTimeout returns the per-exchange body fetch timeout or the default.
func (c *Config) BodyTimeout() time.Duration {
	return parseDuration(c.Capture.RawBodyTimeout, DefaultBodyTimeout)
}

// WaitTimeout returns how long capture commands wait for a first exchange.
func (c *Config) WaitTimeout() time.Duration {
	return parseDuration(c.Capture.RawWaitTimeout, DefaultWaitTimeout)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// Environment variables that override the file.
const (
	EnvTimeout     = "PW_BRIDGE_TIMEOUT"
	EnvProject     = "PW_BRIDGE_PROJECT"
	EnvHeaded      = "PW_BRIDGE_HEADED"
	EnvDevToolsURL = "PW_BRIDGE_DEVTOOLS_URL"
)

// ApplyEnv overlays environment overrides onto c. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvTimeout); ok && v != "" {
		c.RawTimeout = v
	}
	if v, ok := lookup(EnvProject); ok && v != "" {
		c.Run.Project = v
	}
	if v, ok := lookup(EnvHeaded); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Run.Headed = b
		}
	}
	if v, ok := lookup(EnvDevToolsURL); ok && v != "" {
		c.Capture.DevToolsURL = v
	}
}

// LoadResult holds the parsed config and the discovered project root.
type LoadResult struct {
	Config      *Config
	ProjectRoot string // directory containing package.json; falls back to workspace
}

// Load reads the .pwbridge file from the project root and applies
// environment overrides. The project root is discovered by walking upward
// from workspace looking for package.json. If no .pwbridge file exists, a
// default Config is returned.
func Load(workspace string) (*LoadResult, error) {
	root, err := findProjectRoot(workspace)
	if err != nil {
		// No package.json found; use workspace as root.
		root = workspace
	}

	cfg := &Config{}
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", FileName, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	return &LoadResult{Config: cfg, ProjectRoot: root}, nil
}

// findProjectRoot walks upward from dir looking for a directory containing package.json.
func findProjectRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("package.json not found")
		}
		dir = parent
	}
}

// ParseEnvPairs parses KEY=VALUE strings into a map. Later keys win.
func ParseEnvPairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env pair %q, want KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}
