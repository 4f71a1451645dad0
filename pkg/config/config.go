// Package config provides project-level configuration for slam.
// It loads .slam/config.yaml with precedence: CLI flags > project config > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the directory name for slam configuration
	ConfigDir = ".slam"
	// ConfigFile is the name of the configuration file
	ConfigFile = "config.yaml"
	// ConfigPath is the full path to the config file relative to project root
	ConfigPath = ConfigDir + "/" + ConfigFile
)

// Defaults applied when neither a flag nor the config file sets a value.
const (
	DefaultConcurrency    = 4
	DefaultMaxSearchPages = 10
	DefaultMergeMethod    = "squash"
	DefaultSessionPrefix  = "SLAM"
	DefaultRatePerSecond  = 10.0
	DefaultRateBurst      = 10
	DefaultCommitMessage  = "Automated update generated by SLAM"
)

// ProjectConfig represents the project-level configuration for slam.
type ProjectConfig struct {
	// Owner is the default organization or user whose repositories are targeted.
	Owner string `yaml:"owner,omitempty"`

	// ReposFile is a yaml repo-list file; relative paths resolve against the
	// directory containing .slam/.
	ReposFile string `yaml:"repos_file,omitempty"`

	// Root is the directory holding local checkouts laid out as <root>/<owner>/<name>.
	Root string `yaml:"root,omitempty"`

	// Concurrency bounds the worker pool.
	Concurrency int `yaml:"concurrency,omitempty"`

	// MergeMethod is squash, merge or rebase.
	MergeMethod string `yaml:"merge_method,omitempty"`

	// DeleteBranch deletes the head branch after a merge.
	DeleteBranch *bool `yaml:"delete_branch,omitempty"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`

	// SessionPrefix replaces "SLAM" in generated session ids.
	SessionPrefix string `yaml:"session_prefix,omitempty"`

	// SessionSuffix is appended to generated session ids as -<suffix>.
	SessionSuffix string `yaml:"session_suffix,omitempty"`

	// MaxSearchPages caps the owner-wide pull request search.
	MaxSearchPages int `yaml:"max_search_pages,omitempty"`

	// CommitMessage is used by the file applier.
	CommitMessage string `yaml:"commit_message,omitempty"`

	Rate  RateConfig  `yaml:"rate,omitempty"`
	Retry RetryConfig `yaml:"retry,omitempty"`
	Git   GitConfig   `yaml:"git,omitempty"`

	// dir is the directory that contains .slam/, empty when no file was found.
	dir string
}

// RateConfig sizes the shared hosting permit pool.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`
}

// RetryConfig bounds retries of transient hosting failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
	MaxInterval     time.Duration `yaml:"max_interval,omitempty"`
}

// GitConfig contains the identity used for commits made by slam.
type GitConfig struct {
	AuthorName  string `yaml:"author_name,omitempty"`
	AuthorEmail string `yaml:"author_email,omitempty"`
}

// Load loads the project configuration from the given directory.
// It searches for .slam/config.yaml in the directory and its parents.
//
// If no config file is found, it returns a zero config and nil error.
// If a config file is found but cannot be parsed, it returns an error.
func Load(dir string) (*ProjectConfig, error) {
	configPath, err := findConfigPath(dir)
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		return &ProjectConfig{}, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	cfg.dir = filepath.Dir(filepath.Dir(configPath))

	return &cfg, nil
}

// LoadFromCurrentDir loads the project configuration from the current working directory.
func LoadFromCurrentDir() (*ProjectConfig, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return Load(dir)
}

func (c *ProjectConfig) validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.MaxSearchPages < 0 {
		return fmt.Errorf("max_search_pages must be positive, got %d", c.MaxSearchPages)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// findConfigPath searches for .slam/config.yaml in dir and its parent directories.
// It returns the full path to the config file, or empty string if not found.
func findConfigPath(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	for {
		configPath := filepath.Join(absDir, ConfigPath)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parentDir := filepath.Dir(absDir)
		if parentDir == absDir {
			return "", nil
		}
		absDir = parentDir
	}
}

// ResolveString returns the effective value for a string configuration field.
// Precedence: cliValue > configValue > defaultValue.
// Returns the effective value and its source ("cli", "config", or "default").
func (c *ProjectConfig) ResolveString(cliValue, configValue, defaultValue string) (string, string) {
	if cliValue != "" {
		return cliValue, "cli"
	}
	if configValue != "" {
		return configValue, "config"
	}
	return defaultValue, "default"
}

// ResolveInt is ResolveString for integers; zero means unset.
func (c *ProjectConfig) ResolveInt(cliValue, configValue, defaultValue int) (int, string) {
	if cliValue != 0 {
		return cliValue, "cli"
	}
	if configValue != 0 {
		return configValue, "config"
	}
	return defaultValue, "default"
}

// ResolvePath resolves a path from the config file against the project
// directory. Absolute paths and paths with no config file are returned as is.
func (c *ProjectConfig) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// ResolveOwner returns the effective owner and its source.
func (c *ProjectConfig) ResolveOwner(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.Owner, "")
}

// ResolveReposFile returns the effective repo-list file and its source.
func (c *ProjectConfig) ResolveReposFile(cliValue string) (string, string) {
	if cliValue != "" {
		return cliValue, "cli"
	}
	return c.ResolveString("", c.ResolvePath(c.ReposFile), "")
}

// ResolveRoot returns the effective checkout root and its source.
func (c *ProjectConfig) ResolveRoot(cliValue string) (string, string) {
	if cliValue != "" {
		return cliValue, "cli"
	}
	return c.ResolveString("", c.ResolvePath(c.Root), "")
}

// ResolveConcurrency returns the effective worker count and its source.
func (c *ProjectConfig) ResolveConcurrency(cliValue int) (int, string) {
	return c.ResolveInt(cliValue, c.Concurrency, DefaultConcurrency)
}

// ResolveMergeMethod returns the effective merge method and its source.
func (c *ProjectConfig) ResolveMergeMethod(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.MergeMethod, DefaultMergeMethod)
}

// ResolveDeleteBranch returns whether to delete head branches after merge.
// cliSet reports whether the flag was given explicitly.
func (c *ProjectConfig) ResolveDeleteBranch(cliValue, cliSet bool) (bool, string) {
	if cliSet {
		return cliValue, "cli"
	}
	if c.DeleteBranch != nil {
		return *c.DeleteBranch, "config"
	}
	return false, "default"
}

// ResolveLogLevel returns the effective log level and its source.
func (c *ProjectConfig) ResolveLogLevel(cliValue, envValue, defaultValue string) (string, string) {
	if cliValue != "" {
		return cliValue, "cli"
	}
	if envValue != "" {
		return envValue, "env"
	}
	return c.ResolveString("", c.LogLevel, defaultValue)
}

// ResolveSessionPrefix returns the effective session prefix and its source.
func (c *ProjectConfig) ResolveSessionPrefix(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.SessionPrefix, DefaultSessionPrefix)
}

// ResolveSessionSuffix returns the effective session suffix and its source.
func (c *ProjectConfig) ResolveSessionSuffix(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.SessionSuffix, "")
}

// ResolveMaxSearchPages returns the effective search page cap and its source.
func (c *ProjectConfig) ResolveMaxSearchPages(cliValue int) (int, string) {
	return c.ResolveInt(cliValue, c.MaxSearchPages, DefaultMaxSearchPages)
}

// ResolveCommitMessage returns the effective commit message and its source.
func (c *ProjectConfig) ResolveCommitMessage(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.CommitMessage, DefaultCommitMessage)
}

// RatePerSecond returns the configured permit refill rate.
func (c *ProjectConfig) RatePerSecond() float64 {
	if c.Rate.PerSecond > 0 {
		return c.Rate.PerSecond
	}
	return DefaultRatePerSecond
}

// RateBurst returns the configured permit pool size.
func (c *ProjectConfig) RateBurst() int {
	v, _ := c.ResolveInt(0, c.Rate.Burst, DefaultRateBurst)
	return v
}

// HasGitConfig returns true if any git configuration is set.
func (c *ProjectConfig) HasGitConfig() bool {
	return c.Git.AuthorName != "" || c.Git.AuthorEmail != ""
}
