package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// Logger returns the CLI logger.
func Logger() zerolog.Logger {
	return logger
}

// Config holds CLI configuration for replbridge.
type Config struct {
	Command string
	Args    []string

	Dialect string

	WorkspaceDir string
	StampPath    string
	WarmupCode   []string

	EvalFileCutoff int
	MaxLineLength  int

	StartupTimeout time.Duration
	ReadTimeout    time.Duration
	DrainTimeout   time.Duration
	Retention      time.Duration

	TempDir string

	WholeBlock bool
	ForceFile  bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Dialect:        "gap",
		WorkspaceDir:   DefaultWorkspaceDir(),
		EvalFileCutoff: 100,
		MaxLineLength:  4095,
		StartupTimeout: 30 * time.Second,
		DrainTimeout:   2 * time.Second,
		Retention:      14 * 24 * time.Hour,
	}
}

// DefaultWorkspaceDir returns ~/.replbridge/workspaces if the user home
// directory is accessible.
func DefaultWorkspaceDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".replbridge", "workspaces")
	}
	return ""
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.Dialect != "gap" {
		return fmt.Errorf("unknown dialect %q", c.Dialect)
	}
	if c.EvalFileCutoff <= 0 {
		return fmt.Errorf("eval-file-cutoff must be positive")
	}
	if c.MaxLineLength <= 0 {
		return fmt.Errorf("max-line-length must be positive")
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup-timeout must be positive")
	}
	return nil
}

// configSetter helps apply configuration values while respecting flag
// precedence. It only applies values if the corresponding flag hasn't been
// explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not
// changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if
// valid. Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
