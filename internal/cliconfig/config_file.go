package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML
// friendly.
type FileConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`

	Dialect string `toml:"dialect"`

	WorkspaceDir string   `toml:"workspace_dir"`
	StampPath    string   `toml:"stamp_path"`
	WarmupCode   []string `toml:"warmup_code"`

	EvalFileCutoff int `toml:"eval_file_cutoff"`
	MaxLineLength  int `toml:"max_line_length"`

	StartupTimeout string `toml:"startup_timeout"`
	ReadTimeout    string `toml:"read_timeout"`
	DrainTimeout   string `toml:"drain_timeout"`
	Retention      string `toml:"retention"`

	TempDir string `toml:"temp_dir"`

	WholeBlock *bool `toml:"whole_block"`
	ForceFile  *bool `toml:"force_file"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.replbridge/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".replbridge", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("command", fc.Command, &cfg.Command)
	s.setStrings("args", fc.Args, &cfg.Args)
	s.setString("dialect", fc.Dialect, &cfg.Dialect)
	s.setString("workspace-dir", fc.WorkspaceDir, &cfg.WorkspaceDir)
	s.setString("stamp", fc.StampPath, &cfg.StampPath)
	s.setStrings("warmup", fc.WarmupCode, &cfg.WarmupCode)
	s.setString("temp-dir", fc.TempDir, &cfg.TempDir)

	s.setInt("eval-file-cutoff", fc.EvalFileCutoff, &cfg.EvalFileCutoff)
	s.setInt("max-line-length", fc.MaxLineLength, &cfg.MaxLineLength)

	if err := s.setDuration("startup-timeout", fc.StartupTimeout, &cfg.StartupTimeout); err != nil {
		return err
	}
	if err := s.setDuration("read-timeout", fc.ReadTimeout, &cfg.ReadTimeout); err != nil {
		return err
	}
	if err := s.setDuration("drain-timeout", fc.DrainTimeout, &cfg.DrainTimeout); err != nil {
		return err
	}
	if err := s.setDuration("retention", fc.Retention, &cfg.Retention); err != nil {
		return err
	}

	s.setBool("whole-block", fc.WholeBlock, &cfg.WholeBlock)
	s.setBool("force-file", fc.ForceFile, &cfg.ForceFile)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
