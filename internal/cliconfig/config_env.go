package cliconfig

import (
	"os"
	"strings"
)

// ApplyEnvConfig applies configuration from environment variables
// (REPLBRIDGE_*). It respects flags that have been explicitly set
// (changed map). Returns error if any environment variable has an
// invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("command", os.Getenv("REPLBRIDGE_COMMAND"), &cfg.Command)
	if v := os.Getenv("REPLBRIDGE_ARGS"); v != "" && !changed["args"] {
		cfg.Args = strings.Fields(v)
	}
	s.setString("dialect", os.Getenv("REPLBRIDGE_DIALECT"), &cfg.Dialect)
	s.setString("workspace-dir", os.Getenv("REPLBRIDGE_WORKSPACE_DIR"), &cfg.WorkspaceDir)
	s.setString("stamp", os.Getenv("REPLBRIDGE_STAMP_PATH"), &cfg.StampPath)
	s.setString("temp-dir", os.Getenv("REPLBRIDGE_TEMP_DIR"), &cfg.TempDir)

	if err := s.setIntFromString("eval-file-cutoff", os.Getenv("REPLBRIDGE_EVAL_FILE_CUTOFF"), &cfg.EvalFileCutoff); err != nil {
		return err
	}
	if err := s.setIntFromString("max-line-length", os.Getenv("REPLBRIDGE_MAX_LINE_LENGTH"), &cfg.MaxLineLength); err != nil {
		return err
	}

	if err := s.setDuration("startup-timeout", os.Getenv("REPLBRIDGE_STARTUP_TIMEOUT"), &cfg.StartupTimeout); err != nil {
		return err
	}
	if err := s.setDuration("read-timeout", os.Getenv("REPLBRIDGE_READ_TIMEOUT"), &cfg.ReadTimeout); err != nil {
		return err
	}
	if err := s.setDuration("drain-timeout", os.Getenv("REPLBRIDGE_DRAIN_TIMEOUT"), &cfg.DrainTimeout); err != nil {
		return err
	}
	if err := s.setDuration("retention", os.Getenv("REPLBRIDGE_RETENTION"), &cfg.Retention); err != nil {
		return err
	}

	s.setBoolFromString("whole-block", os.Getenv("REPLBRIDGE_WHOLE_BLOCK"), &cfg.WholeBlock)
	s.setBoolFromString("force-file", os.Getenv("REPLBRIDGE_FORCE_FILE"), &cfg.ForceFile)

	return nil
}
