package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the configuration for one interpreter bridge.
type Config struct {
	// Command is the interpreter executable. Args are passed on every
	// launch; QuietArgs are appended to keep the child non-interactive
	// (no banners, no line editing, no pagers).
	Command   string
	Args      []string
	QuietArgs []string

	// WorkspaceDir is the cache root for warm-start images. Empty
	// disables warm starts entirely.
	WorkspaceDir string

	// StampPath is the installation build-stamp file. An image whose
	// mtime is older than the stamp is stale and gets rebuilt.
	StampPath string

	// WarmupCode is evaluated once on a cold start before the warm-start
	// image is saved (package loading and the like).
	WarmupCode []string

	// EvalFileCutoff is the formatted-line length above which input is
	// routed through a temporary file instead of the pty.
	EvalFileCutoff int

	// MaxLineLength is a hard limit on a single pty line. Inputs beyond
	// it must go through the file path; if that is disallowed the send
	// is rejected.
	MaxLineLength int

	// CorruptMarkers are error-channel substrings that mean the on-disk
	// auxiliary data is corrupted and a workspace rebuild should be
	// attempted before retrying the command once.
	CorruptMarkers []string

	StartupTimeout time.Duration
	// ReadTimeout bounds one request/response cycle. Zero means wait
	// indefinitely (cancel via context).
	ReadTimeout  time.Duration
	DrainTimeout time.Duration

	// Retention is how long an unused warm-start image survives before
	// the startup garbage collector may delete it.
	Retention time.Duration

	TempDir string

	Dialect Dialect
}

// Dialect captures the wire syntax of one interpreter family. The
// control-tag vocabulary is fixed; everything else varies per child.
type Dialect struct {
	Prompt             string
	ContinuationPrompt string

	Terminator  byte
	CommentChar byte
	QuoteChar   byte

	AssignOp     string
	SilentSuffix string // statement suffix that suppresses echo of the value

	QuitCommand string

	// ReadFileFormat is the directive that loads a file of statements,
	// e.g. `Read("%s");`.
	ReadFileFormat string
	PrintFormat    string
	UnbindFormat   string

	SaveWorkspaceFormat string
	RestoreFlag         string

	SentinelSlot  string
	LastValueSlot string
	HandlePrefix  string

	// EchoLines is how many echoed input lines to discard after a send
	// before framing begins (the pty echoes once; some children echo
	// again themselves).
	EchoLines int

	TagLead         byte
	ProtocolVersion int
}

// DefaultDialect returns a GAP-shaped dialect.
func DefaultDialect() Dialect {
	return Dialect{
		Prompt:              "gap> ",
		ContinuationPrompt:  "> ",
		Terminator:          ';',
		CommentChar:         '#',
		QuoteChar:           '"',
		AssignOp:            ":=",
		SilentSuffix:        ";;",
		QuitCommand:         "quit;",
		ReadFileFormat:      `Read("%s");`,
		PrintFormat:         "Print(%s);",
		UnbindFormat:        "Unbind(%s);",
		SaveWorkspaceFormat: `SaveWorkspace("%s");`,
		RestoreFlag:         "-L",
		SentinelSlot:        "__BRIDGE_LAST__",
		LastValueSlot:       "last",
		HandlePrefix:        "$h",
		EchoLines:           2,
		TagLead:             '@',
		ProtocolVersion:     1,
	}
}

// DefaultConfig returns a Config with sensible defaults for a GAP-style
// child. Command must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		QuietArgs:      []string{"-b", "-p", "-T"},
		EvalFileCutoff: 100,
		MaxLineLength:  4095,
		CorruptMarkers: []string{"Rebuild completion files!"},
		StartupTimeout: 30 * time.Second,
		DrainTimeout:   2 * time.Second,
		Retention:      14 * 24 * time.Hour,
		Dialect:        DefaultDialect(),
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.EvalFileCutoff <= 0 {
		c.EvalFileCutoff = 100
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = 4095
	}
	if c.EvalFileCutoff > c.MaxLineLength {
		return fmt.Errorf("eval file cutoff %d exceeds max line length %d", c.EvalFileCutoff, c.MaxLineLength)
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 14 * 24 * time.Hour
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.WorkspaceDir != "" && c.StampPath == "" {
		// Without a stamp there is no staleness oracle; key off the
		// interpreter binary itself.
		c.StampPath = c.Command
	}
	if err := c.Dialect.validate(); err != nil {
		return err
	}
	return nil
}

func (d *Dialect) validate() error {
	if d.Terminator == 0 {
		return fmt.Errorf("dialect: terminator is required")
	}
	if d.TagLead == 0 {
		return fmt.Errorf("dialect: tag lead byte is required")
	}
	if d.QuitCommand == "" {
		return fmt.Errorf("dialect: quit command is required")
	}
	if d.AssignOp == "" {
		d.AssignOp = ":="
	}
	if d.SilentSuffix == "" {
		d.SilentSuffix = string(d.Terminator)
	}
	if d.SentinelSlot == "" {
		d.SentinelSlot = "__BRIDGE_LAST__"
	}
	if d.LastValueSlot == "" {
		return fmt.Errorf("dialect: last-value slot is required")
	}
	if d.HandlePrefix == "" {
		d.HandlePrefix = "$h"
	}
	if d.EchoLines < 0 {
		return fmt.Errorf("dialect: echo lines must not be negative")
	}
	if d.ProtocolVersion <= 0 {
		d.ProtocolVersion = 1
	}
	return nil
}

// launchArgs assembles the argv for one start, optionally restoring the
// warm-start image at imagePath.
func (c *Config) launchArgs(imagePath string) []string {
	args := append([]string(nil), c.Args...)
	args = append(args, c.QuietArgs...)
	if imagePath != "" && c.Dialect.RestoreFlag != "" {
		args = append(args, c.Dialect.RestoreFlag, imagePath)
	}
	return args
}

// stampMTime returns the build stamp's modification time, or zero if the
// stamp cannot be read.
func (c *Config) stampMTime() time.Time {
	if c.StampPath == "" {
		return time.Time{}
	}
	info, err := os.Stat(c.StampPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (c *Config) workspaceEnabled() bool {
	return c.WorkspaceDir != ""
}

// indexPath is the bbolt image-index file under the cache root.
func (c *Config) indexPath() string {
	return filepath.Join(c.WorkspaceDir, "images.db")
}
