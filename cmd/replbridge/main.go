package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/replbridge"
	"github.com/bft-labs/replbridge/internal/cliconfig"
)

const helpDescription = `
Drive a persistent external interpreter (GAP-style REPL) from the command line.

Highlights:
  - Frames the child's interleaved output/error/control stream reliably.
  - Caches a warm-start memory image so repeat startups are fast.
  - Recovers from crashes and stuck commands; Ctrl-C resynchronizes.
  - Configure via file ($HOME/.replbridge/config.toml), env, or flags.
`

var exampleUsage = strings.TrimSpace(`
  replbridge --command gap eval '2+2;'
  replbridge --command gap --workspace-dir ~/.cache/replbridge console
  replbridge --command gap reset-workspace
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	log := cliconfig.Logger()

	root := &cobra.Command{
		Use:     "replbridge",
		Short:   "Drive a persistent external interpreter process over a pty",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load config file first, then env, then flag overrides.
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
			cmd.Root().PersistentFlags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}

			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}

			return cfg.Validate()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.replbridge/config.toml)")
	pf.StringVar(&cfg.Command, "command", cfg.Command, "interpreter executable")
	pf.StringSliceVar(&cfg.Args, "args", cfg.Args, "extra interpreter arguments")
	pf.StringVar(&cfg.Dialect, "dialect", cfg.Dialect, "interpreter dialect")
	pf.StringVar(&cfg.WorkspaceDir, "workspace-dir", cfg.WorkspaceDir, "warm-start image cache root (empty disables)")
	pf.StringVar(&cfg.StampPath, "stamp", cfg.StampPath, "installation build-stamp file (staleness oracle)")
	pf.StringSliceVar(&cfg.WarmupCode, "warmup", cfg.WarmupCode, "statements evaluated before the image is saved")
	pf.IntVar(&cfg.EvalFileCutoff, "eval-file-cutoff", cfg.EvalFileCutoff, "input length above which a temp file is used")
	pf.IntVar(&cfg.MaxLineLength, "max-line-length", cfg.MaxLineLength, "hard pty line limit")
	pf.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "bound on waiting for the first prompt")
	pf.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "bound on one request/response cycle (0 = none)")
	pf.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "bound on draining output after an interrupt")
	pf.DurationVar(&cfg.Retention, "retention", cfg.Retention, "unused image retention window")
	pf.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "directory for long-input temp files")

	evalCmd := &cobra.Command{
		Use:   "eval [code]",
		Short: "Evaluate code and print the normal-channel output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cfg)
			if err != nil {
				return err
			}
			defer s.Quit()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out, err := s.Eval(ctx, args[0], replbridge.EvalOptions{
				WholeBlock: cfg.WholeBlock,
				ForceFile:  cfg.ForceFile,
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
	evalCmd.Flags().BoolVar(&cfg.WholeBlock, "whole-block", cfg.WholeBlock, "evaluate the code as a single request")
	evalCmd.Flags().BoolVar(&cfg.ForceFile, "force-file", cfg.ForceFile, "always use the temp-file input path")

	consoleCmd := &cobra.Command{
		Use:   "console",
		Short: "Attach the interpreter's tty directly (Ctrl-] to detach)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cfg)
			if err != nil {
				return err
			}
			defer s.Quit()
			return s.Console(os.Stdin, os.Stdout)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset-workspace",
		Short: "Discard and rebuild the warm-start image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.WorkspaceDir == "" {
				return fmt.Errorf("no workspace-dir configured")
			}
			s, err := newSession(cfg)
			if err != nil {
				return err
			}
			defer s.Quit()
			return s.ResetWorkspace()
		},
	}

	root.AddCommand(evalCmd, consoleCmd, resetCmd)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("replbridge")
		os.Exit(1)
	}
}

func newSession(cfg cliconfig.Config) (*replbridge.Session, error) {
	bc := replbridge.DefaultConfig()
	bc.Command = cfg.Command
	bc.Args = cfg.Args
	bc.WorkspaceDir = cfg.WorkspaceDir
	bc.StampPath = cfg.StampPath
	bc.WarmupCode = cfg.WarmupCode
	bc.EvalFileCutoff = cfg.EvalFileCutoff
	bc.MaxLineLength = cfg.MaxLineLength
	bc.StartupTimeout = cfg.StartupTimeout
	bc.ReadTimeout = cfg.ReadTimeout
	bc.DrainTimeout = cfg.DrainTimeout
	bc.Retention = cfg.Retention
	bc.TempDir = cfg.TempDir
	return replbridge.NewSession(bc)
}
