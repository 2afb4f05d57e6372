// Command interlock coordinates file writes between agents working in the
// same project: per-file locks, backups before every write, and a ledger of
// who changed what.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitLockTimeout = 2
	exitBackup      = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "interlock: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, core.ErrLockTimeout):
		return exitLockTimeout
	case errors.Is(err, core.ErrBackup):
		return exitBackup
	default:
		return exitFailure
	}
}

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	root     string
	logLevel string
}

func rootCmd() *cobra.Command {
	opts := &globalOpts{}
	cmd := &cobra.Command{
		Use:           "interlock",
		Short:         "Coordinate file writes between agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.root, "root", ".", "project root")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		statusCmd(opts),
		historyCmd(opts),
		cleanupCmd(opts),
		runCmd(opts),
		restoreCmd(opts),
		backupsCmd(opts),
		pruneCmd(opts),
		initCmd(opts),
		serveCmd(opts),
		eventsCmd(opts),
	)
	return cmd
}

func (o *globalOpts) config() (config.Config, error) {
	cfg, err := config.Load(o.root)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, cfg.Validate()
}

// open loads the configuration and opens the coordination store. The
// caller must Close the returned Manager.
func (o *globalOpts) open(cmd *cobra.Command) (*coord.Manager, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return coord.Open(cfg, coord.WithLogger(o.logger(cfg, cmd.ErrOrStderr())))
}

func (o *globalOpts) logger(cfg config.Config, w io.Writer) *log.Logger {
	logger := cfg.Logger()
	logger.SetOutput(w)
	return logger
}
