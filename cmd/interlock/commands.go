package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	"github.com/mistakeknot/interlock/internal/core"
)

func statusCmd(opts *globalOpts) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show active locks and recent modifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			st, err := m.Status(cmd.Context(), file)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), m, st)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "only report this file")
	return cmd
}

func printStatus(w io.Writer, m *coord.Manager, st coord.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if len(st.Locks) == 0 {
		fmt.Fprintln(tw, "no active locks")
	} else {
		fmt.Fprintln(tw, "FILE\tHOLDER\tSTATE\tACQUIRED\t")
		for _, l := range st.Locks {
			state := string(l.State)
			if l.Overdue {
				state += " (overdue)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n",
				m.RelPath(l.FilePath), l.Holder.ID(), state, humanize.Time(l.AcquiredAt))
		}
	}
	fmt.Fprintln(tw)
	printModifications(tw, m, st.Recent)
	if st.Breaker != "" && st.Breaker != "closed" {
		fmt.Fprintf(tw, "\nstore circuit breaker: %s\n", st.Breaker)
	}
}

func printModifications(w io.Writer, m *coord.Manager, mods []core.ModificationRecord) {
	if len(mods) == 0 {
		fmt.Fprintln(w, "no recorded modifications")
		return
	}
	fmt.Fprintln(w, "STARTED\tFILE\tAGENT\tRESULT\tBACKUP\t")
	for _, mod := range mods {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n",
			humanize.Time(mod.StartedAt), m.RelPath(mod.FilePath), mod.Agent, result(mod), shortID(mod.BackupID))
	}
}

func result(mod core.ModificationRecord) string {
	switch {
	case !mod.Finished():
		return "running"
	case mod.Success:
		return "ok"
	default:
		return "failed: " + mod.ErrorMessage
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

func historyCmd(opts *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <file>",
		Short: "Show the latest modifications of a file, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			mods, err := m.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			printModifications(tw, m, mods)
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}

func cleanupCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim locks whose holders are no longer running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			reclaimed, err := m.CleanupStaleLocks(cmd.Context())
			for _, rec := range reclaimed {
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %s from %s\n", m.RelPath(rec.FilePath), rec.Holder.ID())
			}
			if err != nil {
				return err
			}
			if len(reclaimed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stale locks")
			}
			return nil
		},
	}
}

type runOpts struct {
	agent     string
	kind      string
	timeout   time.Duration
	operation string
	rollback  bool
}

// runCmd executes an external command as the mutation of a protected write.
// The command sees the canonical path in INTERLOCK_FILE.
func runCmd(opts *globalOpts) *cobra.Command {
	ro := runOpts{}
	cmd := &cobra.Command{
		Use:   "run <file> -- <command> [args...]",
		Short: "Run a command that modifies a file under its lock",
		Args: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() != 1 || len(args) < 2 {
				return fmt.Errorf("usage: interlock run <file> -- <command> [args...]")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := core.ParseAgentKind(ro.kind)
			if err != nil {
				return err
			}
			m, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			return runProtected(cmd, m, kind, ro, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&ro.agent, "agent", "", "agent name recorded as the lock holder (defaults to the kind)")
	cmd.Flags().StringVar(&ro.kind, "kind", string(core.AgentOperator), "agent kind: "+kindList())
	cmd.Flags().DurationVar(&ro.timeout, "timeout", 0, "lock wait; 0 uses the kind's default, negative tries once")
	cmd.Flags().StringVar(&ro.operation, "operation", "", "operation id grouping a multi-file change")
	cmd.Flags().BoolVar(&ro.rollback, "rollback", false, "restore the backup if the command fails")
	return cmd
}

func kindList() string {
	kinds := core.AgentKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func runProtected(cmd *cobra.Command, m *coord.Manager, kind core.AgentKind, ro runOpts, file string, argv []string) error {
	ctx := cmd.Context()
	req := core.WriteRequest{
		Path:        file,
		Holder:      core.Holder{Agent: ro.agent},
		Kind:        kind,
		Timeout:     ro.timeout,
		OperationID: ro.operation,
	}
	res, err := m.WithProtectedWrite(ctx, req, func(ctx context.Context, path string) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Env = append(os.Environ(), "INTERLOCK_FILE="+path)
		c.Stdin = cmd.InOrStdin()
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()
		return c.Run()
	})
	if err != nil {
		var mf *core.ModificationFailure
		if ro.rollback && errors.As(err, &mf) && mf.BackupID != "" {
			if rerr := m.Restore(context.WithoutCancel(ctx), mf.BackupID); rerr != nil {
				return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "restored %s from backup %s\n", m.RelPath(mf.Path), shortID(mf.BackupID))
		}
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (backup %s, %s, waited %s)\n",
		m.RelPath(res.FilePath), shortID(res.Backup.ID), humanize.IBytes(uint64(res.Backup.Size)),
		res.Waited.Round(time.Millisecond))
	return nil
}

func restoreCmd(opts *globalOpts) *cobra.Command {
	var operation string
	cmd := &cobra.Command{
		Use:   "restore [backup-id]",
		Short: "Restore a file from a backup, or every file of an operation",
		Args: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (operation != "") {
				return fmt.Errorf("give either a backup id or --operation")
			}
			return cobra.MaximumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			if operation != "" {
				restored, err := m.RestoreBatch(cmd.Context(), operation)
				for _, rec := range restored {
					fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", m.RelPath(rec.FilePath), shortID(rec.ID))
				}
				return err
			}
			if err := m.Restore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored backup %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "restore every file of this operation")
	return cmd
}

func backupsCmd(opts *globalOpts) *cobra.Command {
	var (
		file      string
		operation string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			recs, err := m.ListBackups(cmd.Context(), core.BackupFilter{
				FilePath:    file,
				OperationID: operation,
				Newest:      true,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no backups")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tAGENT\tSIZE\tCREATED\t")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
					rec.ID, m.RelPath(rec.FilePath), rec.Agent, humanize.IBytes(uint64(rec.Size)), humanize.Time(rec.CreatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "only backups of this file")
	cmd.Flags().StringVar(&operation, "operation", "", "only backups of this operation")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum backups to show")
	return cmd
}

func pruneCmd(opts *globalOpts) *cobra.Command {
	var policy core.RetentionPolicy
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			report, err := m.Prune(cmd.Context(), policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d backups (%s), kept %d\n",
				len(report.Deleted), humanize.IBytes(uint64(report.Bytes)), report.Kept)
			return nil
		},
	}
	cmd.Flags().IntVar(&policy.KeepLast, "keep", 0, "always keep the newest N backups per file")
	cmd.Flags().DurationVar(&policy.MaxAge, "older-than", 0, "delete backups older than this")
	cmd.Flags().StringVar(&policy.FilePath, "file", "", "only prune backups of this file")
	return cmd
}

func initCmd(opts *globalOpts) *cobra.Command {
	var force, token bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, tok, err := config.InitFile(opts.root, force, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			if tok != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "operator token: %s\n", tok)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&token, "token", false, "generate a bearer token for remote API access")
	return cmd
}
