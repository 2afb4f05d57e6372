package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
)

// eventsCmd tails the event stream of a running `interlock serve`.
func eventsCmd(opts *globalOpts) *cobra.Command {
	var server, token, file string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream lock, backup and modification events from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if server == "" {
				cfg, err := opts.config()
				if err != nil {
					return err
				}
				server = "http://" + cfg.Serve.Addr
			}
			if !strings.Contains(server, "://") {
				server = "http://" + server
			}
			if token == "" {
				token = os.Getenv("INTERLOCK_TOKEN")
			}
			if file != "" {
				abs, err := filepath.Abs(file)
				if err != nil {
					return err
				}
				if resolved, err := filepath.EvalSymlinks(abs); err == nil {
					abs = resolved
				}
				file = abs
			}

			c := client.New(server, client.WithToken(token))
			out := cmd.OutOrStdout()
			err := c.Events(cmd.Context(), file, func(ev client.Event) error {
				line := fmt.Sprintf("%s  %-22s %s", ev.CreatedAt.Local().Format("15:04:05.000"), ev.Type, ev.FilePath)
				if ev.Agent != "" {
					line += "  agent=" + ev.Agent
				}
				if ev.Success != nil && !*ev.Success {
					line += "  failed"
				}
				if ev.Detail != "" {
					line += "  " + ev.Detail
				}
				_, err := fmt.Fprintln(out, line)
				return err
			})
			if errors.Is(err, context.Canceled) && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server URL (default from serve.addr)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $INTERLOCK_TOKEN)")
	cmd.Flags().StringVar(&file, "file", "", "only events for this file")
	return cmd
}
