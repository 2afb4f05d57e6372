package main

import (
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/pkg/embedded"
)

func serveCmd(opts *globalOpts) *cobra.Command {
	var addr, socket string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API, event stream and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Serve.Addr = addr
			}
			if cmd.Flags().Changed("socket") {
				cfg.Serve.Socket = socket
			}
			srv, err := embedded.NewFromConfig(cfg, opts.logger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "TCP listen address (default from config)")
	cmd.Flags().StringVar(&socket, "socket", "", "also listen on this unix socket")
	return cmd
}
