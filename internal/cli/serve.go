// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/HarshalKudale/modelflux/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	mo := &managerOpts{}
	var (
		addr string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server for remote download management",
		Long: `Start an HTTP server that provides:
  - REST API for download management
  - WebSocket for live progress updates

Download locations are configured server-side only (not via API) for security.
Any downloads left running by a previous process are reattached at startup.

Example:
  modelflux serve
  modelflux serve --port 3000
  modelflux serve --models-dir ./Models --catalog ./catalog.yaml`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applyConfigDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, catalog, err := buildManager(ro, mo.settings())
			if err != nil {
				return err
			}

			// Pick up transfers the previous process left behind before
			// accepting new requests.
			if err := mgr.ReattachBackgroundDownloads(); err != nil {
				fmt.Fprintln(os.Stderr, "warning: reattach failed:", err)
			}

			srv := server.New(server.Config{Addr: addr, Port: port}, mgr, catalog)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return srv.ListenAndServe(ctx)
		},
	}

	mo.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	return cmd
}
