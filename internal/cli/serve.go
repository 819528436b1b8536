package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ccmrt/internal/remote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// OnListen is called with the bound address once the server accepts
	// connections (for testing).
	OnListen func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the record protocol from the configured database",
		Long: `Serve datastores over HTTP and WebSocket from the configured SQLite
database, so other runtimes can use them as remote stores.

  POST /         one request per body
  GET  /ws       socket with pushed changes
  GET  /metrics  Prometheus metrics

When a token is configured, requests must carry the configured user and
token. The server stops on SIGINT or SIGTERM.

Examples:
  ccmrt serve --listen :8080
  CCMRT_DATABASE=./ccm.db ccmrt serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from config)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	addr := opts.Listen
	if addr == "" {
		addr = cfg.Listen
	}
	logger := opts.Logger(cmd.ErrOrStderr())

	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	srvOpts := []remote.ServerOption{
		remote.WithServerLogger(logger),
		remote.WithServerMetrics(rt.Metrics()),
	}
	if cfg.Token != "" {
		user, token := cfg.User, cfg.Token
		srvOpts = append(srvOpts, remote.WithAuthorizer(func(u, t string) error {
			if u != user || t != token {
				return errors.New("unauthorized")
			}
			return nil
		}))
	}
	handler := remote.NewServer(rt.Database(), srvOpts...)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	logger.Info("serving", "addr", ln.Addr().String(), "database", cfg.Database)
	if opts.OnListen != nil {
		opts.OnListen(ln.Addr().String())
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	return nil
}
