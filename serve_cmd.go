package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunrich/adreel/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Serve the pipeline over HTTP",
	Long:    paragraph(fmt.Sprintf("\n%s the generation routes, job status and statistics over HTTP until interrupted.", keyword("Serves"))),
	Example: paragraph("adreel serve\nadreel serve --addr 127.0.0.1:9090"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			return serve(ctx, a, a.cfg.Server.Addr)
		})
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from server.addr)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
}

// serve blocks until ctx ends, then drains in-flight requests.
func serve(ctx context.Context, a *app, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           httpapi.NewServer(a.orch, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	log.Info("Listening", "addr", ln.Addr().String())
	fmt.Fprintln(os.Stderr, "Listening on", keyword(ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("unable to shut down server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
