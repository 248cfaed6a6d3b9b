package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/equipe-eprev/cnis-extractor-api/internal/config"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API.

The number of extractions running at once is workers x threads; requests
beyond that wait for a free slot until the request timeout expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, cfg); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, flags.logger(cfg))
		},
	}

	d := config.Default().Server
	cmd.Flags().String("host", d.Host, "listen host")
	cmd.Flags().IntP("port", "p", d.Port, "listen port")
	cmd.Flags().Int("workers", d.Workers, "worker count")
	cmd.Flags().Int("threads", d.Threads, "threads per worker")
	cmd.Flags().Duration("timeout", d.RequestTimeout, "per-request timeout")

	return cmd
}

// applyServeFlags overrides the server section with the flags that were set
// explicitly, then validates the result.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	if f.Changed("host") {
		cfg.Server.Host, err = f.GetString("host")
	}
	if err == nil && f.Changed("port") {
		cfg.Server.Port, err = f.GetInt("port")
	}
	if err == nil && f.Changed("workers") {
		cfg.Server.Workers, err = f.GetInt("workers")
	}
	if err == nil && f.Changed("threads") {
		cfg.Server.Threads, err = f.GetInt("threads")
	}
	if err == nil && f.Changed("timeout") {
		cfg.Server.RequestTimeout, err = f.GetDuration("timeout")
	}
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// Leave room for the 504 answer after the request deadline.
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func runServer(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	if err := a.svc.Start(ctx); err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("start service: %w", err)
	}

	server := newHTTPServer(cfg, a.handler)
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"addr":           server.Addr,
			"max_concurrent": cfg.MaxConcurrent(),
			"timeout":        cfg.Server.RequestTimeout.String(),
			"cache":          a.cache.Backend(),
			"audit":          cfg.Audit.Enabled,
		}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown error")
	}
	if err := a.close(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown error")
	}
	log.Info("server stopped")

	if serveErr != nil {
		return fmt.Errorf("listen %s: %w", server.Addr, serveErr)
	}
	return nil
}
