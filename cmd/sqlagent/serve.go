package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/malbeclabs/sqlagent/pkg/api"
	"github.com/malbeclabs/sqlagent/pkg/config"
	"github.com/malbeclabs/sqlagent/pkg/metrics"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the graph and chain pipelines over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyServeFlags(cmd.Flags(), &opts.cfg); err != nil {
				return err
			}
			return runServe(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	fs.String("http-addr", "", "HTTP listen address (default from SQLAGENT_HTTP_ADDR or 0.0.0.0:8000)")
	fs.String("metrics-addr", "", "Prometheus metrics listen address, empty to keep SQLAGENT_METRICS_ADDR (\"off\" disables)")
	fs.Duration("read-header-timeout", 0, "HTTP read header timeout")
	fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	return cmd
}

// applyServeFlags overrides environment configuration with explicitly set flags.
func applyServeFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("http-addr") {
		v, err := fs.GetString("http-addr")
		if err != nil {
			return err
		}
		cfg.HTTP.ListenAddr = v
	}
	if fs.Changed("metrics-addr") {
		v, err := fs.GetString("metrics-addr")
		if err != nil {
			return err
		}
		if v == "off" {
			v = ""
		}
		cfg.HTTP.MetricsAddr = v
	}
	if fs.Changed("read-header-timeout") {
		v, err := fs.GetDuration("read-header-timeout")
		if err != nil {
			return err
		}
		cfg.HTTP.ReadHeaderTimeout = v
	}
	if fs.Changed("shutdown-timeout") {
		v, err := fs.GetDuration("shutdown-timeout")
		if err != nil {
			return err
		}
		cfg.HTTP.ShutdownTimeout = v
	}
	return nil
}

func runServe(parent context.Context, opts *rootOptions) error {
	log := opts.log
	cfg := opts.cfg

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServerErrCh := make(chan error, 1)
	if cfg.HTTP.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", cfg.HTTP.MetricsAddr)
		if err != nil {
			return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
		}
		defer listener.Close()
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.Serve(listener, mux); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Error("failed to serve prometheus metrics", "error", err)
				metricsServerErrCh <- err
			}
		}()
	}

	a, err := newApp(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close database", "error", err)
		}
	}()

	pipelines := make(map[string]api.Runner, len(a.pipelines))
	for name, p := range a.pipelines {
		pipelines[name] = p
	}

	httpListener, err := net.Listen("tcp", cfg.HTTP.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer httpListener.Close()

	srv, err := api.New(api.Config{
		Logger:            log,
		Listener:          httpListener,
		Pipelines:         pipelines,
		Ready:             a.querier,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.HTTP.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		stop()
		<-serverErrCh
		return err
	}
}
