package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pboyd/hotswap"
)

type runFlags struct {
	config       string
	artifact     string
	loader       string
	pollInterval time.Duration
	metricsAddr  string
	watch        bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run -c hotswap.yaml",
		Short: "Reload an artifact and call its functions after every reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			cfg := &config{Loader: "image", PollInterval: hotswap.DefaultPollInterval}
			if flags.config != "" {
				cfg, err = loadConfig(flags.config)
				if err != nil {
					return err
				}
			}
			flags.apply(cmd, cfg)
			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.config, "config", "c", "", "config file")
	f.StringVar(&flags.artifact, "artifact", "", "artifact to reload, overrides the config")
	f.StringVar(&flags.loader, "loader", "", "loader: image, dynlib or plugin")
	f.DurationVar(&flags.pollInterval, "poll-interval", 0, "how often to check the artifact")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&flags.watch, "watch", false, "also watch the artifact for filesystem events")
	return cmd
}

// apply copies the flags that were set over cfg.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config) {
	changed := cmd.Flags().Changed
	if changed("artifact") {
		cfg.Artifact = f.artifact
	}
	if changed("loader") {
		cfg.Loader = f.loader
	}
	if changed("poll-interval") {
		cfg.PollInterval = f.pollInterval
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("watch") {
		cfg.Watch = f.watch
	}
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	loader, err := newLoader(cfg.Loader)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	reloaded := make(chan hotswap.ReloadInfo, 1)
	table := hotswap.NewTable()
	sup, err := hotswap.New(table, hotswap.Options{
		Artifact:     cfg.Artifact,
		CopyDir:      cfg.CopyDir,
		PollInterval: cfg.PollInterval,
		Loader:       loader,
		Functions:    cfg.descriptors(),
		Watch:        cfg.Watch,
		RemoveCopies: cfg.RemoveCopies,
		Logger:       logger,
		Registerer:   reg,
		OnReload: func(info hotswap.ReloadInfo) {
			select {
			case reloaded <- info:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Close()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case info := <-reloaded:
			callAll(table, cfg.Functions, logger.With("generation", info.Generation))
		}
	}
}

func callAll(table *hotswap.Table, fns []function, logger *slog.Logger) {
	for _, fn := range fns {
		out, err := call(table, fn)
		if err != nil {
			logger.Error("call failed", "function", fn.Name, "error", err)
			continue
		}
		logger.Info("called", "function", fn.Name, "args", fmt.Sprint(fn.Args), "result", out)
	}
}
