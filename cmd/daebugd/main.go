// Package main provides the daebug server CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/daebughq/daebug/config"
	"github.com/daebughq/daebug/dispatch"
	"github.com/daebughq/daebug/job"
	"github.com/daebughq/daebug/logs"
	"github.com/daebughq/daebug/registry"
	"github.com/daebughq/daebug/replog"
	"github.com/daebughq/daebug/watch"
)

const version = "0.2.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daebugd",
		Short:   "👾 daebug remote REPL server",
		Version: version,
		Long: `daebug lets an agent drive code execution inside long-lived browser or
worker pages through a file-persisted markdown request/response log.

Pages poll GET /daebug for work and POST /daebug with results; replies are
written back into each page's log at <root>/daebug/<page>.md.`,
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		root       string
		port       int
		logLevel   string
		logFile    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daebug server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// Flags override config files.
			if root != "" {
				cfg.Server.Root = root
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFile != "" {
				cfg.Log.File = logFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (overrides discovery)")
	cmd.Flags().StringVar(&root, "root", "", "server root directory (logs live in <root>/daebug)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "optional JSON log file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.NewLoader(nil).Load()
	}
	cfg := config.DefaultConfig()
	fileCfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(fileCfg)
	return cfg, nil
}

func serve(cfg *config.Config) error {
	level, err := logs.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger, closeLogs, err := logs.New(os.Stderr, level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jobs := job.NewStore(logger.With("component", "jobs"))
	pages := registry.New(logger.With("component", "registry"))
	writer := replog.NewWriter(cfg.Server.Root, logger.With("component", "writer"))
	metrics := dispatch.NewMetrics(reg)
	dispatcher := dispatch.New(cfg.Server.Root, jobs, pages, writer, metrics, logger.With("component", "dispatch"))

	watcher, err := watch.New(watch.Config{
		Root:          cfg.Server.Root,
		DebounceDelay: cfg.Watch.DebounceDelay.Std(),
		Logger:        logger.With("component", "watch"),
	})
	if err != nil {
		return err
	}
	if err := watcher.WatchDirectory(); err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	if err := dispatcher.ScanAll(); err != nil {
		logger.Warn("startup scan failed", "error", err)
	}

	go dispatcher.Run(ctx, watcher.Events())
	go jobs.Run(ctx, cfg.Jobs.SweepInterval.Std(), cfg.Jobs.Timeout.Std(), cfg.Jobs.RetentionAge.Std())
	go pages.Run(ctx, cfg.Pages.EvictInterval.Std(), cfg.Pages.TTL.Std())

	r := chi.NewRouter()
	dispatcher.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("👾 daebug listening", "version", version, "addr", "http://"+addr+"/")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
