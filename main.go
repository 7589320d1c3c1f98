package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"nostr-sync/internal/config"
)

// rootOptions holds the global flags
type rootOptions struct {
	ConfigPath  string
	MetricsAddr string
	FPS         int
	LogLevel    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "nostr-sync",
		Short:        "Keep local timelines in sync with a set of nostr relays",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default $SYNC_CONFIG or "+config.DefaultPath+")")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "debug|info|warn|error (default $LOG_LEVEL or info)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", ":9090", "listen address for /metrics, /health and /views (empty disables)")
	cmd.Flags().IntVar(&opts.FPS, "fps", 30, "frames per second of the update loop")

	cmd.AddCommand(newConfigCommand(opts))
	return cmd
}

// newConfigCommand prints the effective configuration after defaults and validation
func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(opts.ConfigPath))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
}

func runDaemon(ctx context.Context, opts *rootOptions) error {
	if opts.FPS <= 0 {
		return fmt.Errorf("--fps must be positive, got %d", opts.FPS)
	}
	log := InitLogger(opts.LogLevel)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := config.NewSource(config.ResolvePath(opts.ConfigPath))
	if err != nil {
		return err
	}
	d, err := newDaemon(src, opts.FPS, log)
	if err != nil {
		return err
	}

	var srv *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", d.healthHandler)
		mux.HandleFunc("/views", d.viewsHandler)
		srv = &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           RequestLoggingMiddleware(log, mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("status server listening", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("status server failed", "error", err)
				stop()
			}
		}()
	}

	runErr := d.run(ctx)
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	return errors.Join(runErr, d.close())
}
