// Command treesync-server hosts the SSE broker and Operation Applicator
// behind the §6.1 HTTP surface. Grounded on cmd/bd/main.go's cobra root
// command plus internal/rpc/http_server.go's listen/serve/graceful-
// shutdown shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/treesync/core/internal/applicator"
	"github.com/treesync/core/internal/broker"
	"github.com/treesync/core/internal/config"
	"github.com/treesync/core/internal/httpapi"
)

var (
	addr       string
	dbPath     string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "treesync-server",
	Short: "treesync-server - real-time tree-sync coordination server",
	RunE:  runServer,
}

func main() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	rootCmd.Flags().StringVar(&dbPath, "db", "treesync.db", "path to the sqlite tree store")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Watch(func() { logger.Info("config: sse/applicator tunables reloaded") }, logger)

	sseCfg := cfg.SSE()
	b := broker.New(broker.Options{
		HeartbeatInterval: sseCfg.HeartbeatInterval,
		PublishTimeout:    sseCfg.PublishTimeout,
		Logger:            logger,
		Registerer:        prometheus.DefaultRegisterer,
	})

	a, err := applicator.Open(dbPath, b)
	if err != nil {
		return fmt.Errorf("open applicator store %s: %w", dbPath, err)
	}
	defer a.Close()

	api := httpapi.New(b, a, logger)

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("treesync-server: listening", "addr", ln.Addr().String(), "db", dbPath)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("treesync-server: stopped")
	return nil
}
