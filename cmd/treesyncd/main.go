// Command treesyncd is the client coordinator daemon: it composes the
// Shared Coordinator, Sync Engine, offline operation log, and Reachability
// Monitor behind the §6.3 tab port protocol, exposed over a Unix domain
// socket so every tab (browser extension process, CLI, whatever local
// consumer) shares one upstream connection per namespace. Grounded on
// cmd/bd/main.go's cobra root command and daemon-mode signal handling.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/treesync/core/internal/config"
	"github.com/treesync/core/internal/coordinator"
	"github.com/treesync/core/internal/daemon"
	"github.com/treesync/core/internal/oplog"
	"github.com/treesync/core/internal/reachability"
	"github.com/treesync/core/internal/syncengine"
	"github.com/treesync/core/internal/tabports"
	"github.com/treesync/core/internal/types"
)

var (
	socketPath string
	serverURL  string
	oplogPath  string
	configPath string
	token      string
)

var rootCmd = &cobra.Command{
	Use:   "treesyncd",
	Short: "treesyncd - local tab coordinator daemon for tree-sync",
	RunE:  runDaemon,
}

func main() {
	defaultSocket := filepath.Join(os.TempDir(), "treesyncd.sock")
	rootCmd.Flags().StringVar(&socketPath, "socket", defaultSocket, "Unix socket to listen on for tab connections")
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the treesync-server to sync against")
	rootCmd.Flags().StringVar(&oplogPath, "oplog", "treesyncd.oplog.db", "path to the local operation log")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	rootCmd.Flags().StringVar(&token, "token", "", "bearer token for authenticating to the server")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := oplog.Open(oplogPath)
	if err != nil {
		return fmt.Errorf("open oplog %s: %w", oplogPath, err)
	}
	defer log.Close()

	ports := tabports.NewRegistry()

	rc := cfg.Reconnect()
	coord := coordinator.New(coordinator.Options{
		BaseURL: serverURL,
		Token:   token,
		Backoff: coordinator.BackoffConfig{
			Base:            rc.BaseDelay,
			Cap:             rc.MaxDelay,
			Multiplier:      rc.Multiplier,
			Jitter:          rc.Jitter,
			StableThreshold: rc.StableThreshold,
		},
		Logger: logger,
		Ports:  ports,
	})
	defer coord.Close()

	syncCfg := cfg.Sync()
	engine := syncengine.New(log, syncengine.Options{
		BaseURL:     serverURL,
		Token:       token,
		BatchWindow: syncCfg.BatchWindow,
		RetryDelays: syncCfg.RetryDelays,
		Logger:      logger,
		Registerer:  prometheus.DefaultRegisterer,
		OnStatus: func(ns types.Namespace, status string, errMsg string) {
			ports.Broadcast(ns, tabports.OutboundMessage{
				Type:      tabports.OutSyncStatus,
				Namespace: ns,
				Data:      map[string]string{"status": status, "error": errMsg},
			})
		},
	})

	d := daemon.New(coord, engine, log, nil, ports, serverURL, nil, logger)

	reachCfg := cfg.Reachability()
	reach := reachability.New(reachability.Options{
		BaseURL:  serverURL,
		Token:    token,
		Interval: reachCfg.ProbeInterval,
		Timeout:  reachCfg.ProbeTimeout,
		Logger:   logger,
		OnChange: func(isOnline bool) {
			ports.BroadcastAll(tabports.OutboundMessage{
				Type: tabports.OutConnectivityChanged,
				Data: map[string]bool{"isOnline": isOnline},
			})
			engine.OnConnectivityChanged(context.Background(), isOnline)
		},
	})
	d.Reach = reach

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d.Start(ctx)
	defer reach.Stop()

	_ = os.Remove(socketPath)
	logger.Info("treesyncd: starting", "socket", socketPath, "server", serverURL)
	if err := d.ListenAndServe(ctx, socketPath); err != nil {
		return fmt.Errorf("listen and serve: %w", err)
	}
	logger.Info("treesyncd: stopped")
	return nil
}
