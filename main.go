package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/AnishMulay/backupsvr/config"
	"github.com/AnishMulay/backupsvr/transport"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "backupsvr",
		Short:         "Per-user file backup server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newClientCommands()...)
	return root
}

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backup server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath, cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.String("listen", ":8080", "address to accept client connections on")
	flags.Duration("read-timeout", 30*time.Second, "per-read deadline for client connections, 0 disables it")
	flags.Duration("write-timeout", 30*time.Second, "per-write deadline for client connections, 0 disables it")
	flags.String("storage-root", "./backupsvr", "directory holding one sub-directory per user")
	flags.Int64("max-file-size", 1<<30, "largest accepted upload in bytes")
	flags.String("metrics-listen", "", "address for the prometheus /metrics endpoint, empty disables it")
	flags.Bool("watch", false, "log every change under the storage root")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-output", "", "log file path, stdout when empty")
	return cmd
}

// runServer runs the transport and its companion services under one
// supervisor until ctx is done.
func runServer(ctx context.Context, cfg *config.Config) error {
	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store := NewStore(StoreConfig{
		Root:     cfg.Storage.StorageRoot,
		FileMode: os.FileMode(cfg.Storage.DefaultFileMode),
		DirMode:  os.FileMode(cfg.Storage.DirMode),
		Logger:   logger,
	})
	if err := os.MkdirAll(store.Root, store.DirMode); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}

	server := NewBackupServer(BackupServerConfig{
		Store:       store,
		MaxFileSize: cfg.Storage.MaxFileSize,
		Logger:      logger,
	})

	tr := transport.NewTCPTransport(transport.TCPTransportConfig{
		ListenAddress: cfg.Network.ListenAddress,
		ReadTimeout:   cfg.Network.ReadTimeout,
		WriteTimeout:  cfg.Network.WriteTimeout,
		OnConn:        server.HandleConn,
		Logger:        logger,
	})

	sup := suture.New("backupsvr", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.WithField("event", e.Type()).Warn(e.String())
		},
	})
	sup.Add(tr)
	if cfg.Metrics.ListenAddress != "" {
		sup.Add(&metricsService{addr: cfg.Metrics.ListenAddress, logger: logger})
	}
	if cfg.Watcher.Enabled {
		sup.Add(NewStorageWatcher(StorageWatcherConfig{
			Root:   store.Root,
			Logger: logger.WithField("component", "watcher"),
		}))
	}

	logger.WithFields(logrus.Fields{
		"listen":       cfg.Network.ListenAddress,
		"storage_root": store.Root,
	}).Infof("Starting backup server, storing files in %s", store.Root)

	err = sup.Serve(ctx)
	tr.Wait()
	if errors.Is(err, suture.ErrTerminateSupervisorTree) {
		logger.Errorf("Backup server failed: %v", err)
		return err
	}
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Backup server stopped")
	return nil
}
