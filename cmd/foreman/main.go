package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joewinke/foreman/internal/assign"
	"github.com/joewinke/foreman/internal/auth"
	"github.com/joewinke/foreman/internal/cli"
	"github.com/joewinke/foreman/internal/config"
	"github.com/joewinke/foreman/internal/httpapi"
	"github.com/joewinke/foreman/internal/reserve"
	"github.com/joewinke/foreman/internal/server"
	"github.com/joewinke/foreman/internal/storage/sqlite"
	"github.com/joewinke/foreman/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Reservation and assignment coordinator for multi-agent work",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newKeysCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to yaml config file")
	return cmd
}

func serve(cfg config.Config) error {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	resilient := sqlite.NewResilient(store)
	defer resilient.Close()

	keysPath := cfg.KeysFile
	if keysPath == "" {
		keysPath = auth.ResolveKeysPath()
	}
	keyring, err := auth.LoadKeyring(keysPath)
	if err != nil {
		return fmt.Errorf("auth init: %w", err)
	}

	manager := reserve.NewManager()
	hub := ws.NewHub()

	coord := assign.NewCoordinator(resilient, manager,
		assign.WithPublisher(hub),
		assign.WithTimeout(cfg.AssignTimeout),
		assign.WithDefaultTTL(cfg.DefaultTTL),
	)
	svc := httpapi.NewService(resilient, manager, coord).
		WithBroadcaster(hub).
		WithDefaultTTL(cfg.DefaultTTL)
	router := httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(keyring))

	srv, err := server.New(server.Config{
		Addr:       cfg.Addr,
		SocketPath: cfg.SocketPath,
		Handler:    router,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := reserve.NewSweeper(manager, hub, cfg.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	log.Printf("foreman listening on %s (db %s)", cfg.Addr, cfg.DBPath)
	return srv.Run(ctx)
}

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var file, project string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an API key for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(file, project)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key for project %q written to %s:\n%s\n", project, file, key)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&file, "file", "f", "", "keys file path (default: FOREMAN_KEYS_FILE or ./foreman.keys.yaml)")
	initCmd.Flags().StringVarP(&project, "project", "p", "dev", "project the key grants access to")

	keys.AddCommand(initCmd)
	return keys
}
