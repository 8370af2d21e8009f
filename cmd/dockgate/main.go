package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	gort "runtime"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dockgate/dockgate/internal/runtime"
	"github.com/dockgate/dockgate/internal/server"
	"github.com/dockgate/dockgate/pkg/config"
	"github.com/dockgate/dockgate/pkg/logger"
	"github.com/dockgate/dockgate/pkg/statuscache"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "dockgate",
		Short: "dockgate - rate-aware gateway to the container engine",
		Long: `dockgate mediates access to a rate-limited container engine daemon on behalf
of many concurrent callers. It bounds simultaneous daemon connections, queues
excess requests fairly, and serves most reads from a freshness-aware status
cache so callers rarely wait on the daemon at all.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dockgate v%s\n", version)
			fmt.Printf("Go version: %s\n", gort.Version())
			fmt.Printf("OS/Arch: %s/%s\n", gort.GOOS, gort.GOARCH)
		},
	})

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig builds the effective configuration from defaults, an optional
// YAML file, and flag overrides.
func loadConfig(configFile, logLevel string) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Encoding:    cfg.Log.Encoding,
		Development: cfg.Log.Development,
	})
}

func newServeCmd() *cobra.Command {
	var configFile, logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway with its HTTP surface",
		Long: `Run the gateway: the connection pool, the status cache, the background
refresher, and the diagnostics HTTP surface. Shuts down cleanly on SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, logLevel)
			if err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	return cmd
}

func serve(cfg *config.Config) error {
	log := logger.Get()

	rt, err := runtime.New(cfg, log)
	if err != nil {
		return err
	}
	rt.Start()

	srv := server.New(cfg.Server, rt, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	return rt.Shutdown(ctx)
}

func newStatusCmd() *cobra.Command {
	var configFile, logLevel string
	var refresh, asJSON bool

	cmd := &cobra.Command{
		Use:   "status [container]",
		Short: "Query container status once and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, logLevel)
			if err != nil {
				return err
			}
			cfg.Refresh.Enabled = false
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rt, err := runtime.New(cfg, logger.Get())
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = rt.Shutdown(ctx)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.QueueTimeout())
			defer cancel()

			if len(args) == 1 {
				snap, err := rt.Cache().Container(ctx, args[0], refresh)
				if err != nil && snap.Name == "" {
					return err
				}
				return printStatus(snap, asJSON)
			}

			snaps, err := rt.Cache().Containers(ctx, refresh)
			if err != nil && len(snaps) == 0 {
				return err
			}
			for _, snap := range snaps {
				if err := printStatus(snap, asJSON); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "error", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Force a refresh before reading (subject to cooldown)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table line")

	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter configuration file with the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "dockgate.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func printStatus(snap statuscache.Snapshot, asJSON bool) error {
	if asJSON {
		data, err := gojson.Marshal(snap)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	flag := ""
	if snap.Stale {
		flag = " (stale)"
	}
	fmt.Printf("%-24s %-10s %s%s\n", snap.Name, snap.State, snap.Status, flag)
	return nil
}
