// noema is the pure-loop conversational runtime: a kernel of pure stages over
// a state tree, driven by side-effecting drivers at the tick boundary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"noema/internal/config"
	"noema/internal/drivers"
	"noema/internal/logging"
	"noema/internal/loop"
	"noema/internal/server"
	"noema/internal/session"
)

var (
	configPath string
	addr       string
	dbPath     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "noema",
	Short: "noema - pure-stage conversational loop",
	Long: `noema runs a conversational agent as a composition of pure stages over a
state tree. Each tick is a deterministic function of state; transport, skills,
storage, and timers only act at the tick boundary through drivers.

Run "noema serve" to start the HTTP/WebSocket facade.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP/WebSocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if dbPath != "" {
			cfg.Storage.DatabasePath = dbPath
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.Dir); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer logging.Sync()
		log := logging.Get(logging.CategoryBoot)

		store, err := drivers.NewStorage(cfg.Storage.DatabasePath, logging.Get(logging.CategoryStore))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		transport := drivers.NewTransport()
		l := loop.New(loop.Drivers{
			Transport: transport,
			Skills:    drivers.NewSkills(store),
			Storage:   store,
			Timer:     drivers.NewTimer(),
		}, func() int64 { return time.Now().UnixMilli() }, logging.Get(logging.CategoryLoop))

		sessions := session.NewManager()
		srv := server.New(cfg, l, sessions, transport, store)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Hot-reload keeps the serve process honest about config edits; only
		// the log level takes effect without a restart.
		stopWatch, err := config.Watch(configPath, func(next *config.Config) {
			log.Info("config reloaded", zap.String("path", configPath))
			if next.Logging.Level != cfg.Logging.Level {
				if err := logging.Initialize(next.Logging.Level, next.Logging.Dir); err == nil {
					cfg.Logging = next.Logging
				}
			}
		})
		if err == nil {
			defer stopWatch()
		}

		log.Info("starting noema",
			zap.String("version", cfg.Version),
			zap.String("addr", cfg.Server.Addr),
			zap.String("db", cfg.Storage.DatabasePath))
		return srv.Run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the noema version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Println("noema (unknown)")
			return
		}
		fmt.Printf("noema %s\n", cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "noema.yaml", "config file path")
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (overrides config)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
