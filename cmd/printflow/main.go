package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/printflow-ai/printflow/internal/api"
	"github.com/printflow-ai/printflow/internal/config"
	"github.com/printflow-ai/printflow/internal/state"
	"github.com/printflow-ai/printflow/internal/watcher"
	"github.com/printflow-ai/printflow/pkg/log"
)

const connectTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "printflow",
	Short: "Print job orchestration for a networked 3D printer",
	Long:  `printflow queues fabrication jobs, schedules them against a single networked printer and mirrors the device's live status.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	defaultConfig := filepath.Join(home, config.ConfigPath)

	rootCmd.PersistentFlags().String("config", defaultConfig, "config file path")
	rootCmd.PersistentFlags().String("log-file", "", "log file path (default stdout)")
	serveCmd.Flags().String("listen", "", "HTTP API bind address (overrides config)")
	serveCmd.Flags().String("printer-host", "", "printer address (overrides config)")
	serveCmd.Flags().String("access-code", "", "printer access code (overrides config)")

	viper.SetEnvPrefix("PRINTFLOW")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("printer_host", serveCmd.Flags().Lookup("printer-host"))
	_ = viper.BindPFlag("access_code", serveCmd.Flags().Lookup("access-code"))

	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	var logger = log.NewStdoutLogger()
	if file := viper.GetString("log_file"); file != "" {
		logger = log.New(file)
	}

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := viper.GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := viper.GetString("printer_host"); v != "" {
		cfg.Printer.Host = v
	}
	if v := viper.GetString("access_code"); v != "" {
		cfg.Printer.AccessCode = v
	}

	app, err := state.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize state: %w", err)
	}
	defer app.Shutdown()

	if cfg.Printer.Host != "" {
		if err := app.Printer.Connect(connectTimeout); err != nil {
			// stay up; the operator reconnects through the API or a restart
			logger.Error(err, "printer connection failed", "host", cfg.Printer.Host)
		}
	}

	app.Periodic.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.WatchDir != "" {
		w := watcher.New(cfg.WatchDir, app.Queue, logger.WithName("watcher"))
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error(err, "watcher stopped")
			}
		}()
	}

	server := api.NewServer(app, logger.WithName("api"))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(cfg.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		return nil
	case err := <-errCh:
		return err
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
