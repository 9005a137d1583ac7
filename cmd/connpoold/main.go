package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sqlbridge/connpool/pkg/config"
	"github.com/sqlbridge/connpool/pkg/driver"
	"github.com/sqlbridge/connpool/pkg/monitoring"
	"github.com/sqlbridge/connpool/pkg/pool"
	"github.com/sqlbridge/connpool/pkg/server"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	driverName string
	driverDSN  string
	httpPort   int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "connpoold",
		Short: "Connection pool daemon",
		Long: `connpoold maintains a bounded pool of backend database connections and
exposes them over an HTTP monitoring API. The pool keeps connections warm,
validates them in the background, and replaces broken ones automatically.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE:    runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", "", "backend driver (sqlite, mysql)")
	rootCmd.PersistentFlags().StringVar(&driverDSN, "dsn", "", "backend data source name")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "monitoring server port")

	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Command line flags override the file and environment.
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if driverName != "" {
		cfg.Driver.Name = driverName
	}
	if driverDSN != "" {
		cfg.Driver.DSN = driverDSN
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := monitoring.SetupLogging(cfg.Logging); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("driver", cfg.Driver.Name).
		Int("pool_min", cfg.Pool.Min).
		Int("pool_max", cfg.Pool.Max).
		Msg("Starting connection pool daemon")

	tracing, err := monitoring.NewTracingManager(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown error")
		}
	}()

	factory, err := driver.Open(cfg.Driver.Name, cfg.Driver.DSN)
	if err != nil {
		return fmt.Errorf("failed to open driver: %w", err)
	}

	p, err := pool.New(cfg.Pool, factory)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer p.Close()

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.NewServer(cfg.Server, p)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start monitoring server: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Monitoring server shutdown error")
		}
	}

	if err := p.Close(); err != nil {
		log.Error().Err(err).Msg("Pool shutdown error")
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "connpoold.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateSchema(); err != nil {
				return fmt.Errorf("schema check failed: %w", err)
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("Driver: %s\n", cfg.Driver.Name)
			fmt.Printf("Pool: min=%d max=%d\n", cfg.Pool.Min, cfg.Pool.Max)
			fmt.Printf("Monitoring server enabled: %v\n", cfg.Server.Enabled)
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Connection Pool Daemon\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
}
