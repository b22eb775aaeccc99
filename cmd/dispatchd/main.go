package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/MSR806/writers-llm-backend/internal/cmd/client"
	serverrun "github.com/MSR806/writers-llm-backend/internal/cmd/server"
	cfgpkg "github.com/MSR806/writers-llm-backend/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Priority job dispatch server and client",
		Long:  "dispatchd runs the generation job dispatch server and offers client commands against its HTTP API.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the dispatch server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			// flags override file and env when set
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr, _ = cmd.Flags().GetString("http")
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
			}
			if cmd.Flags().Changed("backend") {
				backend, _ := cmd.Flags().GetString("backend")
				cfg.Backend = cfgpkg.Backend(backend)
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.RedisAddr, _ = cmd.Flags().GetString("redis-addr")
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers, _ = cmd.Flags().GetInt("workers")
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat, _ = cmd.Flags().GetString("log-format")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, cfg); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "Path to JSON config file")
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address")
	serverStartCmd.Flags().String("data-dir", "./data", "Data directory for the pebble backend")
	serverStartCmd.Flags().String("backend", "pebble", "Store backend: pebble|redis")
	serverStartCmd.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address for the redis backend")
	serverStartCmd.Flags().Int("workers", 4, "Number of concurrent workers")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	rootCmd.AddCommand(clientcmd.NewJobsCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("DISPATCH_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
