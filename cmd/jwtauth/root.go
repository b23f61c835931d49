package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	cfg        *Config
	configPath string
	envPath    string
)

var rootCmd = &cobra.Command{
	Use:           "jwtauth",
	Short:         "Mint and verify asymmetric service JWTs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := loadEnvFile(envPath); err != nil {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		c, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = c
		slog.SetDefault(newLogger(cfg.LogLevel))
		slog.Debug("loaded config", "config", cfg.String())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./jwtauth.yaml)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", defaultEnvPath(), "path to .env file")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("jwtauth failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
