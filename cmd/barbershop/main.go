// Package main is the entry point for the barbershop edge server.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"barbershop/internal/adapter/memory"
	"barbershop/internal/adapter/postgres"
	"barbershop/internal/config"
	"barbershop/internal/domain"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "barbershop",
		Short: "Edge proxy and route guard for the barbershop web app",
		Long: `Serves the barbershop frontend, guards its views by role and relays
browser calls under the proxy mount to the backend API.

Settings come from an optional YAML file, a .env file and the environment.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")

	rootCmd.AddCommand(newServeCmd(), newCreateUserCmd())
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	return config.Load(path)
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// stores bundles the user and session repositories with their cleanup.
type stores struct {
	users    domain.UserRepository
	sessions domain.SessionRepository
	close    func() error
}

// openStores uses Postgres when a database URL is configured and an
// in-memory store otherwise.
func openStores(cfg config.Config, logger zerolog.Logger) (stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("no database configured, users and sessions are kept in memory")
		db := memory.New()
		return stores{users: db, sessions: db.NewSessionRepo(), close: func() error { return nil }}, nil
	}

	db, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		return stores{}, fmt.Errorf("db open: %w", err)
	}
	return stores{users: db, sessions: postgres.NewSessionRepo(db), close: db.Close}, nil
}
