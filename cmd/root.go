// Package cmd holds the server's command-line entry points.
package cmd

import (
	"fmt"
	"os"

	"github.com/pongchat/server/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pongchat",
	Short: "Presence, relation and chat server for the pong lobby",
	Long: `pongchat tracks who is online and what they are doing, keeps
friend and block lists, runs chat channels and direct messages, and pairs
players for games. Clients talk to it over WebSocket, REST and SSE.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); built-in defaults when empty")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// loadConfig reads --config, or the defaults when it is not set.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger for cfg.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Server.Debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
