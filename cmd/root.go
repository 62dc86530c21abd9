package cmd

import (
	"fmt"
	"os"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/internal/logger"
	"github.com/spf13/cobra"
)

// Version is the blip release
const Version = "0.3.0"

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	writeConfig bool

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blip",
	Short: "blip - lightweight message broker for local services",
	Long: `blip connects services over WebSockets. One process runs the broker with
"blip serve"; services identify under a unique name and exchange messages,
optionally as request/reply pairs, and report metrics the broker aggregates.

The remaining commands act as a short-lived client of a running broker.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig loads the configuration file and environment for mode
func loadConfig(mode config.Mode) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	generated := cfg.Normalize()

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if logOutput != "" {
		cfg.Logging.Output = logOutput
	}

	if generated {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// persistConfig writes cfg back when --write was given
func persistConfig(cfg *config.Config) error {
	if !writeConfig {
		return nil
	}
	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}
	rootLog.Info("Configuration written", "path", cfg.Path())
	return nil
}

// initLogger initializes the command logger from cfg
func initLogger(cfg *config.Config) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	rootLog = log
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file path (default: $BLIP_CONFIG or ~/.config/blip/blip.yaml)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config)")

	rootCmd.PersistentFlags().BoolVarP(&writeConfig, "write", "w", false,
		"Persist flag values to the config file")
}
