package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zde37/chordsim/internal/config"
	"github.com/zde37/chordsim/pkg"
)

var version = "0.1.0-dev"

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "chordsim",
	Short: "Discrete-event simulator for the Chord overlay",
	Long: `chordsim runs Chord rings of simulated nodes on a single clock. Nodes
join, leave and fail according to an event timeline while the protocol
stabilizes; the resulting routing state is checked against the ideal ring.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console)")

	rootCmd.AddCommand(runCmd, generateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, cfg.Validate()
}

// newLogger builds the process logger from cfg. Console output goes to
// stderr so stdout stays machine-readable.
func newLogger(cfg *config.Config) (*pkg.Logger, error) {
	lc := pkg.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.Format = cfg.LogFormat
	lc.Console.Output = "stderr"
	if cfg.LogFile != "" {
		lc.File.Enable = true
		lc.File.Path = cfg.LogFile
	}
	return pkg.New(lc)
}
