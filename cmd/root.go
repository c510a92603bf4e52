package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heitortanoue/crdtboard/internal/config"
	"github.com/heitortanoue/crdtboard/internal/printer"
)

var (
	version = "dev"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "crdtboard",
	Short: "Replicated 8x8 color board over CRDTs",
	Long: `crdtboard keeps an 8x8 board of colored squares consistent across
replicas. Peers merge concurrent edits without coordination, and exchange
updates through a websocket relay or directly over gossip.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Errors are already printed by the printer.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
}

// loadConfig reads the configuration file, lets override adjust it and
// validates the result.
func loadConfig(override func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error("Invalid configuration", err.Error(), []string{
			fmt.Sprintf("Check %s against the documented keys", displayPath(configPath)),
		})
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return nil, printer.Error("Invalid flags", err.Error(), nil)
		}
		if err := cfg.Validate(); err != nil {
			return nil, printer.Error("Invalid configuration", err.Error(), nil)
		}
	}
	return cfg, nil
}

func displayPath(path string) string {
	if path == "" {
		return "the defaults"
	}
	return path
}
