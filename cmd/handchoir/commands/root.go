package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ayusman/handchoir/internal/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "handchoir",
	Short: "Conduct a four-part choir with your hands",
	Long: `handchoir - gesture controlled choir.

Raise or lower the fingertip of your control hand to pick a melody note.
Each note is harmonized into soprano, alto, tenor and bass and sung by a
formant synthesizer. The other hand's height sets the master volume.

Configuration is read from an optional YAML file (--config) and from
HANDCHOIR_* environment variables. A .env file in the working directory is
loaded first.

Examples:
  # Perform with the default camera and the built-in harmonizer
  handchoir run

  # Control pitch with the left hand and show the tray menu
  handchoir run --control-hand left --tray

  # Answer harmony requests for other performers
  handchoir serve-harmony --embedded`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadDotEnv()
	},
	RunE: runPerform,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	addRunFlags(rootCmd)
}

// loadDotEnv loads .env from the working directory. A missing file is fine.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: .env: %v\n", err)
	}
}

// loadConfig reads the config file and environment, then applies the global
// flags. Callers that change fields afterwards must Validate again.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}
