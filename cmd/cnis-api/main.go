// Command cnis-api serves CNIS PDF text extraction over HTTP and extracts
// documents from the command line.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/equipe-eprev/cnis-extractor-api/internal/config"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
	"github.com/equipe-eprev/cnis-extractor-api/services/cnis"
)

func main() {
	Execute()
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:          "cnis-api",
		Short:        "CNIS PDF text extraction API",
		Version:      cnis.Version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before the environment")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format (json, text)")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newExtractCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// load reads the configuration and applies the logging flags on top of it.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

func (f *globalFlags) logger(cfg *config.Config) *logging.Logger {
	return logging.New(cnis.ServiceID, cfg.Log.Level, cfg.Log.Format)
}
