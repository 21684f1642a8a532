package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rollo/gantry/internal/config"
	"github.com/rollo/gantry/internal/daemon"
	"github.com/rollo/gantry/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gantry daemon in the foreground",
	Long: `Run the gantry daemon in the foreground.
The daemon serves the Anthropic-compatible API until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, version)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}

	pidFile := getPIDFilePath()
	if err := writePIDFile(pidFile); err != nil {
		log.Warn().Err(err).Str("path", pidFile).Msg("Failed to write PID file")
	} else {
		defer os.Remove(pidFile)
	}

	d.Wait()
	return nil
}
