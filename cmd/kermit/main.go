package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roman-kulish/kermit/cmd/kermit/app"
	"github.com/roman-kulish/kermit/internal/fusion"
)

const Version = "0.3.0"

var (
	configPath string
	outputPath string
	format     string
)

var rootCmd = &cobra.Command{
	Use:           "kermit",
	Short:         "Map radio signal strength against GPS position",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect geotagged signal strength records",
	RunE:  func(cmd *cobra.Command, args []string) error { return collect() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run:   func(cmd *cobra.Command, args []string) { fmt.Printf("kermit version %s\n", Version) },
}

func init() {
	collectCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	collectCmd.Flags().StringVarP(&outputPath, "output-file", "o", "", "Output file without extension, overrides the configuration file")
	collectCmd.Flags().StringVarP(&format, "format", "f", "", "Output format, overrides the configuration file. [csv, sqlite]")

	rootCmd.AddCommand(collectCmd, versionCmd)
}

var logLevel slog.LevelVar

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

func collect() error {
	config := app.NewConfig()
	if configPath != "" {
		var err error
		if config, err = app.LoadConfig(configPath); err != nil {
			return fmt.Errorf("failed to load configuration file '%s': %w", configPath, err)
		}
	}

	if outputPath != "" {
		config.Storage.Path = outputPath
	}
	if format != "" {
		config.Storage.Format = app.StorageFormat(format)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	logLevel.Set(config.Settings.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx, config, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err.Error(), errorAttrs(err)...)
		os.Exit(1)
	}
}

func errorAttrs(err error) []any {
	var fatal *fusion.FatalError
	if !errors.As(err, &fatal) {
		return nil
	}
	return []any{slog.String("device", string(fatal.Device)), slog.Int("attempts", fatal.Attempts)}
}
