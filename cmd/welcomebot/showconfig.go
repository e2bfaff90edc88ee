package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Long: `Print the effective configuration after the config file, .env and
WELCOMEBOT_* environment variables have been applied.

Configuration locations:
  Project: ./welcomebot.yaml
  User:    ~/.config/welcomebot/welcomebot.yaml

Use --config to specify a custom config file.`,
	Args: argsWithUsage(0),
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().Bool("yaml", false, "Print the configuration as YAML")
}

func runConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if mustGetBool(cmd, "yaml") {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		_, err = out.Write(data)
		return err
	}

	fmt.Fprintln(out, "Current Configuration:")
	fmt.Fprintln(out, "======================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[Recognition]")
	fmt.Fprintf(out, "  Tolerance:       %.2f\n", cfg.Recognition.Tolerance)
	fmt.Fprintf(out, "  Model Path:      %s\n", cfg.Recognition.ModelPath)
	fmt.Fprintf(out, "  CNN Detector:    %t\n", cfg.Recognition.UseCNN)
	fmt.Fprintf(out, "  Max Image Size:  %d\n", cfg.Recognition.MaxImageSize)
	fmt.Fprintf(out, "  Max Matches:     %d\n", cfg.Recognition.MaxMatches)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[Storage]")
	fmt.Fprintf(out, "  Data Dir:        %s\n", cfg.Storage.DataDir)
	fmt.Fprintf(out, "  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
	fmt.Fprintf(out, "  Keep Images:     %t\n", cfg.Storage.KeepImages)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[Fetch]")
	fmt.Fprintf(out, "  Timeout:         %s\n", cfg.Fetch.Timeout)
	fmt.Fprintf(out, "  Max Bytes:       %d\n", cfg.Fetch.MaxBytes)
	fmt.Fprintf(out, "  User Agent:      %s\n", cfg.Fetch.UserAgent)
	fmt.Fprintf(out, "  Show Progress:   %t\n", cfg.Fetch.ShowProgress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "[Logging]")
	fmt.Fprintf(out, "  Level:           %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  File:            %s\n", cfg.Logging.File)
	fmt.Fprintf(out, "  Format:          %s\n", cfg.Logging.Format)

	return nil
}
