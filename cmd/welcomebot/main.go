package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrCodeEU/welcomebot/pkg/apperr"
	"github.com/MrCodeEU/welcomebot/pkg/config"
	"github.com/MrCodeEU/welcomebot/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configFile string
	debug      bool
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "welcomebot",
	Short: "Enroll faces under a name and find who is in a photo",
	Long: `WelcomeBot keeps a small face database in a local directory.
Images can be given as a file path or an http(s) URL.

Examples:
  welcomebot add alice ./alice.jpg
  welcomebot add bob https://example.com/bob.jpg
  welcomebot find ./visitor.jpg`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// setup loads configuration and initializes logging before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	// .env file is optional
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return apperr.WrapInput(err, "could not load config")
	}
	if err := cfg.ApplyEnv(); err != nil {
		return apperr.WrapInput(err, "invalid environment")
	}
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return apperr.WrapInput(err, "invalid configuration")
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File, cfg.Logging.Format); err != nil {
		logging.Warnf("Could not initialize file logging: %v", err)
	}

	logging.Debugf("WelcomeBot v%s starting", config.Version)
	logging.Debugf("Config loaded, data dir: %s", cfg.Storage.DataDir)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	defer logging.Close()

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	logging.WithError(err).WithField("kind", apperr.KindOf(err)).Debug("Command failed")
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// argsWithUsage checks the positional argument count and reports the usage
// line as an input error.
func argsWithUsage(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return apperr.Input("expected %d argument(s), got %d\nUsage: %s", n, len(args), cmd.UseLine())
		}
		return nil
	}
}
