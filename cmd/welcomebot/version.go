package main

import (
	"fmt"
	"runtime"

	"github.com/MrCodeEU/welcomebot/pkg/config"
	"github.com/spf13/cobra"
)

// Build metadata, set by -ldflags at compile time.
var (
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  argsWithUsage(0),
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "WelcomeBot v%s\n", config.Version)
		fmt.Fprintln(out, "Face enrollment and lookup from the command line")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Build Information:")
		fmt.Fprintf(out, "  Commit:     %s\n", CommitSHA)
		fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
