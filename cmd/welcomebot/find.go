package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/MrCodeEU/welcomebot/pkg/welcome"
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find <image_path_or_url>",
	Short: "Find who is in an image",
	Long: `Search the face database for the largest face in an image and print the
enrolled people within tolerance, closest first.

Finding nobody is not an error: "No match" is printed and the exit code is 0.`,
	Args: argsWithUsage(1),
	RunE: runFind,
}

func init() {
	rootCmd.AddCommand(findCmd)

	findCmd.Flags().Bool("json", false, "Output the result as JSON")
	findCmd.Flags().Int("limit", 0, "Maximum number of matches to print (0 = use config)")
}

func runFind(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	svc, release, err := newService(cmd, mustGetInt(cmd, "limit"))
	if err != nil {
		return err
	}
	defer release()

	res, err := svc.Find(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printFindResult(cmd.OutOrStdout(), res)
	return nil
}

func printFindResult(w io.Writer, res *welcome.FindResult) {
	best := res.Best()
	if best == nil {
		fmt.Fprintln(w, "No match found in database.")
		return
	}

	fmt.Fprintf(w, "Best match: %s (distance: %.4f)\n", best.Name, best.Distance)
	fmt.Fprintf(w, "\nFound %d match(es):\n", len(res.Matches))
	for _, m := range res.Matches {
		fmt.Fprintf(w, "  - %s (distance: %.4f)\n", m.Name, m.Distance)
	}
}
