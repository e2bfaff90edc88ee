package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:   "add <name> <image_path_or_url>",
	Short: "Enroll the face in an image under a name",
	Long: `Detect the single face in an image and store it in the face database
under the given name. Adding more images for the same name improves matching.

The image may be a local file or an http(s) URL. Images from a URL are stored
as <name>_<n><ext>.`,
	Args: argsWithUsage(2),
	RunE: runAdd,
}

func init() {
	rootCmd.AddCommand(addCmd)
}

func runAdd(cmd *cobra.Command, args []string) error {
	name, ref := args[0], args[1]

	svc, release, err := newService(cmd, 0)
	if err != nil {
		return err
	}
	defer release()

	res, err := svc.Add(cmd.Context(), name, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %s to database for %s\n", res.Image, res.Name)
	return nil
}
