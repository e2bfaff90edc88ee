package main

import (
	"errors"
	"fmt"

	"github.com/MrCodeEU/welcomebot/pkg/apperr"
	"github.com/MrCodeEU/welcomebot/pkg/logging"
	"github.com/MrCodeEU/welcomebot/pkg/storage"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled people",
	Args:  argsWithUsage(0),
	RunE:  runList,
}

var removeCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a person and their stored images",
	Args:  argsWithUsage(1),
	RunE:  runRemove,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute stored face descriptors from stored images",
	Long: `Run every stored image through the recognizer again and replace the saved
descriptors. Use this after switching models or the CNN detector. Images that
are missing or no longer contain exactly one face keep their old descriptor.`,
	Args: argsWithUsage(0),
	RunE: runReindex,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(reindexCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	logging.Debugf("Listing enrolled people")

	store, err := openStore()
	if err != nil {
		return err
	}
	people, err := store.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to read database: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(people) == 0 {
		fmt.Fprintln(out, "No faces enrolled.")
		return nil
	}

	fmt.Fprintln(out, "Enrolled people:")
	for _, p := range people {
		fmt.Fprintf(out, "  - %s (%d sample(s))\n", p.Name, len(p.Samples))
	}
	fmt.Fprintf(out, "\nTotal: %d person(s)\n", len(people))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	name := args[0]

	if err := storage.ValidateName(name); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	if !store.PersonExists(name) {
		return apperr.Input("'%s' is not enrolled", name)
	}
	if err := store.DeletePerson(name); err != nil {
		if errors.Is(err, storage.ErrPersonNotFound) {
			return apperr.WrapInput(err, "'%s' is not enrolled", name)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Face data for '%s' has been removed.\n", name)
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	svc, release, err := newService(cmd, 0)
	if err != nil {
		return err
	}
	defer release()

	res, err := svc.Reindex(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reindexed %d sample(s) for %d person(s), skipped %d\n",
		res.Updated, res.People, res.Skipped)
	return nil
}
