package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/streamcache/internal/cli/prompt"
	"github.com/marmos91/streamcache/pkg/config"
	"github.com/marmos91/streamcache/pkg/journal"
)

var (
	cleanAll bool
	cleanYes bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove partial downloads",
	Long: `Remove incomplete partial files and their journal entries.

By default only incomplete sessions are removed; completed files stay in the
cache. Use --all to remove completed downloads as well.

Examples:
  # Remove incomplete partials (asks for confirmation)
  streamcache clean

  # Remove everything, including completed files
  streamcache clean --all

  # Skip the confirmation prompt
  streamcache clean --yes`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Also remove completed downloads")
	cleanCmd.Flags().BoolVarP(&cleanYes, "yes", "y", false, "Skip confirmation prompt")
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		return fmt.Errorf("failed to open session journal: %w", err)
	}
	defer func() { _ = j.Close() }()

	entries, err := j.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var victims []journal.Entry
	for _, e := range entries {
		if cleanAll || !e.Completed {
			victims = append(victims, e)
		}
	}

	if len(victims) == 0 {
		fmt.Println("Nothing to clean.")
		return nil
	}

	what := "incomplete download(s)"
	if cleanAll {
		what = "download(s)"
	}
	if !cleanYes {
		ok, err := prompt.Confirm(fmt.Sprintf("Remove %d %s", len(victims), what), false)
		if err != nil {
			if prompt.IsAborted(err) {
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}
	}

	removed := 0
	for _, e := range victims {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: could not remove %s: %v\n", e.Path, err)
			continue
		}
		if err := j.Delete(e.URL); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not remove journal entry for %s: %v\n", e.URL, err)
			continue
		}
		removed++
	}

	fmt.Printf("Removed %d %s\n", removed, what)
	return nil
}
