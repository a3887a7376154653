package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marmos91/streamcache/internal/bytesize"
	"github.com/marmos91/streamcache/internal/cli/output"
	"github.com/marmos91/streamcache/pkg/config"
	"github.com/marmos91/streamcache/pkg/journal"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cached download sessions",
	Long: `Display the download sessions recorded in the journal: completed
files and partial downloads that the next fetch will resume.

Examples:
  # List sessions as a table
  streamcache status

  # Output as JSON
  streamcache status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(statusOutput)
	if err != nil {
		return err
	}

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

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, entries)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, entries)
	default:
		return printSessionTable(entries)
	}
}

func printSessionTable(entries []journal.Entry) error {
	if len(entries) == 0 {
		fmt.Println("No download sessions recorded.")
		return nil
	}

	table := output.NewTableData("URL", "STATE", "DOWNLOADED", "EXPECTED", "UPDATED")
	for _, e := range entries {
		state := "partial"
		if e.Completed {
			state = "completed"
		}
		expected := "-"
		if e.ExpectedSize > 0 {
			expected = bytesize.ByteSize(e.ExpectedSize).String()
		}
		table.AddRow(
			e.URL,
			state,
			bytesize.ByteSize(e.Downloaded).String(),
			expected,
			e.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return output.PrintTable(os.Stdout, table)
}
