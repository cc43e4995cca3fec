package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	rerrors "github.com/ssgrim/daylight-rotator/internal/errors"
	"github.com/ssgrim/daylight-rotator/internal/history"
)

// NewHistoryCommand lists recorded steps.
func NewHistoryCommand(g *Globals) *cobra.Command {
	var (
		secretID string
		limit    int
		format   string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded rotation steps",
		Long: `Show the steps this host has handled, newest first. History is local to
the machine running the rotator; the secret store remains the source of truth.`,
		Example: `  rotator history --secret-id db-password --limit 8
  rotator history --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return rerrors.UserError{
					Message:    fmt.Sprintf("Invalid --format value: %s", format),
					Suggestion: "Valid values are: table, json",
				}
			}
			cfg, err := g.LoadConfig()
			if err != nil {
				return err
			}
			if !cfg.HistoryEnabled() {
				return rerrors.UserError{
					Message:    "History is disabled",
					Suggestion: "Set history.enabled: true in the configuration",
				}
			}
			dir := cfg.History.Dir
			if dir == "" {
				dir = history.DefaultStorageDir()
			}
			store := history.NewFileStorage(dir)

			var entries []history.Entry
			if secretID != "" {
				entries, err = store.GetHistory(secretID, limit)
			} else {
				entries, err = store.GetAllHistory(limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No rotation history found")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TIME\tSECRET\tSTEP\tTOKEN\tOUTCOME\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.StartedAt.Local().Format("2006-01-02 15:04:05"),
					e.SecretID,
					e.Step,
					e.Token,
					e.Outcome,
					e.Duration,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&secretID, "secret-id", "", "Only show steps for this secret")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries (0 for all)")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json")
	return cmd
}
