package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	rerrors "github.com/ssgrim/daylight-rotator/internal/errors"
	"github.com/ssgrim/daylight-rotator/internal/history"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// secretStatus combines the store's stage layout with the local history.
type secretStatus struct {
	rotation.Status `yaml:",inline"`
	History         *history.Summary `json:"history,omitempty" yaml:"history,omitempty"`
}

// NewStatusCommand shows where each secret's rotation stands.
func NewStatusCommand(g *Globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status <secret-id>...",
		Short: "Show rotation status for secrets",
		Long: `Display the stage layout of one or more secrets as the store reports it,
together with the last recorded step from local history.

Phases:
  idle       only a current version exists
  pending    a new version is staged and not yet promoted
  promoted   the last rotation finished; the old version is previous`,
		Example: `  rotator status db-password
  rotator status db-password maps-api-key --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "table", "json", "yaml":
			default:
				return rerrors.UserError{
					Message:    fmt.Sprintf("Invalid --format value: %s", format),
					Suggestion: "Valid values are: table, json, yaml",
				}
			}

			a, err := g.NewApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			statuses := make([]secretStatus, 0, len(args))
			for _, secretID := range args {
				status, err := a.Orchestrator.Describe(cmd.Context(), secretID)
				if err != nil {
					return rerrors.RotationError(err)
				}
				entry := secretStatus{Status: *status}
				if a.History != nil {
					if summary, err := a.History.GetSummary(secretID); err == nil {
						entry.History = summary
					}
				}
				statuses = append(statuses, entry)
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			case "yaml":
				return yaml.NewEncoder(out).Encode(statuses)
			}
			return writeStatusTable(out, statuses, time.Now())
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func writeStatusTable(out io.Writer, statuses []secretStatus, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, "SECRET\tPHASE\tCURRENT\tPENDING\tPREVIOUS\tLAST ROTATION\tLAST STEP")
	fmt.Fprintln(w, "------\t-----\t-------\t-------\t--------\t-------------\t---------")

	for _, s := range statuses {
		lastRotation := "Never"
		lastStep := "-"
		if s.History != nil {
			if s.History.LastRotation != nil {
				lastRotation = formatTimestamp(*s.History.LastRotation, now)
			}
			lastStep = fmt.Sprintf("%s (%s)", s.History.LastStep, s.History.LastOutcome)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.SecretID,
			s.Phase,
			dash(s.Current),
			dash(s.Pending),
			dash(s.Previous),
			lastRotation,
			lastStep,
		)
	}
	return w.Flush()
}

func formatTimestamp(t time.Time, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < 0:
		return t.Format("2006-01-02 15:04")
	case diff < time.Minute:
		return "Just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d min ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hr ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	}
	return t.Format("2006-01-02")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
