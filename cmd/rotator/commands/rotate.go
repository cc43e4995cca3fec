package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	rerrors "github.com/ssgrim/daylight-rotator/internal/errors"
)

// NewRotateCommand runs all four steps with one token.
func NewRotateCommand(g *Globals) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "rotate <secret-id>",
		Short: "Run a complete rotation for a secret",
		Long: `Run createSecret, setSecret, testSecret and finishSecret in order with a
single correlation token, stopping at the first failure.

If a step fails, rerun with the printed token to resume: completed steps
are skipped.`,
		Example: `  # Rotate with a generated token
  rotator rotate db-password

  # Resume an interrupted rotation
  rotator rotate db-password --token 5d0b7c1e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secretID := args[0]
			if token == "" {
				token = uuid.NewString()
			}

			a, err := g.NewApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.Orchestrator.Rotate(cmd.Context(), secretID, token); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Rotation of %s stopped; resume with --token %s\n", secretID, token)
				return rerrors.RotationError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rotated %s to version %s\n", secretID, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Correlation token (default: a new UUID)")
	return cmd
}
