package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	rerrors "github.com/ssgrim/daylight-rotator/internal/errors"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// NewStepCommand runs a single lifecycle step, the way a scheduler would.
func NewStepCommand(g *Globals) *cobra.Command {
	var (
		step     string
		secretID string
		token    string
	)

	cmd := &cobra.Command{
		Use:   "step",
		Short: "Run one rotation step for a secret",
		Long: `Run one step of the rotation lifecycle against the configured store.

Steps, in the order a scheduler calls them:
  createSecret   stage a new pending version under the token
  setSecret      propagate the pending value to configured targets
  testSecret     validate the pending value against the target system
  finishSecret   promote the pending version to current

Every step is safe to repeat with the same token.`,
		Example: `  # Stage a new version of the maps API key
  rotator step --step createSecret --secret-id maps-api-key --token 2f1c...

  # Promote it once testSecret passed
  rotator step --step finishSecret --secret-id maps-api-key --token 2f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.NewApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			req := rotation.StepRequest{Step: rotation.Step(step), SecretID: secretID, Token: token}
			if err := a.Orchestrator.HandleStep(cmd.Context(), req); err != nil {
				return rerrors.RotationError(err)
			}
			parsed, _ := rotation.ParseStep(step)
			fmt.Fprintf(cmd.OutOrStdout(), "%s completed for %s (token %s)\n", parsed, secretID, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&step, "step", "", "Step to run: createSecret, setSecret, testSecret, finishSecret (required)")
	cmd.Flags().StringVar(&secretID, "secret-id", "", "Secret identifier (required)")
	cmd.Flags().StringVar(&token, "token", "", "Correlation token naming the new version (required)")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("secret-id")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}
