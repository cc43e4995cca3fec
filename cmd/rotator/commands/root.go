package commands

import (
	"github.com/spf13/cobra"

	"github.com/ssgrim/daylight-rotator/internal/config"
	"github.com/ssgrim/daylight-rotator/internal/logging"
)

// NewRootCommand builds the rotator command tree around g.
func NewRootCommand(g *Globals, version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "rotator",
		Short: "Rotate credentials through a four-step staged lifecycle",
		Long: `rotator replaces API keys, tokens and passwords without downtime. Each
rotation stages a new version, propagates it, validates it against the
target system and only then promotes it, leaving the old value as previous.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.Logger == nil {
				g.Logger = logging.New(g.Debug, g.NoColor)
			}
		},
	}

	root.PersistentFlags().StringVar(&g.ConfigPath, "config", config.DefaultPath, "Config file path")
	root.PersistentFlags().BoolVar(&g.NoColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&g.Debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		NewStepCommand(g),
		NewRotateCommand(g),
		NewStatusCommand(g),
		NewHistoryCommand(g),
		NewServeCommand(g),
	)
	return root
}
