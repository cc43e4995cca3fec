package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ssgrim/daylight-rotator/cmd/rotator/commands"
	rerrors "github.com/ssgrim/daylight-rotator/internal/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if rerrors.IsRetryable(err) {
			os.Exit(75) // EX_TEMPFAIL
		}
		os.Exit(1)
	}
}

func run() error {
	g := &commands.Globals{}
	root := commands.NewRootCommand(g, fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	return root.ExecuteContext(context.Background())
}
