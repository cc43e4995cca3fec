package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssgrim/daylight-rotator/internal/server"
)

// NewServeCommand runs the HTTP trigger endpoint.
func NewServeCommand(g *Globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept rotation step triggers over HTTP",
		Long: `Serve the rotation engine over HTTP until interrupted.

Endpoints:
  POST /v1/rotation/steps               run one step ({"step","secretId","correlationToken"})
  GET  /v1/secrets/{secretId}/stages    stage layout of a secret
  GET  /v1/secrets/{secretId}/history   recorded steps, when history is enabled
  GET  /metrics                         Prometheus metrics, when enabled
  GET  /health                          liveness`,
		Example: `  rotator serve --addr 127.0.0.1:9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.NewApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			cfg := a.Config.Server
			if addr != "" {
				cfg.Addr = addr
			}

			var opts []server.Option
			if a.Metrics != nil {
				opts = append(opts, server.WithMetrics(a.Metrics))
			}
			if a.History != nil {
				opts = append(opts, server.WithHistory(a.History))
			}
			srv := server.New(server.Config{
				Addr:         cfg.Addr,
				ReadTimeout:  time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
				WriteTimeout: time.Duration(cfg.WriteTimeoutMs) * time.Millisecond,
			}, a.Orchestrator, a.Logger, opts...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, else :8080)")
	return cmd
}
