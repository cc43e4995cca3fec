package commands

import (
	"context"
	"errors"
	"io/fs"

	"github.com/ssgrim/daylight-rotator/internal/app"
	"github.com/ssgrim/daylight-rotator/internal/config"
	"github.com/ssgrim/daylight-rotator/internal/logging"
)

// Globals carries the persistent flags shared by every command.
type Globals struct {
	ConfigPath string
	Debug      bool
	NoColor    bool
	Logger     *logging.Logger

	// AppOptions are passed to app.New. Tests use them to inject stores.
	AppOptions []app.Option
}

// LoadConfig reads the configuration file. A missing file at the default
// path falls back to the built-in defaults; a missing file the operator
// named explicitly is an error.
func (g *Globals) LoadConfig() (*config.Config, error) {
	path := g.ConfigPath
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultPath {
		g.logger().Debug("No %s found, using defaults", path)
		return config.Default(), nil
	}
	return nil, err
}

// NewApp loads configuration and wires the application.
func (g *Globals) NewApp(ctx context.Context) (*app.App, error) {
	cfg, err := g.LoadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, g.logger(), g.AppOptions...)
}

func (g *Globals) logger() *logging.Logger {
	if g.Logger == nil {
		g.Logger = logging.New(g.Debug, g.NoColor)
	}
	return g.Logger
}
