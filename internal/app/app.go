// Package app assembles a rotation.Orchestrator and its collaborators from a
// loaded configuration. Both the CLI and the HTTP trigger start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ssgrim/daylight-rotator/internal/config"
	"github.com/ssgrim/daylight-rotator/internal/history"
	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/internal/metrics"
	"github.com/ssgrim/daylight-rotator/internal/propagation"
	"github.com/ssgrim/daylight-rotator/internal/secretstores"
	"github.com/ssgrim/daylight-rotator/internal/validation"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Store        rotation.Store
	Orchestrator *rotation.Orchestrator
	Validator    *validation.Router
	Updater      propagation.Updater

	// Metrics and History are nil when disabled.
	Metrics *metrics.Metrics
	History *history.FileStorage

	closers []io.Closer
}

// Option customises assembly.
type Option func(*options)

type options struct {
	store      rotation.Store
	registry   *secretstores.Registry
	httpClient *http.Client
	now        func() time.Time
}

// WithStore uses store instead of building one from configuration.
func WithStore(store rotation.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithRegistry builds the store through a custom registry.
func WithRegistry(registry *secretstores.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithHTTPClient sets the client used by HTTP probes and webhooks.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithClock overrides the orchestrator clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New wires every component named in cfg.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, Logger: logger}

	if cfg.MetricsEnabled() {
		a.Metrics = metrics.New(nil)
	}

	if cfg.HistoryEnabled() {
		dir := cfg.History.Dir
		if dir == "" {
			dir = history.DefaultStorageDir()
		}
		a.History = history.NewFileStorage(dir)
		if cfg.History.RetentionDays > 0 {
			retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
			if err := a.History.CleanupOldEntries(retention); err != nil {
				logger.Warn("History cleanup failed: %v", err)
			}
		}
	}

	store := o.store
	if store == nil {
		registry := o.registry
		if registry == nil {
			registry = secretstores.NewRegistry()
		}
		var err error
		store, err = registry.CreateSecretStore(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
		if c, ok := store.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
	}
	a.Store = store

	generator, err := rotation.NewGenerator(cfg.Generator.Lengths)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("generator: %w", err)
	}

	a.Validator, err = buildValidator(cfg.Validation, logger, a.validationObserver(), o.httpClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Updater, err = buildUpdater(ctx, cfg.Propagation, logger, o.httpClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	orchOpts := rotation.Options{
		Store:              store,
		Generator:          generator,
		Validator:          a.Validator,
		Updater:            a.Updater,
		Logger:             logger,
		VerifyBeforeFinish: cfg.Orchestrator.VerifyBeforeFinish,
		Now:                o.now,
	}
	if a.History != nil {
		orchOpts.Recorder = a.History
	}
	if a.Metrics != nil {
		orchOpts.Observer = a.Metrics
	}
	a.Orchestrator, err = rotation.NewOrchestrator(orchOpts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the store connection, if any.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) validationObserver() validation.ValidationObserver {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics
}

func buildValidator(cfg config.ValidationConfig, logger *logging.Logger, observer validation.ValidationObserver, client *http.Client) (*validation.Router, error) {
	generic, err := validation.NewCredentialValidator(cfg.MinLengths, cfg.Formats)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	router, err := validation.NewRouter(generic, logger, observer)
	if err != nil {
		return nil, err
	}

	for _, t := range cfg.Targets {
		var probe validation.Probe
		switch {
		case t.HTTP != nil:
			p, err := validation.NewHTTPProbe(t.Name, validation.HTTPProbeConfig{
				URL:                 t.HTTP.ProbeURL,
				Method:              t.HTTP.Method,
				AcceptedStatusCodes: t.HTTP.AcceptedStatusCodes,
				DeniedStatusCodes:   t.HTTP.DeniedStatusCodes,
				CredentialHeader:    t.HTTP.CredentialHeader,
				CredentialFormat:    t.HTTP.CredentialFormat,
				CredentialQuery:     t.HTTP.CredentialQuery,
				Headers:             t.HTTP.Headers,
				Timeout:             t.Timeout(),
			})
			if err != nil {
				return nil, err
			}
			if client != nil {
				p.SetClient(client)
			}
			probe = p
		case t.SQL != nil:
			p, err := validation.NewSQLProbe(t.Name, validation.SQLProbeConfig{
				Type:     t.SQL.Type,
				Host:     t.SQL.Host,
				Port:     t.SQL.Port,
				Database: t.SQL.Database,
				Username: t.SQL.Username,
				SSLMode:  t.SQL.SSLMode,
				Timeout:  t.Timeout(),
			})
			if err != nil {
				return nil, err
			}
			probe = p
		default:
			return nil, fmt.Errorf("validation target %s has no probe", t.Name)
		}

		if err := router.Add(validation.Target{
			Pattern:           t.Pattern,
			Kind:              t.Kind,
			Probe:             probe,
			AcceptUnreachable: !t.FailsOnUnreachable(),
		}); err != nil {
			return nil, err
		}
		logger.Debug("Registered validation target %s", t.Name)
	}
	return router, nil
}

func buildUpdater(ctx context.Context, cfgs []config.PropagationConfig, logger *logging.Logger, client *http.Client) (propagation.Updater, error) {
	updaters := make([]propagation.Updater, 0, len(cfgs))
	for i, c := range cfgs {
		switch c.Type {
		case config.UpdaterLog, "":
			updaters = append(updaters, propagation.NewLog(logger))
		case config.UpdaterWebhook:
			w, err := propagation.NewWebhook(propagation.WebhookConfig{
				URL:     c.URL,
				Secret:  c.Secret,
				Headers: c.Headers,
				Timeout: time.Duration(c.TimeoutMs) * time.Millisecond,
				Retry:   propagation.RetryConfig{MaxAttempts: c.MaxAttempts},
			})
			if err != nil {
				return nil, fmt.Errorf("propagation[%d]: %w", i, err)
			}
			if client != nil {
				w.SetClient(client)
			}
			updaters = append(updaters, w)
		case config.UpdaterSSM:
			s, err := propagation.NewSSM(ctx, propagation.SSMConfig{
				Settings: c.AWS,
				Path:     c.Path,
				Fields:   c.Fields,
				KMSKeyID: c.KMSKeyID,
			}, propagation.WithSSMLogger(logger))
			if err != nil {
				return nil, fmt.Errorf("propagation[%d]: %w", i, err)
			}
			updaters = append(updaters, s)
		default:
			return nil, fmt.Errorf("propagation[%d]: unsupported type %q", i, c.Type)
		}
	}

	switch len(updaters) {
	case 0:
		return propagation.NewLog(logger), nil
	case 1:
		return updaters[0], nil
	}
	return propagation.NewMulti(updaters...), nil
}
