// Package secretstores builds the configured rotation.Store.
package secretstores

import (
	"context"
	"fmt"
	"sort"

	"github.com/ssgrim/daylight-rotator/internal/config"
	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/internal/secretstores/awssm"
	"github.com/ssgrim/daylight-rotator/internal/secretstores/memory"
	"github.com/ssgrim/daylight-rotator/internal/secretstores/sqlstore"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// SeedToken is the version token given to values seeded from configuration.
const SeedToken = "seed"

// Factory creates a store from its configuration.
type Factory func(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (rotation.Store, error)

// Registry manages secret store creation and registration
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a new secret store registry with built-in secret stores
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(config.StoreMemory, newMemoryStore)
	r.Register(config.StoreAWSSM, newAWSStore)
	r.Register(config.StoreSQL, newSQLStore)
	return r
}

// Register adds or replaces the factory for storeType.
func (r *Registry) Register(storeType string, factory Factory) {
	r.factories[storeType] = factory
}

// CreateSecretStore creates a secret store instance from configuration
func (r *Registry) CreateSecretStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (rotation.Store, error) {
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown secret store type: %s", cfg.Type)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	store, err := factory(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Type, err)
	}
	return store, nil
}

// GetSupportedTypes returns a list of supported secret store types
func (r *Registry) GetSupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for storeType := range r.factories {
		types = append(types, storeType)
	}
	sort.Strings(types)
	return types
}

// IsSupported checks if a secret store type is supported
func (r *Registry) IsSupported(storeType string) bool {
	_, ok := r.factories[storeType]
	return ok
}

func newMemoryStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (rotation.Store, error) {
	store := memory.New()
	for secretID, raw := range cfg.Seed {
		store.Seed(secretID, SeedToken, raw)
		logger.Debug("Seeded %s in the memory store", secretID)
	}
	return store, nil
}

func newAWSStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (rotation.Store, error) {
	return awssm.New(ctx, cfg.AWS, awssm.WithLogger(logger))
}

func newSQLStore(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (rotation.Store, error) {
	store, err := sqlstore.Open(cfg.SQL.Type, cfg.SQL.DSN, logger)
	if err != nil {
		return nil, err
	}
	if cfg.SQL.Migrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	for secretID, raw := range cfg.Seed {
		err := store.Seed(ctx, secretID, SeedToken, raw)
		switch {
		case err == nil:
			logger.Debug("Seeded %s in the sql store", secretID)
		case rotation.IsKind(err, rotation.ErrAlreadyExists):
			// Seeds only apply to secrets the database does not know yet.
		default:
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}
