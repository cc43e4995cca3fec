package secretstores

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssgrim/daylight-rotator/internal/config"
	"github.com/ssgrim/daylight-rotator/internal/logging"
	"github.com/ssgrim/daylight-rotator/internal/secretstores/memory"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

func TestSecretStoreRegistry(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	t.Run("GetSupportedTypes", func(t *testing.T) {
		assert.Equal(t, []string{"awssm", "memory", "sql"}, registry.GetSupportedTypes())
	})

	t.Run("IsSupported", func(t *testing.T) {
		assert.True(t, registry.IsSupported("memory"))
		assert.True(t, registry.IsSupported("awssm"))
		assert.True(t, registry.IsSupported("sql"))
		assert.False(t, registry.IsSupported("vault"))
	})

	t.Run("CreateSecretStore unknown type", func(t *testing.T) {
		_, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{Type: "vault"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown secret store type")
	})
}

func TestCreateMemoryStoreWithSeeds(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	store, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{
		Type: config.StoreMemory,
		Seed: map[string]string{
			"db-password": `{"username":"app","password":"initial-Passw0rd!"}`,
		},
	}, logging.Discard())
	require.NoError(t, err)
	require.IsType(t, &memory.Store{}, store)

	v, err := store.GetVersion(context.Background(), "db-password", rotation.VersionQuery{Stage: rotation.StageCurrent})
	require.NoError(t, err)
	assert.Equal(t, SeedToken, v.Token)
	assert.Equal(t, rotation.KindPassword, v.Payload.Kind)
}

func TestRegisterOverridesFactory(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	custom := memory.New()
	registry.Register("custom", func(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (rotation.Store, error) {
		return custom, nil
	})

	store, err := registry.CreateSecretStore(context.Background(), config.StoreConfig{Type: "custom"}, nil)
	require.NoError(t, err)
	assert.Same(t, custom, store)
}

func TestCreateSQLStoreRejectsUnknownDatabase(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry().CreateSecretStore(context.Background(), config.StoreConfig{
		Type: config.StoreSQL,
		SQL:  config.SQLStoreConfig{Type: "oracle", DSN: "x"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}
