package secrets

import (
	"testing"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("STACKD_SECRET_DB_PASSWORD", "hunter2")

	store := NewEnvStore()

	value, err := store.Resolve("db_password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)

	_, err = store.Resolve("missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStaticStore(t *testing.T) {
	store := StaticStore{"token": "abc123"}

	value, err := store.Resolve("token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", value)

	_, err = store.Resolve("other")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestBuildEnvironment(t *testing.T) {
	t.Run("plain entries plus resolved secrets", func(t *testing.T) {
		store := StaticStore{"db_password": "hunter2", "api_token": "abc123"}
		start := spec.StartConfig{
			Environment: []string{"PORT=8080"},
			Secrets: map[string]string{
				"PGPASSWORD": "db_password",
				"API_TOKEN":  "api_token",
			},
		}

		env, err := BuildEnvironment(store, start)
		require.NoError(t, err)
		// secrets appended in sorted key order after plain entries
		assert.Equal(t, []string{
			"PORT=8080",
			"API_TOKEN=abc123",
			"PGPASSWORD=hunter2",
		}, env)
	})

	t.Run("missing secret fails the whole build", func(t *testing.T) {
		store := StaticStore{}
		start := spec.StartConfig{
			Environment: []string{"PORT=8080"},
			Secrets:     map[string]string{"API_TOKEN": "missing"},
		}

		env, err := BuildEnvironment(store, start)
		require.Error(t, err)
		assert.Nil(t, env, "no partial environment on failure")
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("no secrets", func(t *testing.T) {
		env, err := BuildEnvironment(StaticStore{}, spec.StartConfig{
			Environment: []string{"A=1", "B=2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"A=1", "B=2"}, env)
	})
}
