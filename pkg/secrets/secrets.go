package secrets

import (
	"os"
	"sort"
	"strings"

	"github.com/stackd/stackd/pkg/errors"
	"github.com/stackd/stackd/pkg/spec"
)

// Store resolves secret values by name. Credential provisioning is a
// required external collaborator: stack files carry secret names, never
// literal values.
type Store interface {
	Resolve(name string) (string, error)
}

// envStore resolves secrets from the supervisor's own environment,
// looking up STACKD_SECRET_<NAME> with the name upper-cased
type envStore struct {
	prefix string
}

// NewEnvStore returns a Store backed by environment variables
func NewEnvStore() Store {
	return &envStore{prefix: "STACKD_SECRET_"}
}

func (s *envStore) Resolve(name string) (string, error) {
	key := s.prefix + strings.ToUpper(name)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.NewNotFoundError("secret not found", nil).
			WithContext("secret", name).
			WithContext("environment_key", key)
	}
	return value, nil
}

// StaticStore is a fixed name-to-value map, used in tests
type StaticStore map[string]string

func (s StaticStore) Resolve(name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", errors.NewNotFoundError("secret not found", nil).WithContext("secret", name)
	}
	return value, nil
}

// BuildEnvironment produces the full KEY=VALUE environment for a
// service spawn: declared plain entries plus resolved secret
// references, in deterministic key order. A missing secret fails the
// whole build; no partial environment is returned.
func BuildEnvironment(store Store, start spec.StartConfig) ([]string, error) {
	env := make([]string, 0, len(start.Environment)+len(start.Secrets))
	env = append(env, start.Environment...)

	keys := make([]string, 0, len(start.Secrets))
	for key := range start.Secrets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value, err := store.Resolve(start.Secrets[key])
		if err != nil {
			return nil, errors.NewValidationError("failed to resolve secret reference", err).
				WithContext("environment_key", key).
				WithContext("secret", start.Secrets[key])
		}
		env = append(env, key+"="+value)
	}

	return env, nil
}
