package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves secrets straight from the process environment.
// Used in local mode where .env supplies everything.
type EnvVarProvider struct {
	lookup envLookup
}

// NewEnvVarProvider creates a new EnvVarProvider backed by os.LookupEnv.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

// GetParametersBatch returns only the keys present in the environment.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := p.lookup(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
