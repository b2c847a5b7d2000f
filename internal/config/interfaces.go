package config

import "context"

// SecretProvider resolves secret values by path. SSM backs it outside local
// development; the environment backs it locally.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every key it could
	// resolve. Implementations batch internally to respect API limits.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
