package config

import "context"

// SecretProvider resolves secret references (vault paths, parameter names)
// to plaintext values. Only references that resolve are returned.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
