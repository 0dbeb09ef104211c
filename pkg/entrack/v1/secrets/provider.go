package secrets

import "context"

// Provider resolves named secrets such as the store DSN referenced by a
// model's connection.dsnEnv setting.
type Provider interface {
	// GetSecret returns the value and true when the secret exists. An error is
	// returned only when the backend itself fails.
	GetSecret(ctx context.Context, key string) (string, bool, error)
}
