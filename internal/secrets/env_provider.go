package secrets

import (
	"context"
	"os"

	entracksecrets "github.com/gxo-labs/entrack/pkg/entrack/v1/secrets"
)

// EnvProvider resolves secrets such as the store DSN from environment
// variables.
type EnvProvider struct {
	tracker *SecretTracker
}

// NewEnvProvider creates a provider. Resolved values are recorded in tracker
// when it is non-nil so they can be redacted from logs and errors.
func NewEnvProvider(tracker *SecretTracker) *EnvProvider {
	return &EnvProvider{tracker: tracker}
}

func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := os.LookupEnv(key)
	if found && p.tracker != nil {
		p.tracker.Add(value)
	}
	return value, found, nil
}

var _ entracksecrets.Provider = (*EnvProvider)(nil)
