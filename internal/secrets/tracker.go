package secrets

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

// SecretTracker remembers resolved secret values (DSNs, passwords) so they can
// be scrubbed from log lines and error messages produced by store failures.
type SecretTracker struct {
	mu              sync.RWMutex
	resolvedSecrets map[string]struct{}
}

func NewSecretTracker() *SecretTracker {
	return &SecretTracker{
		resolvedSecrets: make(map[string]struct{}),
	}
}

// Add records a secret value. Empty strings are ignored.
func (t *SecretTracker) Add(secretValue string) {
	if secretValue == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolvedSecrets[secretValue] = struct{}{}
}

// IsTracked reports an exact match.
func (t *SecretTracker) IsTracked(value string) bool {
	if value == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.resolvedSecrets[value]
	return found
}

// ContainsTrackedSecret reports whether input embeds any tracked value.
func (t *SecretTracker) ContainsTrackedSecret(input string) bool {
	if input == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for secret := range t.resolvedSecrets {
		if strings.Contains(input, secret) {
			return true
		}
	}
	return false
}

// Redact replaces every tracked value embedded in input. Longer secrets are
// replaced first so a secret that contains another is not partially leaked.
func (t *SecretTracker) Redact(input string) string {
	if t == nil || input == "" {
		return input
	}
	t.mu.RLock()
	secrets := make([]string, 0, len(t.resolvedSecrets))
	for s := range t.resolvedSecrets {
		secrets = append(secrets, s)
	}
	t.mu.RUnlock()
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	for _, s := range secrets {
		input = strings.ReplaceAll(input, s, redacted)
	}
	return input
}

// RedactError returns err unchanged when its message holds no tracked
// secret, and otherwise a redactedError that still unwraps to err.
func (t *SecretTracker) RedactError(err error) error {
	if err == nil || t == nil {
		return err
	}
	msg := err.Error()
	clean := t.Redact(msg)
	if clean == msg {
		return err
	}
	return &redactedError{msg: clean, cause: err}
}

type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// IsRedacted reports whether err was produced by RedactError.
func IsRedacted(err error) bool {
	var r *redactedError
	return errors.As(err, &r)
}
