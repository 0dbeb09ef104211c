package config

import "time"

const (
	// DefaultRefreshBatchSize bounds the number of keys per refresh query.
	DefaultRefreshBatchSize = 250
	DefaultMergeOption      = "appendOnly"
	DefaultDriver           = "memory"
	defaultOpenDelay        = 200 * time.Millisecond
)

// MergeOptionName returns the configured default merge option.
func (m *Model) MergeOptionName() string {
	if m.Context != nil && m.Context.DefaultMergeOption != "" {
		return m.Context.DefaultMergeOption
	}
	return DefaultMergeOption
}

// RefreshBatchSize returns the configured batch size, or 250.
func (m *Model) RefreshBatchSize() int {
	if m.Context != nil && m.Context.RefreshBatchSize != nil && *m.Context.RefreshBatchSize > 0 {
		return *m.Context.RefreshBatchSize
	}
	return DefaultRefreshBatchSize
}

// DetectChangesBeforeSave defaults to true.
func (m *Model) DetectChangesBeforeSave() bool {
	if m.Context != nil && m.Context.SaveOptions != nil && m.Context.SaveOptions.DetectChangesBeforeSave != nil {
		return *m.Context.SaveOptions.DetectChangesBeforeSave
	}
	return true
}

// AcceptAllChangesAfterSave defaults to true.
func (m *Model) AcceptAllChangesAfterSave() bool {
	if m.Context != nil && m.Context.SaveOptions != nil && m.Context.SaveOptions.AcceptAllChangesAfterSave != nil {
		return *m.Context.SaveOptions.AcceptAllChangesAfterSave
	}
	return true
}

// Driver returns the store driver, defaulting to the in-memory store.
func (m *Model) Driver() string {
	if m.Connection != nil && m.Connection.Driver != "" {
		return m.Connection.Driver
	}
	return DefaultDriver
}

// OpenRetry returns the attempts and base delay for opening the store
// connection. An unparsable delay falls back to the default.
func (m *Model) OpenRetry() (int, time.Duration) {
	attempts, delay := 1, defaultOpenDelay
	if m.Connection == nil {
		return attempts, delay
	}
	if m.Connection.OpenAttempts > 0 {
		attempts = m.Connection.OpenAttempts
	}
	if m.Connection.OpenDelay != "" {
		if d, err := time.ParseDuration(m.Connection.OpenDelay); err == nil && d >= 0 {
			delay = d
		}
	}
	return attempts, delay
}
