package secrets_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gxo-labs/entrack/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndIsTracked(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("s3cr3t")
	tracker.Add("")

	assert.True(t, tracker.IsTracked("s3cr3t"))
	assert.False(t, tracker.IsTracked("s3cr3"))
	assert.False(t, tracker.IsTracked(""))
}

func TestContainsTrackedSecret(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	assert.False(t, tracker.ContainsTrackedSecret("postgres://u:pw@host/db"))

	tracker.Add("pw")
	assert.True(t, tracker.ContainsTrackedSecret("postgres://u:pw@host/db"))
	assert.False(t, tracker.ContainsTrackedSecret(""))
}

func TestRedactPrefersLongestSecret(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("pass")
	tracker.Add("password123")

	got := tracker.Redact("dsn=user:password123@db")
	assert.Equal(t, "dsn=user:[REDACTED]@db", got)
}

func TestRedactError(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	tracker.Add("hunter2")
	base := errors.New("dial user:hunter2@db failed")

	err := tracker.RedactError(base)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.True(t, errors.Is(err, base))
	assert.True(t, secrets.IsRedacted(err))

	plain := errors.New("nothing to hide")
	assert.Same(t, plain, tracker.RedactError(plain))
	assert.NoError(t, tracker.RedactError(nil))
}

func TestEnvProviderTracksResolvedValues(t *testing.T) {
	t.Setenv("ENTRACK_TEST_DSN", "file:test.db?_pragma=key(abc)")
	tracker := secrets.NewSecretTracker()
	p := secrets.NewEnvProvider(tracker)

	v, ok, err := p.GetSecret(context.Background(), "ENTRACK_TEST_DSN")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "file:test.db?_pragma=key(abc)", v)
	assert.True(t, tracker.IsTracked(v))

	_, ok, err = p.GetSecret(context.Background(), "ENTRACK_TEST_DSN_MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrackerConcurrency(t *testing.T) {
	tracker := secrets.NewSecretTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tracker.Add(fmt.Sprintf("secret-%d", i))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = tracker.Redact(fmt.Sprintf("value secret-%d", i))
		}(i)
	}
	wg.Wait()
	assert.True(t, tracker.IsTracked("secret-49"))
}
