package mmq_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orbiterhq/mmq"
)

// TestConcurrentForcedOverlap points every appender at the same slot before
// each append. Exactly one publication may win each index; the others must
// land elsewhere without losing or duplicating an entry.
func TestConcurrentForcedOverlap(t *testing.T) {
	const (
		appenders = 6
		rounds    = 100
	)
	cfg := mmq.DefaultConfig()
	cfg.Log.Level = "none"
	q, err := mmq.Open(t.TempDir(), "overlap", cfg)
	require.NoError(t, err)
	defer q.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		owner   = make(map[int64]string)
		start   = make(chan struct{})
		handles []*mmq.Appender
	)
	for i := 0; i < appenders; i++ {
		a, err := q.CreateAppender()
		require.NoError(t, err)
		handles = append(handles, a)
	}
	for _, a := range handles {
		wg.Add(1)
		go func(a *mmq.Appender) {
			defer wg.Done()
			<-start
			for i := 0; i < rounds; i++ {
				mmq.SetNextIndex(a, 0)
				payload := fmt.Sprintf("%d/%d", a.AppenderID(), i)
				index, err := a.Append([]byte(payload))
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if prev, taken := owner[index]; taken {
					t.Errorf("index %d published twice: %q and %q", index, prev, payload)
				}
				owner[index] = payload
				mu.Unlock()
			}
		}(a)
	}
	close(start)
	wg.Wait()

	total := appenders * rounds
	require.Len(t, owner, total)
	require.Greater(t, q.Stats().CASRetries, uint64(0))

	r, err := q.CreateReader()
	require.NoError(t, err)
	defer r.Close()
	last, err := r.LastIndex()
	require.NoError(t, err)
	require.Equal(t, int64(total-1), last)
	for index, payload := range owner {
		got, ok, err := r.Read(index)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, payload, string(got))
	}
}
