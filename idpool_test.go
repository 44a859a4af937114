package mmq

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T, max int) *BitsetPool {
	t.Helper()
	pool, err := OpenBitsetPool(filepath.Join(t.TempDir(), "ids"), max)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestBitsetPoolFourAppenders(t *testing.T) {
	pool := openTestPool(t, 4)

	var ids []int
	for i := 0; i < 4; i++ {
		id, err := pool.Acquire()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if diff := cmp.Diff([]int{0, 1, 2, 3}, ids); diff != "" {
		t.Fatalf("acquired ids mismatch (-want +got):\n%s", diff)
	}

	_, err := pool.Acquire()
	require.ErrorIs(t, err, ErrExhaustedPool)

	require.True(t, pool.Release(2))
	id, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, 2, id)
}

func TestBitsetPoolReleaseIdempotent(t *testing.T) {
	pool := openTestPool(t, Pool64)

	id, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, 1, pool.OpenAppenders())

	require.True(t, pool.Release(id))
	require.False(t, pool.Release(id))
	require.False(t, pool.Release(-1))
	require.False(t, pool.Release(Pool64))
	require.Equal(t, 0, pool.OpenAppenders())
}

func TestBitsetPoolConcurrentAcquire(t *testing.T) {
	const workers = 200
	pool := openTestPool(t, Pool256)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := pool.Acquire()
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers)
	for id, n := range seen {
		require.Equal(t, 1, n, "id %d handed out %d times", id, n)
	}
	require.Equal(t, workers, pool.OpenAppenders())
	require.Len(t, pool.AcquiredIDs(), workers)
}

func TestBitsetPoolSharedFile(t *testing.T) {
	// Two handles on one file stand in for two processes.
	path := filepath.Join(t.TempDir(), "ids")
	first, err := OpenBitsetPool(path, Pool64)
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenBitsetPool(path, Pool64)
	require.NoError(t, err)
	defer second.Close()

	var wg sync.WaitGroup
	results := make(chan int, Pool64)
	for _, pool := range []*BitsetPool{first, second} {
		wg.Add(1)
		go func(pool *BitsetPool) {
			defer wg.Done()
			for i := 0; i < Pool64/2; i++ {
				id, err := pool.Acquire()
				if err != nil {
					t.Error(err)
					return
				}
				results <- id
			}
		}(pool)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for id := range results {
		require.False(t, seen[id], "id %d acquired twice", id)
		seen[id] = true
	}
	require.Len(t, seen, Pool64)

	_, err = second.Acquire()
	require.ErrorIs(t, err, ErrExhaustedPool)
	require.True(t, first.Release(7))
	id, err := second.Acquire()
	require.NoError(t, err)
	require.Equal(t, 7, id)
}

func TestBitsetPoolFileSize(t *testing.T) {
	require.Equal(t, int64(8), PoolFileSize(Pool64))
	require.Equal(t, int64(32), PoolFileSize(Pool256))
	require.Equal(t, int64(8), PoolFileSize(4))

	path := filepath.Join(t.TempDir(), "ids")
	pool, err := OpenBitsetPool(path, Pool256)
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(32), stat.Size())

	_, err = OpenBitsetPool(path, Pool64)
	require.ErrorIs(t, err, ErrIncompatible)

	_, err = OpenBitsetPool(path, 0)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestBitsetPoolClosed(t *testing.T) {
	pool := openTestPool(t, 4)
	_, err := pool.Acquire()
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	require.Equal(t, 0, pool.OpenAppenders())
	require.Nil(t, pool.AcquiredIDs())
	require.False(t, pool.Release(0))
	_, err = pool.Acquire()
	require.True(t, errors.Is(err, ErrClosed))
}

func TestConstantAppenderID(t *testing.T) {
	var pool ConstantAppenderID

	id, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, 0, id)
	require.Equal(t, 1, pool.OpenAppenders())
	require.Equal(t, []int{0}, pool.AcquiredIDs())
	require.Equal(t, 1, pool.MaxAppenders())

	_, err = pool.Acquire()
	require.ErrorIs(t, err, ErrExhaustedPool)
	require.Equal(t, 1, pool.OpenAppenders())

	require.False(t, pool.Release(0))
	require.Equal(t, 0, pool.OpenAppenders())
	require.Nil(t, pool.AcquiredIDs())
	require.False(t, pool.Release(0))
	require.Equal(t, 0, pool.OpenAppenders())

	id, err = pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, 0, id)

	require.NoError(t, pool.Close())
	_, err = pool.Acquire()
	require.ErrorIs(t, err, ErrClosed)
}
