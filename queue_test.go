package mmq

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesFiles(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, "events", testConfig(t))
	require.NoError(t, err)
	defer q.Close()

	a, err := q.CreateAppender()
	require.NoError(t, err)
	mustAppend(t, a, "hello")

	for _, name := range []string{
		"events.meta",
		"events.lock",
		"events_ids",
		"events_header.0",
		"events_payload_0.0",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	require.Equal(t, "events", q.Name())
	require.Equal(t, dir, q.Dir())
	require.False(t, q.Created().IsZero())
}

func TestOpenInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(dir, "", testConfig(t))
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = Open(dir, "a/b", testConfig(t))
	require.ErrorIs(t, err, ErrConfiguration)

	cfg := testConfig(t)
	cfg.Payload.RegionSize = 1000
	_, err = Open(dir, "q", cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	cfg = testConfig(t)
	cfg.MaxAppenders = 300
	_, err = Open(dir, "q", cfg)
	require.ErrorIs(t, err, ErrConfiguration)

	cfg = testConfig(t)
	cfg.Header.Expand = false
	_, err = Open(dir, "q", cfg)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestReopenIncompatible(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, "q", testConfig(t))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	cfg := testConfig(t)
	cfg.MaxAppenders = Pool256
	_, err = Open(dir, "q", cfg)
	require.ErrorIs(t, err, ErrIncompatible)

	cfg = testConfig(t)
	cfg.Geometry = BlockMapping{Width: 8, Height: 8}
	_, err = Open(dir, "q", cfg)
	require.ErrorIs(t, err, ErrIncompatible)

	// Per-process settings may differ.
	cfg = testConfig(t)
	cfg.Header.Strategy = MappingAhead
	cfg.Payload.RegionCacheSize = 2
	q, err = Open(dir, "q", cfg)
	require.NoError(t, err)
	require.NoError(t, q.Close())
}

func TestOpenExisting(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenExisting(dir, "missing", testConfig(t))
	require.True(t, errors.Is(err, fs.ErrNotExist), "got %v", err)

	cfg := testConfig(t)
	cfg.Geometry = BlockMapping{Width: 8, Height: 4}
	cfg.MaxAppenders = 4
	q, err := Open(dir, "q", cfg)
	require.NoError(t, err)
	a, err := q.CreateAppender()
	require.NoError(t, err)
	mustAppend(t, a, "x")
	require.NoError(t, q.Close())

	q, err = OpenExisting(dir, "q", testConfig(t))
	require.NoError(t, err)
	defer q.Close()
	require.Equal(t, cfg.Geometry, q.Config().Geometry)
	require.Equal(t, 4, q.Config().MaxAppenders)

	last, err := q.LastIndex()
	require.NoError(t, err)
	require.Equal(t, int64(0), last)
}

func TestQueueCloseClosesHandles(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, "q", testConfig(t))
	require.NoError(t, err)

	a, err := q.CreateAppender()
	require.NoError(t, err)
	p, err := q.CreatePoller()
	require.NoError(t, err)
	r, err := q.CreateReader()
	require.NoError(t, err)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	require.True(t, a.IsClosed())
	require.True(t, p.IsClosed())
	require.True(t, r.IsClosed())

	_, err = a.Append([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.CreateAppender()
	require.ErrorIs(t, err, ErrClosed)
	_, err = q.LastIndex()
	require.ErrorIs(t, err, ErrClosed)

	// The id was released with the appender.
	q, err = Open(dir, "q", testConfig(t))
	require.NoError(t, err)
	defer q.Close()
	a, err = q.CreateAppender()
	require.NoError(t, err)
	require.Equal(t, 0, a.AppenderID())
}

func TestQueueStats(t *testing.T) {
	q := openTestQueue(t, testConfig(t))

	empty := q.Stats()
	require.Equal(t, IndexNull, empty.LastIndex)
	require.Zero(t, empty.OpenAppenders)

	a, err := q.CreateAppender()
	require.NoError(t, err)
	for _, s := range []string{"a", "bb", "ccc"} {
		mustAppend(t, a, s)
	}

	s := q.Stats()
	require.Equal(t, uint64(3), s.Appends)
	require.Equal(t, uint64(6), s.AppendedBytes)
	require.Equal(t, int64(2), s.LastIndex)
	require.Equal(t, 1, s.OpenAppenders)
	require.Equal(t, []int{0}, s.AcquiredIDs)
	require.Equal(t, uint64(1), s.AppendersOpened)
	require.NotZero(t, s.LastAppendNanos)
	require.NotZero(t, s.HeaderRegionMaps)

	require.NoError(t, q.Sync())
	require.NoError(t, a.Close())
	require.Equal(t, uint64(1), q.Stats().AppendersClosed)
	require.Zero(t, q.Stats().OpenAppenders)
}

func TestQueueStatsHonoursLinearScan(t *testing.T) {
	cfg := testConfig(t)
	cfg.LinearRecoveryScan = true
	q := openTestQueue(t, cfg)

	a, err := q.CreateAppender()
	require.NoError(t, err)
	for _, s := range []string{"a", "b", "c"} {
		mustAppend(t, a, s)
	}
	// Leave index 3 unwritten: a binary search would find 4, a linear scan
	// stops at 2.
	SetNextIndex(a, 4)
	require.Equal(t, int64(4), mustAppend(t, a, "e"))

	last, err := q.LastIndex()
	require.NoError(t, err)
	require.Equal(t, int64(2), last)
	require.Equal(t, last, q.Stats().LastIndex)
}

func TestQueueStatsLogsSearchFailure(t *testing.T) {
	cfg := testConfig(t)
	logger := NewTestLogger(t, LogLevelWarn)
	cfg.Log.Logger = logger
	q := openTestQueue(t, cfg)

	// A closed probe mapping fails every lookup.
	require.NoError(t, q.probe.mapping.Close())

	s := q.Stats()
	require.Equal(t, IndexNull, s.LastIndex)
	require.True(t, logger.Contains("[WARN] stats: find end of queue"), logger.GetOutput())
}

func TestQueueSharedMetrics(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Metrics.Shared = true

	writer, err := Open(dir, "q", cfg)
	require.NoError(t, err)
	defer writer.Close()
	observer, err := Open(dir, "q", cfg)
	require.NoError(t, err)
	defer observer.Close()

	a, err := writer.CreateAppender()
	require.NoError(t, err)
	mustAppend(t, a, "one")
	mustAppend(t, a, "two")

	s := observer.Stats()
	require.Equal(t, uint64(2), s.Appends)
	require.Equal(t, int64(1), s.LastIndex)
	require.Equal(t, []int{0}, s.AcquiredIDs)

	_, err = os.Stat(filepath.Join(dir, "q_metrics"))
	require.NoError(t, err)
}

func TestQueueSingleAppender(t *testing.T) {
	cfg := testConfig(t)
	cfg.SingleAppender = true
	cfg.MaxAppenders = 1
	q := openTestQueue(t, cfg)

	a, err := q.CreateAppender()
	require.NoError(t, err)
	require.Equal(t, 0, a.AppenderID())
	mustAppend(t, a, "x")
	require.NoError(t, a.Close())

	_, err = os.Stat(filepath.Join(q.Dir(), "test_ids"))
	require.True(t, errors.Is(err, fs.ErrNotExist), "single appender queue should not create an id pool")

	a, err = q.CreateAppender()
	require.NoError(t, err)
	require.Equal(t, int64(1), mustAppend(t, a, "y"))
}

func TestQueueSingleAppenderRejectsSecond(t *testing.T) {
	cfg := testConfig(t)
	cfg.SingleAppender = true
	cfg.MaxAppenders = 1
	q := openTestQueue(t, cfg)

	first, err := q.CreateAppender()
	require.NoError(t, err)
	require.Equal(t, int64(0), mustAppend(t, first, "AAAAAAAA"))

	_, err = q.CreateAppender()
	require.ErrorIs(t, err, ErrExhaustedPool)
	require.Equal(t, 1, q.Stats().OpenAppenders)

	// The failed attempt must not disturb the holder.
	require.Equal(t, int64(1), mustAppend(t, first, "CCCCCCCC"))

	r, err := q.CreateReader()
	require.NoError(t, err)
	got, ok, err := r.Read(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "AAAAAAAA", string(got))

	require.NoError(t, first.Close())
	second, err := q.CreateAppender()
	require.NoError(t, err)
	require.Equal(t, int64(2), mustAppend(t, second, "BBBBBBBB"))

	got, ok, err = r.Read(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "AAAAAAAA", string(got))
}

func TestQueueLogsLifecycle(t *testing.T) {
	cfg := testConfig(t)
	logger := NewTestLogger(t, LogLevelDebug)
	cfg.Log.Logger = logger
	q := openTestQueue(t, cfg)

	a, err := q.CreateAppender()
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.True(t, logger.Contains("[INFO] created queue"), logger.GetOutput())
	require.True(t, logger.Contains("recovered appender"), logger.GetOutput())
	require.True(t, logger.Contains("appender=0"), logger.GetOutput())
}
