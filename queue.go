// Package mmq implements a persistent append-only queue on memory-mapped
// files.
//
// Many appenders, in one or many processes, publish records into a single
// monotonic index space. Each appender owns a private payload file; a shared
// header file holds one 8-byte word per index that is published by a single
// compare-and-swap. Pollers and readers never write and never lock.
//
// Basic usage:
//
//	q, err := mmq.Open(dir, "events", mmq.DefaultConfig())
//	app, err := q.CreateAppender()
//	index, err := app.Append([]byte("hello"))
//
//	poller, err := q.CreatePoller()
//	poller.Poll(func(index int64, payload []byte) mmq.Move {
//	    process(payload)
//	    return mmq.Advance
//	})
package mmq

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/orbiterhq/mmq/internal/region"
)

// queueLockTimeout bounds the wait for another process initialising the
// same queue.
const queueLockTimeout = 10 * time.Second

// handle is anything a Queue closes on its own Close.
type handle interface {
	Close() error
}

// Queue owns the files of one named queue in a directory and creates the
// handles that append to and read from it. A Queue is safe for concurrent
// use; the handles it creates are not.
type Queue struct {
	dir    string
	name   string
	cfg    Config
	meta   queueMeta
	logger Logger

	metrics MetricsProvider
	pool    AppenderIDPool

	mu      sync.Mutex
	probe   *headerView
	handles map[handle]struct{}
	closed  bool
}

// Open opens the queue name in dir, creating it if it does not exist. An
// existing queue must have been created with the same geometry.
func Open(dir, name string, cfg Config) (*Queue, error) {
	return open(dir, name, cfg, false)
}

// OpenExisting opens a queue that must already exist, taking its geometry
// from disk and only the per-process settings (mapping strategy, caches,
// logging, metrics) from cfg.
func OpenExisting(dir, name string, cfg Config) (*Queue, error) {
	return open(dir, name, cfg, true)
}

func open(dir, name string, cfg Config, existing bool) (*Queue, error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return nil, fmt.Errorf("%w: invalid queue name %q", ErrConfiguration, name)
	}
	q := &Queue{
		dir:     dir,
		name:    name,
		handles: make(map[handle]struct{}),
	}

	if existing {
		m, err := readMeta(q.metaPath())
		if err != nil {
			return nil, fmt.Errorf("open queue %s: %w", name, err)
		}
		m.applyTo(&cfg)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	q.cfg = cfg
	q.logger = createLogger(cfg.Log).WithFields("queue", name)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	lock := newFileLock(q.lockPath())
	if err := lock.Lock(queueLockTimeout); err != nil {
		return nil, fmt.Errorf("lock queue %s: %w", name, err)
	}
	defer lock.Unlock()

	if err := q.loadOrCreateMeta(); err != nil {
		return nil, err
	}
	if err := q.openShared(); err != nil {
		q.closeShared()
		return nil, err
	}

	q.logger.Info("opened queue",
		"dir", dir,
		"maxAppenders", cfg.MaxAppenders,
		"headerStrategy", cfg.Header.Strategy,
		"payloadStrategy", cfg.Payload.Strategy)
	return q, nil
}

func (q *Queue) loadOrCreateMeta() error {
	want := metaFromConfig(q.cfg)
	have, err := readMeta(q.metaPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := writeMeta(q.metaPath(), want); err != nil {
			return fmt.Errorf("write queue meta: %w", err)
		}
		q.meta = want
		q.logger.Info("created queue", "dir", q.dir)
		return nil
	case err != nil:
		return err
	}
	if err := have.compatible(want); err != nil {
		return err
	}
	q.meta = have
	return nil
}

func (q *Queue) openShared() error {
	var err error
	if q.cfg.SingleAppender {
		q.pool = &ConstantAppenderID{}
	} else if q.pool, err = OpenBitsetPool(q.idsPath(), q.cfg.MaxAppenders); err != nil {
		return err
	}

	if q.cfg.Metrics.Shared {
		if q.metrics, err = newMmapMetrics(q.metricsPath()); err != nil {
			return err
		}
	} else {
		q.metrics = newAtomicMetrics()
	}

	q.probe, err = openHeaderView(q.headerBase(), q.cfg, false)
	return err
}

func (q *Queue) closeShared() error {
	var errs []error
	if q.probe != nil {
		errs = append(errs, q.probe.close())
	}
	if q.pool != nil {
		errs = append(errs, q.pool.Close())
	}
	if q.metrics != nil {
		errs = append(errs, q.metrics.Close())
	}
	return errors.Join(errs...)
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Dir returns the directory holding the queue files.
func (q *Queue) Dir() string { return q.dir }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Created returns when the queue files were first created.
func (q *Queue) Created() time.Time { return q.meta.Created }

func (q *Queue) headerBase() string { return filepath.Join(q.dir, q.name+"_header") }
func (q *Queue) idsPath() string    { return filepath.Join(q.dir, q.name+"_ids") }
func (q *Queue) lockPath() string   { return filepath.Join(q.dir, q.name+".lock") }
func (q *Queue) metaPath() string   { return filepath.Join(q.dir, q.name+".meta") }
func (q *Queue) metricsPath() string {
	return filepath.Join(q.dir, q.name+"_metrics")
}

func (q *Queue) cursorPath(appenderID int) string {
	return q.payloadBase(appenderID) + ".cursor"
}

func (q *Queue) payloadBase(appenderID int) string {
	return filepath.Join(q.dir, fmt.Sprintf("%s_payload_%d", q.name, appenderID))
}

// track registers h for closing with the queue.
func (q *Queue) track(h handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.handles[h] = struct{}{}
	return nil
}

func (q *Queue) forget(h handle) {
	q.mu.Lock()
	delete(q.handles, h)
	q.mu.Unlock()
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// CreateAppender acquires an appender id and returns an appender positioned
// at the end of the queue.
func (q *Queue) CreateAppender() (*Appender, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	a, err := newAppender(q)
	if err != nil {
		q.metrics.IncrementErrors(1)
		return nil, err
	}
	if err := q.track(a); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// CreatePoller returns a poller positioned at IndexFirst.
func (q *Queue) CreatePoller() (*Poller, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	p, err := newPoller(q)
	if err != nil {
		return nil, err
	}
	if err := q.track(p); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// CreateReader returns a random-access reader.
func (q *Queue) CreateReader() (*Reader, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	r, err := newReader(q)
	if err != nil {
		return nil, err
	}
	if err := q.track(r); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// LastIndex returns the last published index, or IndexNull for an empty
// queue.
func (q *Queue) LastIndex() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return IndexNull, ErrClosed
	}
	return q.probe.lastIndex(q.cfg.LinearRecoveryScan)
}

// Stats returns the queue metrics together with the id pool and end-of-log
// state.
func (q *Queue) Stats() MetricsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return MetricsSnapshot{LastIndex: IndexNull}
	}
	s := q.metrics.GetStats()
	s.OpenAppenders = q.pool.OpenAppenders()
	s.AcquiredIDs = q.pool.AcquiredIDs()
	last, err := q.probe.lastIndex(q.cfg.LinearRecoveryScan)
	if err != nil {
		q.logger.Warn("stats: find end of queue", "error", err)
	}
	s.LastIndex = last
	s.HeaderRegionMaps = q.probe.mapping.Stats().Maps
	return s
}

// Sync flushes the mapped regions of every open appender. It must not run
// concurrently with appends on those appenders.
func (q *Queue) Sync() error {
	q.mu.Lock()
	var appenders []*Appender
	for h := range q.handles {
		if a, ok := h.(*Appender); ok {
			appenders = append(appenders, a)
		}
	}
	q.mu.Unlock()

	var errs []error
	for _, a := range appenders {
		errs = append(errs, a.Sync())
	}
	return errors.Join(errs...)
}

// Close closes every handle still open, then releases the id pool, metrics
// and mappings. Handles must not be in use concurrently. Close is
// idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	open := make([]handle, 0, len(q.handles))
	for h := range q.handles {
		open = append(open, h)
	}
	q.mu.Unlock()

	var errs []error
	for _, h := range open {
		errs = append(errs, h.Close())
	}
	errs = append(errs, q.closeShared())

	if len(open) > 0 {
		q.logger.Debug("closed queue with open handles", "handles", len(open))
	}
	q.logger.Info("closed queue")
	return errors.Join(errs...)
}

// payloadFileName returns the path of payload file fileIndex of an appender.
func (q *Queue) payloadFileName(appenderID int, fileIndex int64) string {
	return region.FileName(q.payloadBase(appenderID), q.cfg.Payload.Roll, fileIndex)
}
