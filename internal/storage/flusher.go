package storage

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultFlushInterval = 30 * time.Second

var errMissingBackend = errors.New("storage: backend is required")

// Snapshot returns the full current value of a collection, safe to serialize
// outside the owning store's lock.
type Snapshot func() any

// FlusherConfig describes the dependencies of the persistence flusher.
type FlusherConfig struct {
	Backend  Backend
	Interval time.Duration
	Logger   *zap.Logger
}

// Flusher owns all writes to the backend. Mutations mark a collection dirty
// and return immediately; one goroutine drains the dirty set, runs the
// periodic full flush, and performs the final flush at shutdown. A single
// writer means saves never overlap.
//
// Persistence failures are logged and swallowed: the in-memory state is the
// source of truth for the running process and a failed write must not abort
// the mutation that requested it.
type Flusher struct {
	backend  Backend
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	sources map[Collection]Snapshot
	dirty   map[Collection]struct{}

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	started bool
	stopped bool
}

// NewFlusher constructs a flusher. Interval defaults to 30 seconds.
func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{
		backend:  cfg.Backend,
		interval: interval,
		logger:   logger,
		sources:  make(map[Collection]Snapshot),
		dirty:    make(map[Collection]struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Register wires a collection's snapshot source. Must happen before Start.
func (f *Flusher) Register(collection Collection, snapshot Snapshot) {
	f.mu.Lock()
	f.sources[collection] = snapshot
	f.mu.Unlock()
}

// Mark flags a collection for the next save pass. It never blocks.
func (f *Flusher) Mark(collection Collection) {
	f.mu.Lock()
	f.dirty[collection] = struct{}{}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// CollectionSaver adapts a single collection to the RequestSave contract the
// stores expect.
type CollectionSaver struct {
	flusher    *Flusher
	collection Collection
}

// RequestSave marks the collection dirty.
func (s *CollectionSaver) RequestSave() {
	s.flusher.Mark(s.collection)
}

// Saver returns the per-collection trigger handed to a store.
func (f *Flusher) Saver(collection Collection) *CollectionSaver {
	return &CollectionSaver{flusher: f, collection: collection}
}

// Start launches the flush loop. Starting after Close is a no-op.
func (f *Flusher) Start() {
	f.mu.Lock()
	if f.started || f.stopped {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	go f.run()
}

// Close stops the loop and performs one final flush of every registered
// collection before returning. Safe to call even if Start never ran.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		<-f.done
		return
	}
	f.stopped = true
	started := f.started
	f.mu.Unlock()

	close(f.stop)
	if !started {
		f.flushAll()
		close(f.done)
	}
	<-f.done
}

func (f *Flusher) run() {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.wake:
			f.flushDirty()
		case <-ticker.C:
			f.flushAll()
		case <-f.stop:
			f.flushAll()
			return
		}
	}
}

func (f *Flusher) flushDirty() {
	f.mu.Lock()
	pending := make([]Collection, 0, len(f.dirty))
	for collection := range f.dirty {
		pending = append(pending, collection)
	}
	f.dirty = make(map[Collection]struct{})
	f.mu.Unlock()

	for _, collection := range pending {
		f.save(collection)
	}
}

func (f *Flusher) flushAll() {
	f.mu.Lock()
	registered := make([]Collection, 0, len(f.sources))
	for collection := range f.sources {
		registered = append(registered, collection)
	}
	f.dirty = make(map[Collection]struct{})
	f.mu.Unlock()

	for _, collection := range registered {
		f.save(collection)
	}
}

func (f *Flusher) save(collection Collection) {
	f.mu.Lock()
	snapshot := f.sources[collection]
	f.mu.Unlock()
	if snapshot == nil {
		return
	}

	if err := f.backend.Save(collection, snapshot()); err != nil {
		f.logger.Error("collection save failed",
			zap.String("collection", string(collection)),
			zap.Error(err))
		return
	}
	f.logger.Debug("collection saved", zap.String("collection", string(collection)))
}
