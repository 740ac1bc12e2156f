package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type memoryBackend struct {
	mu    sync.Mutex
	saves map[Collection]int
	fail  bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{saves: make(map[Collection]int)}
}

func (b *memoryBackend) Load(collection Collection, out any) (bool, error) {
	return false, nil
}

func (b *memoryBackend) Save(collection Collection, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("disk full")
	}
	b.saves[collection]++
	return nil
}

func (b *memoryBackend) saveCount(collection Collection) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves[collection]
}

func TestFlusherSavesMarkedCollections(t *testing.T) {
	backend := newMemoryBackend()
	flusher, err := NewFlusher(FlusherConfig{Backend: backend, Interval: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flusher.Register(CollectionPartnerships, func() any { return []string{"a"} })
	flusher.Start()

	flusher.Saver(CollectionPartnerships).RequestSave()

	deadline := time.After(2 * time.Second)
	for backend.saveCount(CollectionPartnerships) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for marked collection to be saved")
		case <-time.After(10 * time.Millisecond):
		}
	}
	flusher.Close()
}

func TestFlusherFinalFlushOnClose(t *testing.T) {
	backend := newMemoryBackend()
	flusher, err := NewFlusher(FlusherConfig{Backend: backend, Interval: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flusher.Register(CollectionUsers, func() any { return []string{} })
	flusher.Register(CollectionAllowedEmails, func() any { return []string{} })
	flusher.Start()
	flusher.Close()

	if backend.saveCount(CollectionUsers) == 0 || backend.saveCount(CollectionAllowedEmails) == 0 {
		t.Fatal("expected every registered collection to be flushed at shutdown")
	}
}

func TestFlusherPeriodicFlushRunsWithoutMutations(t *testing.T) {
	backend := newMemoryBackend()
	flusher, err := NewFlusher(FlusherConfig{Backend: backend, Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flusher.Register(CollectionPartnerships, func() any { return []string{} })
	flusher.Start()
	defer flusher.Close()

	deadline := time.After(2 * time.Second)
	for backend.saveCount(CollectionPartnerships) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for periodic flush")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFlusherSwallowsAndLogsSaveFailures(t *testing.T) {
	backend := newMemoryBackend()
	backend.fail = true

	core, logs := observer.New(zapcore.ErrorLevel)
	flusher, err := NewFlusher(FlusherConfig{
		Backend:  backend,
		Interval: time.Hour,
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flusher.Register(CollectionUsers, func() any { return []string{} })
	flusher.Start()
	flusher.Mark(CollectionUsers)
	flusher.Close()

	if logs.FilterMessage("collection save failed").Len() == 0 {
		t.Fatal("expected save failure to be logged")
	}
}

func TestFlusherCloseWithoutStartFlushesAndReturns(t *testing.T) {
	backend := newMemoryBackend()
	flusher, err := NewFlusher(FlusherConfig{Backend: backend, Interval: time.Hour})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flusher.Register(CollectionPartnerships, func() any { return []testDocument{{ID: "a"}} })
	flusher.Mark(CollectionPartnerships)

	closed := make(chan struct{})
	go func() {
		flusher.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked without a running loop")
	}

	if backend.saveCount(CollectionPartnerships) != 1 {
		t.Fatalf("save count = %d, want 1", backend.saveCount(CollectionPartnerships))
	}

	// Start after Close must not resurrect the loop.
	flusher.Start()
	flusher.Close()
}

func TestNewFlusherRequiresBackend(t *testing.T) {
	if _, err := NewFlusher(FlusherConfig{}); err == nil {
		t.Fatal("expected constructor error without backend")
	}
}
