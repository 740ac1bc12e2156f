package partnerships

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates the requested record id is absent from the collection.
	ErrNotFound = errors.New("partnerships: record not found")

	errMissingIDProvider = errors.New("partnerships: id provider is required")

	noOpLogger = zap.NewNop()
)

// IDProvider issues unique record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Saver receives a save request after every committed mutation. Requests must
// not block; the storage flusher coalesces them.
type Saver interface {
	RequestSave()
}

// MutationKind tags the mutation that produced an event.
type MutationKind string

const (
	MutationCreated MutationKind = "created"
	MutationUpdated MutationKind = "updated"
	MutationDeleted MutationKind = "deleted"
	MutationCleared MutationKind = "cleared"
)

// MutationEvent describes a committed mutation for real-time fan-out.
// Record is populated for creates and updates, RecordID for deletes, and
// Cleared for collection resets.
type MutationEvent struct {
	Kind      MutationKind
	Record    *Record
	RecordID  string
	Cleared   int
	ActorName string
	Timestamp time.Time
}

// MutationSink receives mutation events in commit order. Implementations must
// not block; delivery happens while the store lock is held so that the order
// of observed events equals the order of invocation.
type MutationSink interface {
	RecordMutated(event MutationEvent)
}

// StoreConfig describes the dependencies for the authoritative record store.
type StoreConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
	Saver      Saver
	Logger     *zap.Logger
}

// Store owns the in-memory partnership collection. It is the single writer:
// one mutex serializes every mutation, and persistence plus broadcast are
// triggered before the mutex is released.
type Store struct {
	mu      sync.Mutex
	records []Record
	clock   func() time.Time
	ids     IDProvider
	saver   Saver
	events  MutationSink
	logger  *zap.Logger
}

// NewStore constructs the record store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		clock:  clock,
		ids:    cfg.IDProvider,
		saver:  cfg.Saver,
		logger: logger,
	}, nil
}

// SetEventSink wires the mutation sink. Called once during startup, before the
// store accepts traffic; the hub and the store reference each other so the
// sink cannot be part of StoreConfig.
func (s *Store) SetEventSink(sink MutationSink) {
	s.mu.Lock()
	s.events = sink
	s.mu.Unlock()
}

// Replace swaps the collection wholesale. Used when loading persisted state at
// startup; it does not trigger persistence or broadcast.
func (s *Store) Replace(records []Record) {
	s.mu.Lock()
	s.records = append([]Record(nil), records...)
	s.mu.Unlock()
}

// List returns a copy of the collection in newest-first order.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Count reports the current collection size.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Create assigns a fresh id, stamps timestamps and attribution, and prepends
// the record so the newest entry is always first.
func (s *Store) Create(fields Fields, actor Actor) (Record, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Record{}, fmt.Errorf("partnerships: generate id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC().Format(time.RFC3339)
	record := Record{
		ID:                  id,
		CreatedAt:           now,
		UpdatedAt:           now,
		CreatedBy:           actor.Name,
		CreatedByEmail:      actor.Email,
		LastModifiedBy:      actor.Name,
		LastModifiedByEmail: actor.Email,
	}
	applyFields(&record, fields)

	s.records = append([]Record{record}, s.records...)
	s.commitLocked(MutationEvent{
		Kind:      MutationCreated,
		Record:    &record,
		ActorName: actor.Name,
	})
	return record, nil
}

// Update merges the supplied fields over the existing record, refreshes
// updatedAt and attribution, and preserves the record's position.
func (s *Store) Update(id string, fields Fields, actor Actor) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.indexOfLocked(id)
	if index < 0 {
		return Record{}, ErrNotFound
	}

	record := s.records[index]
	applyFields(&record, fields)
	record.UpdatedAt = s.clock().UTC().Format(time.RFC3339)
	record.LastModifiedBy = actor.Name
	record.LastModifiedByEmail = actor.Email
	s.records[index] = record

	s.commitLocked(MutationEvent{
		Kind:      MutationUpdated,
		Record:    &record,
		ActorName: actor.Name,
	})
	return record, nil
}

// Delete removes the record and returns the removed value for the broadcast
// payload.
func (s *Store) Delete(id string, actor Actor) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.indexOfLocked(id)
	if index < 0 {
		return Record{}, ErrNotFound
	}

	removed := s.records[index]
	s.records = append(s.records[:index], s.records[index+1:]...)

	s.commitLocked(MutationEvent{
		Kind:      MutationDeleted,
		Record:    &removed,
		RecordID:  removed.ID,
		ActorName: actor.Name,
	})
	return removed, nil
}

// ClearAll empties the collection and returns the prior count. It succeeds on
// an empty collection.
func (s *Store) ClearAll(actor Actor) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := len(s.records)
	s.records = nil

	s.commitLocked(MutationEvent{
		Kind:      MutationCleared,
		Cleared:   cleared,
		ActorName: actor.Name,
	})
	return cleared
}

// commitLocked triggers persistence and broadcast for a committed mutation.
// Both calls are non-blocking and happen under the store mutex, which pins the
// broadcast order to the mutation order.
func (s *Store) commitLocked(event MutationEvent) {
	event.Timestamp = s.clock().UTC()
	if s.saver != nil {
		s.saver.RequestSave()
	}
	if s.events != nil {
		s.events.RecordMutated(event)
	}
}

func (s *Store) indexOfLocked(id string) int {
	for index := range s.records {
		if s.records[index].ID == id {
			return index
		}
	}
	return -1
}

func applyFields(record *Record, fields Fields) {
	if fields.ProjectName != nil {
		record.ProjectName = *fields.ProjectName
	}
	if fields.NumberOfWLs != nil {
		record.NumberOfWLs = *fields.NumberOfWLs
	}
	if fields.TemplateDescription != nil {
		record.TemplateDescription = *fields.TemplateDescription
	}
	if fields.CollectedWallets != nil {
		record.CollectedWallets = *fields.CollectedWallets
	}
}
