package partnerships

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type sequentialIDs struct {
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("record-%d", p.next), nil
}

type recordingSink struct {
	events []MutationEvent
}

func (s *recordingSink) RecordMutated(event MutationEvent) {
	s.events = append(s.events, event)
}

type countingSaver struct {
	requests int
}

func (s *countingSaver) RequestSave() {
	s.requests++
}

func fixedClock(t *testing.T, value string) func() time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse clock value: %v", err)
	}
	return func() time.Time { return parsed }
}

func newTestStore(t *testing.T) (*Store, *recordingSink, *countingSaver) {
	t.Helper()
	sink := &recordingSink{}
	saver := &countingSaver{}
	store, err := NewStore(StoreConfig{
		Clock:      fixedClock(t, "2025-06-01T12:00:00Z"),
		IDProvider: &sequentialIDs{},
		Saver:      saver,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.SetEventSink(sink)
	return store, sink, saver
}

func stringPtr(value string) *string { return &value }
func intPtr(value int) *int          { return &value }

func TestNewStoreRequiresIDProvider(t *testing.T) {
	if _, err := NewStore(StoreConfig{}); err == nil {
		t.Fatal("expected constructor error without id provider")
	}
}

func TestCreatePrependsNewestFirst(t *testing.T) {
	store, _, _ := newTestStore(t)

	first, err := store.Create(Fields{ProjectName: stringPtr("Alpha")}, Actor{Name: "Ann"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := store.Create(Fields{ProjectName: stringPtr("Beta")}, Actor{Name: "Ann"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records := store.List()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != second.ID {
		t.Fatalf("expected newest record first, got %q at index 0", records[0].ProjectName)
	}
	if records[1].ID != first.ID {
		t.Fatalf("expected oldest record last, got %q at index 1", records[1].ProjectName)
	}
}

func TestCreateAppliesDefaultsAndAttribution(t *testing.T) {
	store, sink, saver := newTestStore(t)

	record, err := store.Create(
		Fields{ProjectName: stringPtr("Alpha"), NumberOfWLs: intPtr(CoerceWLCount("50"))},
		Actor{ID: "u1", Name: "Ann", Email: "ann@example.com"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.ID == "" {
		t.Fatal("expected non-empty id")
	}
	if record.NumberOfWLs != 50 {
		t.Fatalf("expected coerced whitelist count 50, got %d", record.NumberOfWLs)
	}
	if record.TemplateDescription != "" || record.CollectedWallets != "" {
		t.Fatalf("expected omitted fields to default to empty, got %+v", record)
	}
	if record.CreatedBy != "Ann" || record.CreatedByEmail != "ann@example.com" {
		t.Fatalf("unexpected attribution: %+v", record)
	}
	if record.CreatedAt != "2025-06-01T12:00:00Z" || record.UpdatedAt != record.CreatedAt {
		t.Fatalf("unexpected timestamps: %+v", record)
	}
	if saver.requests != 1 {
		t.Fatalf("expected one save request, got %d", saver.requests)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one mutation event, got %d", len(sink.events))
	}
	event := sink.events[0]
	if event.Kind != MutationCreated {
		t.Fatalf("unexpected event kind: %s", event.Kind)
	}
	if event.Record == nil || event.Record.ID != record.ID || event.Record.ProjectName != "Alpha" {
		t.Fatalf("event does not carry the created record: %+v", event.Record)
	}
	if event.ActorName != "Ann" {
		t.Fatalf("unexpected actor name on event: %q", event.ActorName)
	}
}

func TestUpdateMergesAndPreservesPosition(t *testing.T) {
	store, sink, _ := newTestStore(t)

	older, _ := store.Create(Fields{ProjectName: stringPtr("Alpha"), NumberOfWLs: intPtr(10)}, Actor{Name: "Ann"})
	if _, err := store.Create(Fields{ProjectName: stringPtr("Beta")}, Actor{Name: "Ann"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := store.Update(older.ID, Fields{NumberOfWLs: intPtr(25)}, Actor{Name: "Bob", Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.ProjectName != "Alpha" {
		t.Fatalf("expected omitted field to keep prior value, got %q", updated.ProjectName)
	}
	if updated.NumberOfWLs != 25 {
		t.Fatalf("expected merged count 25, got %d", updated.NumberOfWLs)
	}
	if updated.LastModifiedBy != "Bob" || updated.LastModifiedByEmail != "bob@example.com" {
		t.Fatalf("unexpected attribution: %+v", updated)
	}
	if updated.CreatedBy != "Ann" {
		t.Fatalf("expected creation attribution to survive updates, got %q", updated.CreatedBy)
	}

	records := store.List()
	if records[1].ID != older.ID {
		t.Fatal("expected updated record to keep its position")
	}
	last := sink.events[len(sink.events)-1]
	if last.Kind != MutationUpdated || last.Record == nil || last.Record.NumberOfWLs != 25 {
		t.Fatalf("broadcast does not reflect the merged record: %+v", last)
	}
}

func TestUpdateUnknownIDLeavesCollectionUnchanged(t *testing.T) {
	store, sink, saver := newTestStore(t)
	if _, err := store.Create(Fields{ProjectName: stringPtr("Alpha")}, Actor{Name: "Ann"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := store.List()
	savesBefore := saver.requests
	eventsBefore := len(sink.events)

	_, err := store.Update("missing", Fields{ProjectName: stringPtr("Gamma")}, Actor{Name: "Ann"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	after := store.List()
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("collection changed after failed update: %+v", after)
	}
	if saver.requests != savesBefore || len(sink.events) != eventsBefore {
		t.Fatal("failed update must not persist or broadcast")
	}
}

func TestDeleteReturnsRemovedRecordOnceOnly(t *testing.T) {
	store, sink, _ := newTestStore(t)
	record, _ := store.Create(Fields{ProjectName: stringPtr("Alpha")}, Actor{Name: "Ann"})

	removed, err := store.Delete(record.ID, Actor{Name: "Ann"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed.ID != record.ID {
		t.Fatalf("expected removed record %s, got %s", record.ID, removed.ID)
	}
	if _, err := store.Delete(record.ID, Actor{Name: "Ann"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	last := sink.events[len(sink.events)-1]
	if last.Kind != MutationDeleted || last.RecordID != record.ID {
		t.Fatalf("unexpected delete event: %+v", last)
	}
}

func TestClearAllReturnsPriorCount(t *testing.T) {
	store, sink, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		if _, err := store.Create(Fields{}, Actor{Name: "Ann"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if cleared := store.ClearAll(Actor{Name: "Ann"}); cleared != 3 {
		t.Fatalf("expected prior count 3, got %d", cleared)
	}
	if store.Count() != 0 {
		t.Fatalf("expected empty collection, got %d records", store.Count())
	}
	if cleared := store.ClearAll(Actor{Name: "Ann"}); cleared != 0 {
		t.Fatalf("expected clearAll on empty collection to report 0, got %d", cleared)
	}
	last := sink.events[len(sink.events)-1]
	if last.Kind != MutationCleared {
		t.Fatalf("unexpected event kind: %s", last.Kind)
	}
}

func TestCountTracksCreatesMinusDeletes(t *testing.T) {
	store, _, _ := newTestStore(t)
	var ids []string
	for i := 0; i < 5; i++ {
		record, err := store.Create(Fields{}, Actor{Name: "Ann"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, record.ID)
	}
	for _, id := range ids[:2] {
		if _, err := store.Delete(id, Actor{Name: "Ann"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if store.Count() != 3 {
		t.Fatalf("expected 5 creates minus 2 deletes to leave 3, got %d", store.Count())
	}
}

func TestReplaceDoesNotPersistOrBroadcast(t *testing.T) {
	store, sink, saver := newTestStore(t)
	store.Replace([]Record{{ID: "seeded"}})
	if store.Count() != 1 {
		t.Fatalf("expected seeded record, got %d", store.Count())
	}
	if saver.requests != 0 || len(sink.events) != 0 {
		t.Fatal("loading persisted state must not trigger persistence or broadcast")
	}
}
