package presence

import (
	"fmt"
	"testing"
	"time"
)

func steppingClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		value := current
		current = current.Add(step)
		return value
	}
}

func TestAddAndRemoveTrackConnectionPopulation(t *testing.T) {
	registry := NewRegistry(nil)

	for i := 0; i < 4; i++ {
		registry.Add(fmt.Sprintf("conn-%d", i), "user-1", "Ann", "ann@example.com", "user")
	}
	if registry.Count() != 4 {
		t.Fatalf("expected 4 entries after 4 connects, got %d", registry.Count())
	}

	for i := 0; i < 4; i++ {
		before := registry.Count()
		if _, ok := registry.Remove(fmt.Sprintf("conn-%d", i)); !ok {
			t.Fatalf("expected entry conn-%d to exist", i)
		}
		if registry.Count() != before-1 {
			t.Fatalf("expected disconnect to decrement by exactly 1, got %d -> %d", before, registry.Count())
		}
	}
}

func TestAddIsIdempotentPerConnection(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(steppingClock(start, time.Minute))

	first := registry.Add("conn-1", "user-1", "Ann", "ann@example.com", "admin")
	second := registry.Add("conn-1", "user-1", "Ann", "ann@example.com", "admin")

	if registry.Count() != 1 {
		t.Fatalf("expected a single entry, got %d", registry.Count())
	}
	if !second.JoinedAt.Equal(first.JoinedAt) {
		t.Fatal("repeated add must not refresh the original entry")
	}
}

func TestTwoTabsYieldTwoEntries(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Add("tab-a", "user-1", "Ann", "ann@example.com", "user")
	registry.Add("tab-b", "user-1", "Ann", "ann@example.com", "user")
	if registry.Count() != 2 {
		t.Fatalf("expected one entry per connection, got %d", registry.Count())
	}
}

func TestTouchRefreshesLastActivity(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(steppingClock(start, time.Minute))

	registry.Add("conn-1", "user-1", "Ann", "ann@example.com", "user")
	registry.Touch("conn-1")

	entry, ok := registry.Get("conn-1")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if !entry.LastActivity.After(entry.JoinedAt) {
		t.Fatalf("expected touch to advance last activity: %+v", entry)
	}
}

func TestTouchAndRemoveUnknownConnectionAreNoOps(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Touch("ghost")
	if _, ok := registry.Remove("ghost"); ok {
		t.Fatal("expected remove of unknown connection to report absence")
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

func TestAllOrdersByJoinTime(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	registry := NewRegistry(steppingClock(start, time.Minute))

	registry.Add("conn-b", "user-2", "Bob", "bob@example.com", "user")
	registry.Add("conn-a", "user-1", "Ann", "ann@example.com", "user")

	entries := registry.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ConnectionID != "conn-b" || entries[1].ConnectionID != "conn-a" {
		t.Fatalf("expected join order, got %q then %q", entries[0].ConnectionID, entries[1].ConnectionID)
	}
}
