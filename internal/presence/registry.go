package presence

import (
	"sort"
	"sync"
	"time"
)

// Entry is the ephemeral per-connection metadata. One live socket yields one
// entry; the same account in two tabs yields two. Entries are never persisted
// and never outlive their connection.
type Entry struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Registry tracks the set of currently connected real-time sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	clock   func() time.Time
}

// NewRegistry constructs an empty registry. A nil clock falls back to time.Now.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		entries: make(map[string]Entry),
		clock:   clock,
	}
}

// Add registers a connection. It is idempotent per connection id: a repeated
// add returns the existing entry untouched.
func (r *Registry) Add(connectionID, userID, name, email, role string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[connectionID]; ok {
		return existing
	}
	now := r.clock().UTC()
	entry := Entry{
		ConnectionID: connectionID,
		UserID:       userID,
		Name:         name,
		Email:        email,
		Role:         role,
		JoinedAt:     now,
		LastActivity: now,
	}
	r.entries[connectionID] = entry
	return entry
}

// Remove deletes the entry if present and reports whether it existed.
// A disconnect may fire without a prior successful add, so absence is not an
// error.
func (r *Registry) Remove(connectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[connectionID]
	if ok {
		delete(r.entries, connectionID)
	}
	return entry, ok
}

// Touch refreshes the entry's last-activity timestamp. Unknown connection ids
// are ignored; a touch may race with a disconnect.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[connectionID]
	if !ok {
		return
	}
	entry.LastActivity = r.clock().UTC()
	r.entries[connectionID] = entry
}

// Get returns the entry for a connection id.
func (r *Registry) Get(connectionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[connectionID]
	return entry, ok
}

// All returns the live entries ordered by join time.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ConnectionID < entries[j].ConnectionID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
