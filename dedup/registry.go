package dedup

import (
	"sort"
	"sync"
)

// Role is a node's relation to a key it tracks.
type Role string

const (
	// RoleOwner means this node claimed the key and runs (or awaits) its work.
	RoleOwner Role = "owner"

	// RoleFollower means another node owns the key; this node only observes.
	RoleFollower Role = "follower"
)

// Record is the per-key bookkeeping held while work is in flight.
type Record struct {
	key    string
	future *Future

	mu      sync.Mutex
	role    Role
	claim   Claim
	started bool
	relayed bool
}

func newRecord(key string, role Role, claim Claim, future *Future) *Record {
	return &Record{
		key:    key,
		future: future,
		role:   role,
		claim:  claim,
	}
}

// Key returns the task key.
func (r *Record) Key() string { return r.key }

// Future returns the record's completion.
func (r *Record) Future() *Future { return r.future }

// Role returns the current role.
func (r *Record) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// Claim returns the winning claim known to this node.
func (r *Record) Claim() Claim {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claim
}

// Started reports whether this node began executing the work.
func (r *Record) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// begin marks the work as started. Returns false if the record is no
// longer owned by this node.
func (r *Record) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.role != RoleOwner {
		return false
	}
	r.started = true
	return true
}

// armRelay returns true the first time it is called.
func (r *Record) armRelay() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.relayed {
		return false
	}
	r.relayed = true
	return true
}

// Registry maps task keys to in-flight records. All methods are safe for
// concurrent use; each check-then-set happens under one lock.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Get returns the record for key.
func (r *Registry) Get(key string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	return rec, ok
}

// Set stores rec, replacing any record for the same key.
func (r *Registry) Set(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.key] = rec
}

// Delete removes the record for key.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, key)
}

// HasPending reports whether key has an in-flight record.
func (r *Registry) HasPending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[key]
	return ok
}

// Claim inserts rec unless a record for its key exists. It returns the
// record now stored and whether rec was inserted.
func (r *Registry) Claim(rec *Record) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.key]; ok {
		return existing, false
	}
	r.records[rec.key] = rec
	return rec, true
}

// DeleteIf removes the record for key only if it is rec.
func (r *Registry) DeleteIf(key string, rec *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records[key] != rec {
		return false
	}
	delete(r.records, key)
	return true
}

// Len returns the number of in-flight records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Keys returns the in-flight keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}
