// Package peer tracks discovered peers and manages data-channel connections.
package peer

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a known peer.
type Status int

const (
	StatusDiscovered Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusDiscovered:
		return "discovered"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Record is one entry in the discovered-peer table.
type Record struct {
	ID       string
	Name     string
	Addrs    []string
	Status   Status
	LastSeen time.Time
}

// Registry is the table of every peer seen via discovery. All methods are
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Record)}
}

// Upsert records a discovery sighting. It refreshes name, addresses and
// last-seen time, and reports whether the peer is new to the table. A peer
// that was evicted and reappears counts as new again.
func (r *Registry) Upsert(id, name string, addrs []string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[id]
	if !exists {
		rec = &Record{ID: id, Status: StatusDiscovered}
		r.peers[id] = rec
	}
	rec.Name = name
	if len(addrs) > 0 {
		rec.Addrs = addrs
	}
	rec.LastSeen = time.Now()
	return *rec, !exists
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.peers[id]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// SetStatus updates the peer's status. Unknown ids are ignored.
func (r *Registry) SetStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, exists := r.peers[id]; exists {
		rec.Status = status
	}
}

// Touch refreshes the peer's last-seen time.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, exists := r.peers[id]; exists {
		rec.LastSeen = time.Now()
	}
}

// EvictStale removes peers not seen within maxAge and returns the evicted
// records. Connected peers are never evicted on staleness alone; liveness
// of a live connection is the connection keep-alive's job.
func (r *Registry) EvictStale(maxAge time.Duration) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var evicted []Record
	for id, rec := range r.peers {
		if rec.Status == StatusConnected {
			continue
		}
		if rec.LastSeen.Before(cutoff) {
			evicted = append(evicted, *rec)
			delete(r.peers, id)
		}
	}
	return evicted
}

// Remove deletes a peer from the table.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Snapshot returns a copy of every record.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, *rec)
	}
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
