package protocol

import (
	"sync"

	"github.com/chiral-network/transfer-core/pkg/chunks"
)

// seedKey is the (content_id, protocol) pair the registry keys on; at most
// one SeedingInfo may exist per key (spec §4.1).
type seedKey struct {
	contentID string
	protocol  string
}

// SeedingRegistry maps content_id -> set of (protocol, SeedingInfo) for
// locally seeded files (spec §4.1). Unregister is idempotent; snapshot
// listings are consistent at call time.
type SeedingRegistry struct {
	mu      sync.RWMutex
	entries map[seedKey]SeedingInfo
}

func NewSeedingRegistry() *SeedingRegistry {
	return &SeedingRegistry{entries: make(map[seedKey]SeedingInfo)}
}

// Register advertises info for (content_id, protocol), replacing any prior
// entry for the same key — at most one SeedingInfo per (content_id,
// protocol) is ever held.
func (r *SeedingRegistry) Register(contentID chunks.ContentId, protocolName string, info SeedingInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[seedKey{contentID: contentID.String(), protocol: protocolName}] = info
}

// Unregister removes the (content_id, protocol) entry if present. Calling
// it again for an already-absent key is a no-op (idempotent).
func (r *SeedingRegistry) Unregister(contentID chunks.ContentId, protocolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, seedKey{contentID: contentID.String(), protocol: protocolName})
}

// Lookup returns every SeedingInfo registered for contentID across all
// protocols.
func (r *SeedingRegistry) Lookup(contentID chunks.ContentId) []SeedingInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SeedingInfo
	want := contentID.String()
	for k, v := range r.entries {
		if k.contentID == want {
			out = append(out, v)
		}
	}
	return out
}

// Snapshot returns every currently-registered SeedingInfo. The read holds
// the registry's lock for its whole duration, so the result never observes
// a partial write (spec §4.1: "a snapshot listing is consistent at call
// time, no partial reads").
func (r *SeedingRegistry) Snapshot() []SeedingInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SeedingInfo, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}
	return out
}

// Count returns the number of distinct (content_id, protocol) entries.
func (r *SeedingRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
