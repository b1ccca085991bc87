// Package sourcedir defines the collaborator interfaces the Multi-Source
// Engine consults but never owns (spec §6.5): the source directory, the
// payment oracle, and the health-signal sink. The core only reads from a
// SourceDirectory; it is the directory's own responsibility to stay
// consistent (peer churn, DHT lookups, tracker scrapes, whatever backs it).
package sourcedir

import (
	"sync"

	"github.com/chiral-network/transfer-core/pkg/transfer"
)

// SourceDirectory resolves a content id to its currently known sources and
// lets callers watch for newly announced ones (spec §6.5).
type SourceDirectory interface {
	Lookup(contentID string) ([]transfer.Source, error)
	Watch(contentID string, callback func([]transfer.Source)) (unwatch func())
}

// PaymentOracle is the on/off-chain payment rail the Payment Checkpoint
// Service defers to for balance checks and transaction submission (spec
// §6.5). The core treats confirmations as opaque.
type PaymentOracle interface {
	GetBalance(address string) (float64, error)
	Submit(signedTx []byte) (txHash string, err error)
	WaitConfirmation(txHash string, depth int) (bool, error)
}

// ReputationVerdict is the one-per-outcome signal the engine emits to the
// HealthSignal sink after a transfer concludes (spec §6.5).
type ReputationVerdict struct {
	SourceID string
	Success  bool
	Reason   string
}

// HealthSignal consumes reputation verdicts derived from transfer outcomes.
type HealthSignal interface {
	Record(v ReputationVerdict)
}

// MemoryDirectory is a process-local SourceDirectory backed by a plain map,
// suitable for a single-node deployment or as the directory implementation
// tests exercise the engine against.
type MemoryDirectory struct {
	mu       sync.RWMutex
	sources  map[string][]transfer.Source
	watchers map[string][]func([]transfer.Source)
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		sources:  make(map[string][]transfer.Source),
		watchers: make(map[string][]func([]transfer.Source)),
	}
}

func (d *MemoryDirectory) Lookup(contentID string) ([]transfer.Source, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := append([]transfer.Source(nil), d.sources[contentID]...)
	return out, nil
}

// Announce registers (or replaces) the known sources for contentID and
// notifies any active watchers.
func (d *MemoryDirectory) Announce(contentID string, sources []transfer.Source) {
	d.mu.Lock()
	d.sources[contentID] = append([]transfer.Source(nil), sources...)
	watchers := append([]func([]transfer.Source)(nil), d.watchers[contentID]...)
	d.mu.Unlock()
	for _, cb := range watchers {
		cb(sources)
	}
}

func (d *MemoryDirectory) Watch(contentID string, callback func([]transfer.Source)) func() {
	d.mu.Lock()
	d.watchers[contentID] = append(d.watchers[contentID], callback)
	idx := len(d.watchers[contentID]) - 1
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		cbs := d.watchers[contentID]
		if idx < len(cbs) {
			cbs[idx] = nil
		}
	}
}
