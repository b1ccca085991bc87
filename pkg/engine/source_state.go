package engine

import (
	"context"
	"sync"

	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/protocol"
	"github.com/chiral-network/transfer-core/pkg/retry"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

// sourceState is the engine's per-transfer, per-source bookkeeping: the
// open DownloadHandle (reused across chunk fetches), the retry tracker
// driving should_use/weight (spec §4.2.2), and an in-flight counter used
// as the scheduling formula's queue_depth.
type sourceState struct {
	source  transfer.Source
	handler protocol.Handler
	tracker *retry.Tracker

	handleMu     sync.Mutex
	handle       protocol.DownloadHandle
	connected    bool
	disconnected bool

	mu         sync.Mutex
	queueDepth int
}

// openHandle lazily opens (once) and returns the DownloadHandle this source
// uses for every chunk fetch, reusing it across the transfer's lifetime.
func (s *sourceState) openHandle(ctx context.Context, bus *eventbus.Bus) (protocol.DownloadHandle, error) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.handle != nil {
		return s.handle, nil
	}
	h, err := s.handler.Download(ctx, s.source.Address, protocol.DownloadOptions{}, bus)
	if err != nil {
		return nil, err
	}
	s.handle = h
	return h, nil
}

// markConnected reports whether this is the first time this source
// completed a fetch — the trigger for emitting SourceConnectedEvent.
func (s *sourceState) markConnected() bool {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.connected {
		return false
	}
	s.connected = true
	return true
}

// markDisconnected reports whether this is the first time the retry
// tracker ruled this source unusable — the trigger for emitting
// SourceDisconnectedEvent exactly once per source per transfer.
func (s *sourceState) markDisconnected() bool {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.disconnected {
		return false
	}
	s.disconnected = true
	return true
}

// closeHandle releases the open DownloadHandle, if any (spec §4.3 cancel
// grace).
func (s *sourceState) closeHandle() {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
}

func (s *sourceState) acquire() {
	s.mu.Lock()
	s.queueDepth++
	s.mu.Unlock()
}

func (s *sourceState) release() {
	s.mu.Lock()
	s.queueDepth--
	s.mu.Unlock()
}

func (s *sourceState) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueDepth <= 0 {
		return 1
	}
	return s.queueDepth
}
