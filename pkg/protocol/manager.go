package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Manager is the handler registry and identifier detector (spec §4.1).
// Registration is rare and exclusive; detection and lookups are frequent
// and shared (spec §5: "many readers, rare writer").
type Manager struct {
	mu       sync.RWMutex
	handlers []Handler
	byName   map[string]Handler
	log      zerolog.Logger
}

func NewManager(log zerolog.Logger) *Manager {
	return &Manager{byName: make(map[string]Handler), log: log}
}

// ErrNoHandler is returned by Detect when no registered handler supports an
// identifier.
type ErrNoHandler struct{ Identifier string }

func (e ErrNoHandler) Error() string {
	return fmt.Sprintf("protocol: no handler supports identifier %q", e.Identifier)
}

// Register adds a handler to the registry. Registering a handler whose
// Name() is already present replaces it (spec §6.6 register_handler is
// idempotent).
func (m *Manager) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[h.Name()]; exists {
		for i, existing := range m.handlers {
			if existing.Name() == h.Name() {
				m.handlers[i] = h
				break
			}
		}
	} else {
		m.handlers = append(m.handlers, h)
	}
	m.byName[h.Name()] = h
	sort.SliceStable(m.handlers, func(i, j int) bool {
		return m.handlers[i].DetectPriority() > m.handlers[j].DetectPriority()
	})
	m.log.Info().Str("handler", h.Name()).Msg("protocol handler registered")
}

// Handlers returns a snapshot of the registered handlers in priority order.
func (m *Manager) Handlers() []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Handler, len(m.handlers))
	copy(out, m.handlers)
	return out
}

// ByName looks up a registered handler by its Name().
func (m *Manager) ByName(name string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byName[name]
	return h, ok
}

// Detect implements spec §4.1's detection algorithm: iterate handlers
// sorted by descending detect_priority, return the first whose Supports
// returns true. Raw content hashes that no handler claims are the Multi-
// Source Engine's responsibility, not an error here.
func (m *Manager) Detect(identifier string) (Handler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.handlers {
		if h.Supports(identifier) {
			return h, nil
		}
	}
	return nil, ErrNoHandler{Identifier: identifier}
}
