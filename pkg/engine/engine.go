// Package engine implements the Multi-Source Download Engine (spec §4.2):
// admission, parallel chunk scheduling across heterogeneous sources,
// payment-gated write suspension, checkpointed crash recovery, and
// whole-file verification on completion.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/chiral-network/transfer-core/internal/xerrors"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/metrics"
	"github.com/chiral-network/transfer-core/pkg/payment"
	"github.com/chiral-network/transfer-core/pkg/protocol"
	"github.com/chiral-network/transfer-core/pkg/retry"
	"github.com/chiral-network/transfer-core/pkg/sourcedir"
	"github.com/chiral-network/transfer-core/pkg/tracing"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

// managedTransfer is the engine's private handle on a running transfer: the
// public transfer.Transfer record plus the goroutine-local state the
// scheduler loop needs (cancellation, pause signaling, open sources).
type managedTransfer struct {
	t *transfer.Transfer

	cancel context.CancelFunc
	done   chan struct{}

	pauseMu     sync.Mutex
	userPaused  bool
	resumeCh    chan struct{}

	sessionID string // payment session id, "" if this transfer has no payment gating

	staging *transfer.StagingFile

	sourcesMu sync.Mutex
	sources   []*sourceState

	fileHash string
	fileName string

	span      oteltrace.Span
	spanStart time.Time
}

// Engine is the Multi-Source Engine. One Engine serves every transfer in a
// process; each transfer carries its own explicit references to the shared
// collaborators rather than reaching into ambient/singleton state (spec §9).
type Engine struct {
	cfg       Config
	manager   *protocol.Manager
	bus       *eventbus.Bus
	payments  *payment.Service
	directory sourcedir.SourceDirectory
	oracle    sourcedir.PaymentOracle
	health    sourcedir.HealthSignal
	retries   *retry.Registry
	healthParams retry.HealthParams
	metrics   *metrics.Metrics
	tracer    *tracing.Provider
	log       zerolog.Logger

	mu        sync.RWMutex
	transfers map[string]*managedTransfer
}

// New constructs an Engine wired to its collaborators (spec §9: "ambient
// singleton state -> passed capabilities"). m and tracer are both optional
// (nil disables metrics/tracing for callers that don't need them, e.g.
// tests).
func New(
	cfg Config,
	manager *protocol.Manager,
	bus *eventbus.Bus,
	payments *payment.Service,
	directory sourcedir.SourceDirectory,
	oracle sourcedir.PaymentOracle,
	health sourcedir.HealthSignal,
	retries *retry.Registry,
	m *metrics.Metrics,
	tracer *tracing.Provider,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:          cfg,
		manager:      manager,
		bus:          bus,
		payments:     payments,
		directory:    directory,
		oracle:       oracle,
		health:       health,
		retries:      retries,
		healthParams: retry.DefaultHealthParams(),
		metrics:      m,
		tracer:       tracer,
		log:          log,
		transfers:    make(map[string]*managedTransfer),
	}
}

// RegisterHandler adds (or replaces) a protocol handler (spec §6.6
// register_handler, idempotent).
func (e *Engine) RegisterHandler(h protocol.Handler) {
	e.manager.Register(h)
}

// Manager exposes the protocol manager for read-only introspection (the
// control surface's handler listing).
func (e *Engine) Manager() *protocol.Manager {
	return e.manager
}

// SeedFile advertises path on every registered handler capable of seeding,
// returning the resulting SeedingInfo per handler (spec §6.6 seed_file).
func (e *Engine) SeedFile(ctx context.Context, path string, opts protocol.SeedOptions) ([]protocol.SeedingInfo, error) {
	var out []protocol.SeedingInfo
	var firstErr error
	for _, h := range e.manager.Handlers() {
		if !h.Capabilities().SupportsSeeding {
			continue
		}
		info, err := h.Seed(ctx, path, opts)
		if err != nil {
			e.log.Warn().Err(err).Str("handler", h.Name()).Str("path", path).Msg("seed failed on handler")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, info)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// StartTransfer admits request and begins scheduling it (spec §4.2.1,
// §6.6). It returns immediately with a transfer_id; progress is observed
// through the event bus.
func (e *Engine) StartTransfer(ctx context.Context, req StartRequest) (string, error) {
	transferID := uuid.NewString()
	mt, err := e.admit(ctx, transferID, req)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.transfers[transferID] = mt
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	mt.cancel = cancel
	go e.run(runCtx, mt)

	return transferID, nil
}

// CancelTransfer immediately transitions status, signals in-flight handler
// tasks to abort, and preserves checkpoint/staging for resume (spec
// §4.2.5, §4.3). Idempotent.
func (e *Engine) CancelTransfer(transferID string) error {
	mt, ok := e.lookup(transferID)
	if !ok {
		return xerrors.New(xerrors.CategoryUnknown, "unknown transfer").WithField("transfer_id", transferID)
	}
	if mt.t.Status().IsTerminal() {
		return nil
	}
	mt.t.SetStatus(transfer.StatusCanceled)
	mt.cancel()
	return nil
}

// PauseTransfer pauses a running transfer at the user's request. Idempotent.
func (e *Engine) PauseTransfer(transferID string) error {
	mt, ok := e.lookup(transferID)
	if !ok {
		return xerrors.New(xerrors.CategoryUnknown, "unknown transfer").WithField("transfer_id", transferID)
	}
	mt.pauseMu.Lock()
	defer mt.pauseMu.Unlock()
	if mt.userPaused {
		return nil
	}
	mt.userPaused = true
	if mt.t.Status() == transfer.StatusStarted {
		mt.t.SetStatus(transfer.StatusPaused)
		e.bus.Publish(eventbus.PausedEvent{Meta: meta(transferID), Reason: "user"})
	}
	return nil
}

// ResumeTransfer resumes a user-paused transfer. Idempotent; a no-op if the
// transfer is still held by the payment checkpoint.
func (e *Engine) ResumeTransfer(transferID string) error {
	mt, ok := e.lookup(transferID)
	if !ok {
		return xerrors.New(xerrors.CategoryUnknown, "unknown transfer").WithField("transfer_id", transferID)
	}
	mt.pauseMu.Lock()
	if !mt.userPaused {
		mt.pauseMu.Unlock()
		return nil
	}
	mt.userPaused = false
	ch := mt.resumeCh
	mt.pauseMu.Unlock()

	if mt.sessionID == "" || !e.payments.ShouldPause(mt.sessionID) {
		if mt.t.Status() == transfer.StatusPaused {
			mt.t.SetStatus(transfer.StatusStarted)
			e.bus.Publish(eventbus.ResumedEvent{Meta: meta(transferID)})
		}
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// RecordPayment reports a completed on-chain (or off-chain) payment against
// transferID's checkpoint session, clearing WaitingForPayment so the next
// scheduler tick resumes byte flow (spec §4.3 record_payment). A no-op
// error if the transfer carries no payment session.
func (e *Engine) RecordPayment(transferID, txHash string, amount float64) error {
	mt, ok := e.lookup(transferID)
	if !ok {
		return xerrors.New(xerrors.CategoryUnknown, "unknown transfer").WithField("transfer_id", transferID)
	}
	if mt.sessionID == "" {
		return xerrors.New(xerrors.CategoryUnknown, "transfer has no payment session").WithField("transfer_id", transferID)
	}
	return e.payments.RecordPayment(mt.sessionID, txHash, amount)
}

// ListTransfers returns the control-surface listing shape (spec §6.6
// list_transfers).
func (e *Engine) ListTransfers() []transfer.Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]transfer.Summary, 0, len(e.transfers))
	for _, mt := range e.transfers {
		out = append(out, mt.t.Summary())
	}
	return out
}

// GetTransfer returns the full record for id (spec §6.6 get_transfer).
func (e *Engine) GetTransfer(id string) (*transfer.Transfer, bool) {
	mt, ok := e.lookup(id)
	if !ok {
		return nil, false
	}
	return mt.t, true
}

func (e *Engine) lookup(id string) (*managedTransfer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mt, ok := e.transfers[id]
	return mt, ok
}

func meta(transferID string) eventbus.Meta {
	return eventbus.Meta{Transfer: transferID, Ts: time.Now().UnixMilli()}
}

func recoverGoroutine(log zerolog.Logger, transferID string) {
	if r := recover(); r != nil {
		log.Error().Str("transfer_id", transferID).Interface("panic", r).Msg("transfer engine task panicked")
	}
}
