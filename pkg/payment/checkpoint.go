// Package payment implements the Payment Checkpoint Service (spec §4.3):
// a deterministic state machine gating byte flow on confirmed off-chain
// payments at exponentially spaced milestones.
package payment

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is one of the CheckpointSession states (spec §3).
type State string

const (
	StateActive           State = "active"
	StateWaitingForPayment State = "waiting_for_payment"
	StatePaymentReceived  State = "payment_received"
	StatePaymentFailed    State = "payment_failed"
	StateCompleted        State = "completed"
)

// CheckpointRecord is one entry of a session's payment history.
type CheckpointRecord struct {
	CheckpointIndex int
	MB              int64
	Amount          float64
	TxHash          string
	At              time.Time
}

// Session is the CheckpointSession of spec §3.
type Session struct {
	mu sync.Mutex

	SessionID           string
	ContentID           string
	FileSize            int64
	SeederAddress       string
	SeederSourceID      string
	PricePerMB          float64
	PaymentMode         Mode

	bytesTransferred    int64
	nextCheckpointBytes int64
	lastCheckpointMB    int64
	checkpointIndex     int // index of the last milestone reached, -1 if none
	totalPaid           float64
	state               State
	pendingMB           int64
	pendingAmount       float64
	history             []CheckpointRecord
	schedule            Schedule
	reached             map[int]bool // checkpoint indices already emitted (idempotence, spec §4.3 invariant)
}

// Snapshot is a read-only copy of a Session's observable state.
type Snapshot struct {
	SessionID           string
	BytesTransferred    int64
	NextCheckpointBytes int64
	TotalPaid           float64
	State               State
	PendingMB           int64
	PendingAmount       float64
	History             []CheckpointRecord
}

// EventKind discriminates the two payment-lifecycle notifications spec
// §4.3 names: PaymentCheckpointReached and PaymentCheckpointPaid. These
// are distinct from the 13 eventbus.Event variants — they are emitted by
// the checkpoint service's own narrow capability interface and relayed
// onto the transfer event bus by the engine as Paused/Resumed where
// appropriate.
type EventKind string

const (
	EventCheckpointReached EventKind = "payment_checkpoint_reached"
	EventCheckpointPaid    EventKind = "payment_checkpoint_paid"
)

// Event is a payment-lifecycle notification.
type Event struct {
	Kind            EventKind
	SessionID       string
	CheckpointIndex int
	MB              int64
	Amount          float64
	TxHash          string
}

// Service owns every CheckpointSession (spec §3: "owns session state;
// transfers consult it through a narrow capability interface").
type Service struct {
	mu       sync.Mutex
	sessions map[string]*Session
	subs     []chan Event
	log      zerolog.Logger
}

func NewService(log zerolog.Logger) *Service {
	return &Service{sessions: make(map[string]*Session), log: log}
}

// Subscribe returns a channel receiving every payment Event from every
// session this service owns.
func (s *Service) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	subs := append([]chan Event(nil), s.subs...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn().Str("session_id", ev.SessionID).Str("kind", string(ev.Kind)).Msg("payment event dropped: subscriber queue full")
		}
	}
}

// ErrAlreadyInit is returned by Init when session_id exists with
// mismatching parameters (spec §4.3).
type ErrAlreadyInit struct{ SessionID string }

func (e ErrAlreadyInit) Error() string {
	return fmt.Sprintf("payment: session %q already initialized with different parameters", e.SessionID)
}

// Init creates (idempotently) a CheckpointSession. A second Init call with
// the same session_id and matching parameters is a no-op; mismatching
// parameters return ErrAlreadyInit.
func (s *Service) Init(sessionID, contentID string, fileSize int64, seederSourceID, seederAddress string, pricePerMB float64, mode Mode) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		if existing.ContentID != contentID || existing.FileSize != fileSize || existing.PricePerMB != pricePerMB || existing.PaymentMode != mode {
			return nil, ErrAlreadyInit{SessionID: sessionID}
		}
		return existing, nil
	}

	sched := NewSchedule(mode)
	firstOffset, firstMB := sched.FirstCheckpoint(fileSize)

	sess := &Session{
		SessionID:           sessionID,
		ContentID:           contentID,
		FileSize:            fileSize,
		SeederAddress:       seederAddress,
		SeederSourceID:      seederSourceID,
		PricePerMB:          pricePerMB,
		PaymentMode:         mode,
		nextCheckpointBytes: firstOffset,
		lastCheckpointMB:    0,
		checkpointIndex:     -1,
		state:               StateActive,
		schedule:            sched,
		reached:             make(map[int]bool),
	}
	_ = firstMB
	s.sessions[sessionID] = sess
	return sess, nil
}

// Get returns the session for sessionID, if any.
func (s *Service) Get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// UpdateProgress advances bytes_transferred and evaluates whether a new
// milestone has been crossed (spec §4.3). bytes is the new cumulative
// total, never a delta.
func (s *Service) UpdateProgress(sessionID string, bytes int64) (State, error) {
	sess, ok := s.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("payment: unknown session %q", sessionID)
	}

	sess.mu.Lock()
	if bytes < sess.bytesTransferred {
		sess.mu.Unlock()
		return "", fmt.Errorf("payment: bytes_transferred must be monotonic (got %d, had %d)", bytes, sess.bytesTransferred)
	}
	sess.bytesTransferred = bytes

	var toEmit *Event
	if sess.state == StateActive && sess.bytesTransferred >= sess.nextCheckpointBytes {
		idx := sess.checkpointIndex + 1
		if !sess.reached[idx] {
			sess.reached[idx] = true
			sess.checkpointIndex = idx

			_, intervalMB, _ := sess.currentCheckpointMeta()
			amount := AmountDue(intervalMB, sess.PricePerMB)

			sess.state = StateWaitingForPayment
			sess.pendingMB = sess.lastCheckpointMB + intervalMB
			sess.pendingAmount = amount
			sess.lastCheckpointMB += intervalMB

			toEmit = &Event{
				Kind:            EventCheckpointReached,
				SessionID:       sessionID,
				CheckpointIndex: idx,
				MB:              sess.pendingMB,
				Amount:          amount,
			}
		}
	}
	state := sess.state
	sess.mu.Unlock()

	if toEmit != nil {
		s.emit(*toEmit)
	}
	return state, nil
}

// currentCheckpointMeta returns the interval (MiB) of the checkpoint just
// reached (sess.checkpointIndex). Callers must hold sess.mu.
func (sess *Session) currentCheckpointMeta() (offsetBytes int64, intervalMB int64, ok bool) {
	if sess.checkpointIndex == 0 {
		off, mb := sess.schedule.FirstCheckpoint(sess.FileSize)
		return off, mb, true
	}
	return sess.schedule.NextCheckpoint(sess.checkpointIndex - 1)
}

// ShouldPause reports whether byte flow must halt for sessionID.
func (s *Service) ShouldPause(sessionID string) bool {
	sess, ok := s.Get(sessionID)
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state == StateWaitingForPayment || sess.state == StatePaymentFailed
}

// RecordPayment transitions WaitingForPayment -> PaymentReceived ->
// Active, advancing next_checkpoint_bytes to the following milestone.
func (s *Service) RecordPayment(sessionID, txHash string, amount float64) error {
	sess, ok := s.Get(sessionID)
	if !ok {
		return fmt.Errorf("payment: unknown session %q", sessionID)
	}

	sess.mu.Lock()
	if sess.state != StateWaitingForPayment {
		sess.mu.Unlock()
		return fmt.Errorf("payment: record_payment requires WaitingForPayment, session %q is %s", sessionID, sess.state)
	}

	sess.state = StatePaymentReceived
	sess.totalPaid += amount
	record := CheckpointRecord{
		CheckpointIndex: sess.checkpointIndex,
		MB:              sess.pendingMB,
		Amount:          amount,
		TxHash:          txHash,
		At:              time.Now(),
	}
	sess.history = append(sess.history, record)

	nextOffset, _, ok2 := sess.schedule.NextCheckpoint(sess.checkpointIndex)
	if ok2 {
		sess.nextCheckpointBytes = nextOffset
	} else {
		sess.nextCheckpointBytes = math.MaxInt64
	}
	sess.pendingMB, sess.pendingAmount = 0, 0
	sess.state = StateActive

	sess.mu.Unlock()

	s.emit(Event{
		Kind:            EventCheckpointPaid,
		SessionID:       sessionID,
		CheckpointIndex: record.CheckpointIndex,
		MB:              record.MB,
		Amount:          amount,
		TxHash:          txHash,
	})
	return nil
}

// MarkFailed transitions to PaymentFailed; the transfer stays paused
// until a retried RecordPayment or a cancel.
func (s *Service) MarkFailed(sessionID, reason string) error {
	sess, ok := s.Get(sessionID)
	if !ok {
		return fmt.Errorf("payment: unknown session %q", sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.state = StatePaymentFailed
	s.log.Warn().Str("session_id", sessionID).Str("reason", reason).Msg("payment checkpoint marked failed")
	return nil
}

// MarkCompleted frees session state; legal only once bytes_transferred
// equals file_size.
func (s *Service) MarkCompleted(sessionID string) error {
	sess, ok := s.Get(sessionID)
	if !ok {
		return fmt.Errorf("payment: unknown session %q", sessionID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.bytesTransferred != sess.FileSize {
		return fmt.Errorf("payment: cannot mark session %q completed: %d/%d bytes transferred", sessionID, sess.bytesTransferred, sess.FileSize)
	}
	sess.state = StateCompleted
	return nil
}

// Snapshot returns a read-only copy of the session's current state.
func (s *Service) Snapshot(sessionID string) (Snapshot, bool) {
	sess, ok := s.Get(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return Snapshot{
		SessionID:           sess.SessionID,
		BytesTransferred:    sess.bytesTransferred,
		NextCheckpointBytes: sess.nextCheckpointBytes,
		TotalPaid:           sess.totalPaid,
		State:               sess.state,
		PendingMB:           sess.pendingMB,
		PendingAmount:       sess.pendingAmount,
		History:             append([]CheckpointRecord(nil), sess.history...),
	}, true
}
