package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// throttleWindow is the spec §4.4 2s-per-transfer throttle for Progress
// and SpeedUpdate.
const throttleWindow = 2 * time.Second

// coalesceBacklog bounds how many distinct transfers may have a pending
// coalesced (Progress/SpeedUpdate) event buffered for one subscriber at a
// time; it is not a per-event queue depth.
const coalesceBacklog = 4096

// Subscription is a single subscriber's view of the bus: a channel of
// directly-delivered events (lifecycle, chunk, terminal) plus a coalescing
// side-channel for Progress/SpeedUpdate.
type Subscription struct {
	id string

	events chan Event // direct delivery: terminal (blocking) + dropped-if-full otherwise
	notify chan struct{}

	mu     sync.Mutex
	latest map[coalesceKey]Event

	closed chan struct{}
}

type coalesceKey struct {
	transferID string
	typ        EventType
}

// Events returns the channel of directly delivered (non-coalesced)
// events: lifecycle events, ChunkCompleted, ChunkFailed, and — blocking
// until received — the three terminal events.
func (s *Subscription) Events() <-chan Event { return s.events }

// NextCoalesced blocks until a coalesced Progress/SpeedUpdate update is
// available or ctx is done, returning one such event (the latest received
// for its transfer) at a time.
func (s *Subscription) NextCoalesced(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		for k, v := range s.latest {
			delete(s.latest, k)
			s.mu.Unlock()
			return v, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
			continue
		case <-s.closed:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (s *Subscription) pushCoalesced(e Event) {
	key := coalesceKey{transferID: e.TransferID(), typ: e.Type()}
	s.mu.Lock()
	s.latest[key] = e
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close unblocks any goroutine waiting in NextCoalesced and stops further
// delivery to this subscription. Idempotent.
func (s *Subscription) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// Bus is the process-local fan-out event stream. One Bus instance is
// shared by every transfer; subscribers register interest in specific
// variants or in everything (the "generic" channel of spec §4.4).
type Bus struct {
	mu          sync.RWMutex
	byType      map[EventType]map[string]*Subscription
	generic     map[string]*Subscription
	throttle    map[coalesceKey]*rate.Limiter
	throttleMu  sync.Mutex
	log         zerolog.Logger
	blockCtx    context.Context
}

// New creates an empty Bus. blockCtx bounds how long Publish will wait
// delivering a terminal event to a stalled subscriber before giving up on
// that one subscriber (terminal events still deliver to every other live
// subscriber); pass context.Background() for an unbounded wait.
func New(blockCtx context.Context, log zerolog.Logger) *Bus {
	if blockCtx == nil {
		blockCtx = context.Background()
	}
	return &Bus{
		byType:   make(map[EventType]map[string]*Subscription),
		generic:  make(map[string]*Subscription),
		throttle: make(map[coalesceKey]*rate.Limiter),
		log:      log,
		blockCtx: blockCtx,
	}
}

// Subscribe registers interest in the given event types. Passing no types
// subscribes to the generic, all-events channel.
func (b *Bus) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		events: make(chan Event, 64),
		notify: make(chan struct{}, 1),
		latest: make(map[coalesceKey]Event, coalesceBacklog),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.generic[sub.id] = sub
		return sub
	}
	for _, t := range types {
		m, ok := b.byType[t]
		if !ok {
			m = make(map[string]*Subscription)
			b.byType[t] = m
		}
		m[sub.id] = sub
	}
	return sub
}

// Unsubscribe removes sub from every variant it registered for and closes
// it. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.generic, sub.id)
	for _, m := range b.byType {
		delete(m, sub.id)
	}
	b.mu.Unlock()
	sub.Close()
}

// Publish delivers ev to every interested subscriber. Progress and
// SpeedUpdate are throttled to once per 2s per transfer at the source
// (this call silently drops the event if the window hasn't elapsed) and
// then coalesced per-subscriber; terminal events block until every
// subscriber's channel accepts them (or blockCtx expires for a stalled
// one); everything else is delivered best-effort, dropped if a
// subscriber's queue is full.
func (b *Bus) Publish(ev Event) {
	if ev.Type().IsThrottled() {
		if !b.allow(ev) {
			return
		}
	}

	subs := b.subscribersFor(ev.Type())

	switch {
	case ev.Type().IsThrottled():
		for _, s := range subs {
			s.pushCoalesced(ev)
		}
	case ev.Type().IsTerminal():
		for _, s := range subs {
			select {
			case s.events <- ev:
			case <-s.closed:
			case <-b.blockCtx.Done():
				b.log.Warn().Str("transfer_id", ev.TransferID()).Str("event", string(ev.Type())).Msg("terminal event delivery aborted: bus context done")
			}
		}
	default:
		for _, s := range subs {
			select {
			case s.events <- ev:
			default:
				b.log.Debug().Str("transfer_id", ev.TransferID()).Str("event", string(ev.Type())).Msg("event dropped: subscriber queue full")
			}
		}
	}
}

func (b *Bus) subscribersFor(t EventType) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscription, 0, len(b.generic)+len(b.byType[t]))
	for _, s := range b.generic {
		out = append(out, s)
	}
	for _, s := range b.byType[t] {
		out = append(out, s)
	}
	return out
}

func (b *Bus) allow(ev Event) bool {
	key := coalesceKey{transferID: ev.TransferID(), typ: ev.Type()}
	b.throttleMu.Lock()
	lim, ok := b.throttle[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(throttleWindow), 1)
		b.throttle[key] = lim
	}
	b.throttleMu.Unlock()
	return lim.Allow()
}

// ForgetTransfer releases throttle bookkeeping for transferID once it
// reaches a terminal state, bounding the throttle map's lifetime.
func (b *Bus) ForgetTransfer(transferID string) {
	b.throttleMu.Lock()
	defer b.throttleMu.Unlock()
	for _, t := range AllTypes {
		delete(b.throttle, coalesceKey{transferID: transferID, typ: t})
	}
}
