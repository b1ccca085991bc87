// Package retry implements the Connection Retry Framework (spec §4.5):
// per-peer exponential-backoff state and the health decisions the engine
// scheduler consults when picking a source.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// State is the lifecycle of a single RetryTracker.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRetrying   State = "retrying"
	StateFailed     State = "failed"
	StateExhausted  State = "exhausted"
)

// Config parameterizes the backoff curve for one connection class. A
// MaxAttempts of 0 means unbounded retries (spec §3, RetryTracker.config).
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxAttempts  int
}

// DefaultConfig matches the spec §4.5 defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
		MaxAttempts:  0,
	}
}

// WebRTCProfile, DHTBootstrapProfile and DHTPeerProfile are the named
// profiles from spec §4.5.
func WebRTCProfile() Config {
	return Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2.0, JitterFactor: 0.2, MaxAttempts: 3}
}

func DHTBootstrapProfile() Config {
	return Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 60 * time.Second, Multiplier: 2.0, JitterFactor: 0.15, MaxAttempts: 5}
}

func DHTPeerProfile() Config {
	return Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2.0, JitterFactor: 0.1, MaxAttempts: 3}
}

// delay computes the un-jittered delay for the given attempt count.
func (c Config) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if raw > float64(c.MaxDelay) || math.IsInf(raw, 1) {
		raw = float64(c.MaxDelay)
	}
	return time.Duration(raw)
}

func (c Config) jittered(d time.Duration, rnd *rand.Rand) time.Duration {
	if c.JitterFactor <= 0 {
		return d
	}
	// multiplicative jitter in [1-jitter/2, 1+jitter/2]
	span := c.JitterFactor
	factor := 1 - span/2 + rnd.Float64()*span
	return time.Duration(float64(d) * factor)
}

// Tracker is a per connection_id RetryTracker (spec §3, §4.5).
type Tracker struct {
	mu sync.Mutex

	connectionID string
	config       Config
	rnd          *rand.Rand
	now          func() time.Time

	state               State
	attemptCount        int
	consecutiveFailures int
	lastAttempt         time.Time
	lastSuccess         time.Time
	lastError           error
	bandwidthEWMA       float64 // bytes/sec
	lastLatency         time.Duration
}

// New creates a Tracker for connectionID using config. The clock may be
// overridden for deterministic tests via WithClock.
func New(connectionID string, config Config) *Tracker {
	return &Tracker{
		connectionID: connectionID,
		config:       config,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(len(connectionID)))),
		now:          time.Now,
		state:        StateIdle,
	}
}

// WithClock overrides the tracker's notion of "now", for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

func (t *Tracker) ConnectionID() string { return t.connectionID }

// RecordSuccess clears consecutive-failure state, updates the bandwidth
// EWMA, and transitions to Connected (spec §4.5).
func (t *Tracker) RecordSuccess(responseTime time.Duration, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFailures = 0
	t.state = StateConnected
	t.lastSuccess = t.now()
	t.lastLatency = responseTime
	t.lastError = nil

	if responseTime > 0 && bytes > 0 {
		instBps := float64(bytes) / responseTime.Seconds()
		const alpha = 0.3
		if t.bandwidthEWMA == 0 {
			t.bandwidthEWMA = instBps
		} else {
			t.bandwidthEWMA = alpha*instBps + (1-alpha)*t.bandwidthEWMA
		}
	}
}

// RecordFailure increments failure counters and transitions to Retrying,
// or to Exhausted once attempt_count reaches a bounded max_attempts.
func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attemptCount++
	t.consecutiveFailures++
	t.lastAttempt = t.now()
	t.lastError = err

	if t.config.MaxAttempts > 0 && t.attemptCount >= t.config.MaxAttempts {
		t.state = StateExhausted
		return
	}
	t.state = StateRetrying
}

// Reset clears all attempt/failure bookkeeping, returning the tracker to
// Idle. This is the only way out of Exhausted (spec §8 invariant).
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateIdle
	t.attemptCount = 0
	t.consecutiveFailures = 0
	t.lastError = nil
}

// ShouldRetry is false iff Exhausted or still inside the current backoff
// window.
func (t *Tracker) ShouldRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldRetryLocked()
}

func (t *Tracker) shouldRetryLocked() bool {
	if t.state == StateExhausted {
		return false
	}
	if t.lastAttempt.IsZero() {
		return true
	}
	delay := t.config.jittered(t.config.delay(t.attemptCount), t.rnd)
	return !t.now().Before(t.lastAttempt.Add(delay))
}

// GetRetryDelay returns the jittered delay computed from the current
// attempt count, i.e. how long a caller should wait before the next
// attempt becomes eligible.
func (t *Tracker) GetRetryDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config.jittered(t.config.delay(t.attemptCount), t.rnd)
}

// MarkAttempting records that an attempt is starting now, advancing
// last_attempt without touching success/failure counters. Schedulers call
// this immediately before dispatching a fetch so concurrent schedule
// decisions don't double-dispatch during the same backoff window.
func (t *Tracker) MarkAttempting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateConnecting
	t.lastAttempt = t.now()
}

// Snapshot is a point-in-time, lock-free copy of tracker state for
// diagnostics and the HealthMonitor aggregator.
type Snapshot struct {
	ConnectionID        string
	State                State
	AttemptCount         int
	ConsecutiveFailures  int
	LastAttempt          time.Time
	LastSuccess          time.Time
	LastError            error
	BandwidthBytesPerSec float64
	LastLatency          time.Duration
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ConnectionID:         t.connectionID,
		State:                t.state,
		AttemptCount:         t.attemptCount,
		ConsecutiveFailures:  t.consecutiveFailures,
		LastAttempt:          t.lastAttempt,
		LastSuccess:          t.lastSuccess,
		LastError:            t.lastError,
		BandwidthBytesPerSec: t.bandwidthEWMA,
		LastLatency:          t.lastLatency,
	}
}

// HealthDecision is consumed by the engine scheduler (spec §4.5).
type HealthDecision struct {
	ShouldUse     bool
	Weight        float64
	MaxConcurrent int
}

// HealthParams tunes the should_use / weight computation; implementers are
// free to vary this policy (spec §9 open question) as long as Weight stays
// monotonic in reputation and success rate.
type HealthParams struct {
	ConsecutiveFailureThreshold int
	MinBandwidthBytesPerSec     float64
	DefaultMaxConcurrent        int
}

func DefaultHealthParams() HealthParams {
	return HealthParams{
		ConsecutiveFailureThreshold: 5,
		MinBandwidthBytesPerSec:     1024, // 1 KiB/s floor
		DefaultMaxConcurrent:        4,
	}
}

// Decide computes the HealthDecision for this tracker, optionally blended
// with an external reputation score in [0,1] (0 if unknown/unavailable).
func (t *Tracker) Decide(params HealthParams, reputation float64) HealthDecision {
	snap := t.Snapshot()

	if snap.State == StateExhausted {
		return HealthDecision{ShouldUse: false}
	}
	if snap.ConsecutiveFailures > params.ConsecutiveFailureThreshold {
		return HealthDecision{ShouldUse: false}
	}
	tooSlow := snap.BandwidthBytesPerSec > 0 && snap.BandwidthBytesPerSec < params.MinBandwidthBytesPerSec
	if tooSlow {
		return HealthDecision{ShouldUse: false}
	}

	successRate := 1.0
	if snap.AttemptCount > 0 {
		successes := snap.AttemptCount - snap.ConsecutiveFailures
		if successes < 0 {
			successes = 0
		}
		successRate = float64(successes) / float64(snap.AttemptCount)
	}
	if reputation < 0 {
		reputation = 0
	}
	if reputation > 1 {
		reputation = 1
	}
	// Monotonic blend: weighted average of reputation and observed
	// success rate, the policy left open by spec §9.
	weight := 0.5*reputation + 0.5*successRate
	if weight <= 0 {
		weight = 0.01
	}

	return HealthDecision{
		ShouldUse:     t.ShouldRetry(),
		Weight:        weight,
		MaxConcurrent: params.DefaultMaxConcurrent,
	}
}
