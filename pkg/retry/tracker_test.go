package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_ShouldRetryInitiallyTrue(t *testing.T) {
	tr := New("peer-1", DefaultConfig())
	assert.True(t, tr.ShouldRetry())
}

func TestTracker_ExhaustedAfterMaxAttempts(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFactor: 0, MaxAttempts: 3}
	tr := New("peer-2", cfg)

	for i := 0; i < 3; i++ {
		tr.RecordFailure(errors.New("boom"))
	}

	assert.False(t, tr.ShouldRetry())
	snap := tr.Snapshot()
	assert.Equal(t, StateExhausted, snap.State)

	// Permanently false until Reset (spec §8 invariant).
	assert.False(t, tr.ShouldRetry())
	tr.Reset()
	assert.True(t, tr.ShouldRetry())
}

func TestTracker_UnboundedMaxAttemptsNeverExhausts(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, JitterFactor: 0, MaxAttempts: 0}
	tr := New("peer-3", cfg)
	for i := 0; i < 50; i++ {
		tr.RecordFailure(errors.New("x"))
	}
	snap := tr.Snapshot()
	assert.NotEqual(t, StateExhausted, snap.State)
}

func TestTracker_BackoffWindowBlocksImmediateRetry(t *testing.T) {
	cfg := Config{InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2, JitterFactor: 0, MaxAttempts: 0}
	tr := New("peer-4", cfg)
	tr.RecordFailure(errors.New("x"))
	assert.False(t, tr.ShouldRetry(), "should be inside backoff window")
}

func TestTracker_RecordSuccessClearsFailures(t *testing.T) {
	tr := New("peer-5", DefaultConfig())
	tr.RecordFailure(errors.New("x"))
	tr.RecordFailure(errors.New("x"))
	tr.RecordSuccess(50*time.Millisecond, 1024*1024)

	snap := tr.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, StateConnected, snap.State)
	assert.Greater(t, snap.BandwidthBytesPerSec, 0.0)
}

func TestTracker_DelayDoublesWithMultiplier(t *testing.T) {
	cfg := Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2, JitterFactor: 0}
	assert.Equal(t, 500*time.Millisecond, cfg.delay(0))
	assert.Equal(t, time.Second, cfg.delay(1))
	assert.Equal(t, 2*time.Second, cfg.delay(2))
}

func TestTracker_DelayCapsAtMax(t *testing.T) {
	cfg := Config{InitialDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, JitterFactor: 0}
	assert.Equal(t, 2*time.Second, cfg.delay(10))
}

func TestHealthMonitor_UnhealthyBelowThreshold(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	reg.GetOrCreate("a").RecordSuccess(10*time.Millisecond, 1000)
	mon := NewHealthMonitor(reg, 3)
	report := mon.Report()
	assert.False(t, report.IsHealthy)
	assert.Equal(t, 1, report.ConnectedPeers)
}

func TestHealthMonitor_HealthyAtThreshold(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	for _, id := range []string{"a", "b", "c"} {
		reg.GetOrCreate(id).RecordSuccess(10*time.Millisecond, 1000)
	}
	mon := NewHealthMonitor(reg, 3)
	report := mon.Report()
	assert.True(t, report.IsHealthy)
}

func TestDecide_ExhaustedNeverUsable(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, JitterFactor: 0, MaxAttempts: 1}
	tr := New("peer-6", cfg)
	tr.RecordFailure(errors.New("x"))
	decision := tr.Decide(DefaultHealthParams(), 0.9)
	assert.False(t, decision.ShouldUse)
}

func TestDecide_WeightMonotonicInReputation(t *testing.T) {
	tr := New("peer-7", DefaultConfig())
	tr.RecordSuccess(10*time.Millisecond, 10000)
	low := tr.Decide(DefaultHealthParams(), 0.1)
	high := tr.Decide(DefaultHealthParams(), 0.9)
	require.True(t, high.Weight > low.Weight)
}
