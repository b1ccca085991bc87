package payment

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	return NewService(zerolog.Nop())
}

func TestSchedule_CumulativeCheckpointOffsets(t *testing.T) {
	assert.Equal(t, int64(10)*MiB, cumulativeCheckpointBytes(0))
	assert.Equal(t, int64(30)*MiB, cumulativeCheckpointBytes(1))
	assert.Equal(t, int64(70)*MiB, cumulativeCheckpointBytes(2))
	assert.Equal(t, int64(150)*MiB, cumulativeCheckpointBytes(3))
	assert.Equal(t, int64(310)*MiB, cumulativeCheckpointBytes(4))
}

func TestCheckpoint_ExponentialFiresAt10MiB(t *testing.T) {
	svc := newTestService()
	fileSize := int64(15) * MiB
	sess, err := svc.Init("s1", "content", fileSize, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	require.NotNil(t, sess)

	state, err := svc.UpdateProgress("s1", 9*MiB)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state, "must not fire one byte short of the checkpoint")

	state, err = svc.UpdateProgress("s1", 10*MiB)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingForPayment, state)

	snap, ok := svc.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, int64(10), snap.PendingMB)
	assert.InDelta(t, 0.01, snap.PendingAmount, 1e-9)
}

func TestCheckpoint_FiresExactlyOncePerMilestone(t *testing.T) {
	svc := newTestService()
	sub := svc.Subscribe()
	_, err := svc.Init("s1", "content", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)

	// Two update_progress calls both past the 10 MiB line.
	_, err = svc.UpdateProgress("s1", 10*MiB)
	require.NoError(t, err)
	_, err = svc.UpdateProgress("s1", 10*MiB+100)
	require.NoError(t, err)

	reached := 0
	for {
		select {
		case ev := <-sub:
			if ev.Kind == EventCheckpointReached {
				reached++
			}
		default:
			goto done
		}
	}
done:
	assert.Equal(t, 1, reached, "PaymentCheckpointReached must fire exactly once per milestone")
}

func TestCheckpoint_ShouldPauseWhileWaiting(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, _ = svc.UpdateProgress("s1", 10*MiB)
	assert.True(t, svc.ShouldPause("s1"))
}

func TestCheckpoint_RecordPaymentResumesAndAdvances(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, _ = svc.UpdateProgress("s1", 10*MiB)

	require.NoError(t, svc.RecordPayment("s1", "0xabc", 0.01))
	assert.False(t, svc.ShouldPause("s1"))

	snap, ok := svc.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, StateActive, snap.State)
	assert.InDelta(t, 0.01, snap.TotalPaid, 1e-9)
	assert.Equal(t, int64(30)*MiB, snap.NextCheckpointBytes)
}

func TestCheckpoint_CompletesWithoutReachingNextMilestone(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, _ = svc.UpdateProgress("s1", 10*MiB)
	require.NoError(t, svc.RecordPayment("s1", "0xabc", 0.01))

	_, err = svc.UpdateProgress("s1", 15*MiB)
	require.NoError(t, err)
	require.NoError(t, svc.MarkCompleted("s1"))

	snap, ok := svc.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, snap.State)
	assert.InDelta(t, 0.01, snap.TotalPaid, 1e-9, "no further payment is due before completion")
}

func TestCheckpoint_UpfrontFiresImmediatelyForFullAmount(t *testing.T) {
	svc := newTestService()
	fileSize := int64(50) * MiB
	_, err := svc.Init("s1", "c", fileSize, "seeder", "addr", 0.002, ModeUpfront)
	require.NoError(t, err)

	state, err := svc.UpdateProgress("s1", 0)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingForPayment, state)

	snap, ok := svc.Snapshot("s1")
	require.True(t, ok)
	assert.InDelta(t, TotalDue(fileSize, 0.002), snap.PendingAmount, 1e-9)

	require.NoError(t, svc.RecordPayment("s1", "0xdef", snap.PendingAmount))
	_, err = svc.UpdateProgress("s1", fileSize)
	require.NoError(t, err)
	snap, _ = svc.Snapshot("s1")
	assert.Equal(t, StateActive, snap.State, "upfront mode fires no further checkpoints")
}

func TestCheckpoint_RecordPaymentRequiresWaitingState(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	err = svc.RecordPayment("s1", "0xabc", 0.01)
	assert.Error(t, err)
}

func TestCheckpoint_MarkFailedKeepsPaused(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, _ = svc.UpdateProgress("s1", 10*MiB)
	require.NoError(t, svc.MarkFailed("s1", "declined"))
	assert.True(t, svc.ShouldPause("s1"))
}

func TestCheckpoint_InitIdempotent(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, err = svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
}

func TestCheckpoint_InitRejectsMismatchedParams(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, err = svc.Init("s1", "c", 20*MiB, "seeder", "addr", 0.001, ModeExponential)
	assert.Error(t, err)
}

func TestCheckpoint_BytesTransferredMonotonic(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, err = svc.UpdateProgress("s1", 5*MiB)
	require.NoError(t, err)
	_, err = svc.UpdateProgress("s1", 4*MiB)
	assert.Error(t, err)
}

func TestCheckpoint_OneByteShortDoesNotFire(t *testing.T) {
	svc := newTestService()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	state, err := svc.UpdateProgress("s1", 10*MiB-1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
}

func TestCheckpoint_OneByteOverFiresExactlyOnce(t *testing.T) {
	svc := newTestService()
	sub := svc.Subscribe()
	_, err := svc.Init("s1", "c", 15*MiB, "seeder", "addr", 0.001, ModeExponential)
	require.NoError(t, err)
	_, err = svc.UpdateProgress("s1", 10*MiB+1)
	require.NoError(t, err)

	ev := <-sub
	assert.Equal(t, EventCheckpointReached, ev.Kind)
}
