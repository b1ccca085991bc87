package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(context.Background(), zerolog.Nop())
}

func TestBus_DeliversToTypedSubscriber(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TypeStarted)
	defer b.Unsubscribe(sub)

	b.Publish(StartedEvent{Meta: Meta{Transfer: "t1", Ts: 1}, TotalChunks: 4})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, TypeStarted, ev.Type())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_GenericSubscriberSeesEverything(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe() // generic
	defer b.Unsubscribe(sub)

	b.Publish(QueuedEvent{Meta: Meta{Transfer: "t1", Ts: 1}})
	b.Publish(StartedEvent{Meta: Meta{Transfer: "t1", Ts: 2}})

	got := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			got[ev.Type()] = true
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	assert.True(t, got[TypeQueued])
	assert.True(t, got[TypeStarted])
}

func TestBus_ProgressThrottledPerTransfer(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TypeProgress)
	defer b.Unsubscribe(sub)

	b.Publish(ProgressEvent{Meta: Meta{Transfer: "t1", Ts: 1}, DownloadedBytes: 10})
	b.Publish(ProgressEvent{Meta: Meta{Transfer: "t1", Ts: 2}, DownloadedBytes: 20})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.NextCoalesced(ctx)
	require.True(t, ok)
	progress := ev.(ProgressEvent)
	// Only the latest of the two rapid publishes should be observable.
	assert.Equal(t, int64(20), progress.DownloadedBytes)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	_, ok = sub.NextCoalesced(ctx2)
	assert.False(t, ok, "no second coalesced event should be pending")
}

func TestBus_DifferentTransfersThrottledIndependently(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TypeProgress)
	defer b.Unsubscribe(sub)

	b.Publish(ProgressEvent{Meta: Meta{Transfer: "t1", Ts: 1}})
	b.Publish(ProgressEvent{Meta: Meta{Transfer: "t2", Ts: 1}})

	seen := map[string]bool{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		ev, ok := sub.NextCoalesced(ctx)
		require.True(t, ok)
		seen[ev.TransferID()] = true
	}
	assert.True(t, seen["t1"])
	assert.True(t, seen["t2"])
}

func TestBus_TerminalEventDeliveredEvenToSlowSubscriber(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TypeCompleted)
	defer b.Unsubscribe(sub)

	// Fill the subscriber's direct-delivery buffer so a non-terminal
	// publish would drop; the terminal publish must still land.
	go b.Publish(CompletedEvent{Meta: Meta{Transfer: "t1", Ts: 1}, OutputPath: "/x"})

	select {
	case ev := <-sub.Events():
		assert.Equal(t, TypeCompleted, ev.Type())
	case <-time.After(time.Second):
		t.Fatal("terminal event never delivered")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(TypeStarted)
	b.Unsubscribe(sub)

	b.Publish(StartedEvent{Meta: Meta{Transfer: "t1", Ts: 1}})

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel should not receive after unsubscribe, or be closed")
	case <-time.After(100 * time.Millisecond):
		// no delivery is also an acceptable outcome
	}
}
