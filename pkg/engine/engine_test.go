package engine

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/payment"
	"github.com/chiral-network/transfer-core/pkg/protocol"
	"github.com/chiral-network/transfer-core/pkg/retry"
	"github.com/chiral-network/transfer-core/pkg/sourcedir"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

const testChunkSize = 4

// fakeHandle serves a fixed set of chunks carved from body, optionally
// failing the first N Fetch calls for a given index before succeeding —
// enough to exercise the scheduler's retry path without a real network.
type fakeHandle struct {
	manifest   *chunks.ChunkManifest
	body       []byte
	failFirstN map[int]int
	delay      time.Duration
}

func (f *fakeHandle) Manifest(ctx context.Context) (*chunks.ChunkManifest, error) {
	return f.manifest, nil
}

func (f *fakeHandle) Fetch(ctx context.Context, idx int) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n := f.failFirstN[idx]; n > 0 {
		f.failFirstN[idx] = n - 1
		return nil, assertErr("simulated fetch failure")
	}
	d := f.manifest.Chunks[idx]
	return append([]byte(nil), f.body[d.Offset:d.Offset+d.Size]...), nil
}

func (f *fakeHandle) Close() error { return nil }

type assertErr string

func (e assertErr) Error() string { return string(e) }

type fakeHandler struct {
	prefix     string
	body       []byte
	manifest   *chunks.ChunkManifest
	failFirstN map[int]int
	delay      time.Duration
}

func (f *fakeHandler) Name() string        { return "fake" }
func (f *fakeHandler) DetectPriority() int { return 1 }
func (f *fakeHandler) Supports(id string) bool {
	return len(id) >= len(f.prefix) && id[:len(f.prefix)] == f.prefix
}
func (f *fakeHandler) Download(ctx context.Context, identifier string, opts protocol.DownloadOptions, sink *eventbus.Bus) (protocol.DownloadHandle, error) {
	return &fakeHandle{manifest: f.manifest, body: f.body, failFirstN: f.failFirstN, delay: f.delay}, nil
}
func (f *fakeHandler) Seed(ctx context.Context, filePath string, opts protocol.SeedOptions) (protocol.SeedingInfo, error) {
	return protocol.SeedingInfo{}, nil
}
func (f *fakeHandler) Pause(h protocol.DownloadHandle) error  { return nil }
func (f *fakeHandler) Resume(h protocol.DownloadHandle) error { return nil }
func (f *fakeHandler) Cancel(h protocol.DownloadHandle) error { return nil }
func (f *fakeHandler) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{SupportsParallelChunks: true}
}

func buildManifest(t *testing.T, body []byte) *chunks.ChunkManifest {
	t.Helper()
	var descs []chunks.ChunkDescriptor
	var offset int64
	idx := 0
	for offset < int64(len(body)) {
		size := int64(testChunkSize)
		if offset+size > int64(len(body)) {
			size = int64(len(body)) - offset
		}
		sum := sha256.Sum256(body[offset : offset+size])
		descs = append(descs, chunks.ChunkDescriptor{Index: idx, Offset: offset, Size: size, Digest: sum[:], DigestAlgo: chunks.AlgoSHA256})
		offset += size
		idx++
	}
	m, err := chunks.NewManifest(descs, int64(len(body)))
	require.NoError(t, err)
	return m
}

func testEngine(t *testing.T, handler *fakeHandler, dir sourcedir.SourceDirectory, health sourcedir.HealthSignal) (*Engine, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(context.Background(), zerolog.Nop())
	manager := protocol.NewManager(zerolog.Nop())
	manager.Register(handler)

	cfg := DefaultConfig()
	cfg.StallTimeout = 500 * time.Millisecond
	cfg.FetchTimeout = time.Second
	cfg.CancelGrace = 200 * time.Millisecond

	e := New(cfg, manager, bus, payment.NewService(zerolog.Nop()), dir, sourcedir.NewFakePaymentOracle(), health, retry.NewRegistry(retry.DefaultConfig()), nil, nil, zerolog.Nop())
	return e, bus
}

func awaitTerminal(t *testing.T, sub *eventbus.Subscription, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type().IsTerminal() {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestEngine_StartTransferCompletesAndFinalizes(t *testing.T) {
	body := make([]byte, testChunkSize*5+2)
	for i := range body {
		body[i] = byte(i)
	}
	manifest := buildManifest(t, body)

	handler := &fakeHandler{prefix: "fake://", body: body, manifest: manifest}
	dir := sourcedir.NewMemoryDirectory()
	health := sourcedir.NewFakeHealthSignal()

	digest := sha256.Sum256(body)
	contentID, err := chunks.NewHash(digest[:])
	require.NoError(t, err)
	dir.Announce(contentID.String(), []transfer.Source{{SourceID: "s1", Kind: transfer.SourceHTTP, Address: "fake://content"}})

	e, bus := testEngine(t, handler, dir, health)
	sub := bus.Subscribe()

	outDir := t.TempDir()

	req := StartRequest{
		ContentID:  contentID,
		FileHash:   "deadbeef",
		FileName:   "payload.bin",
		OutputPath: filepath.Join(outDir, "payload.bin"),
		Priority:   transfer.PriorityNormal,
	}

	transferID, err := e.StartTransfer(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, transferID)

	ev := awaitTerminal(t, sub, 5*time.Second)
	require.Equal(t, eventbus.TypeCompleted, ev.Type())

	written, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, body, written)

	verdicts := health.Snapshot()
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Success)

	summary := e.ListTransfers()
	require.Len(t, summary, 1)
	assert.Equal(t, transfer.StatusCompleted, summary[0].Status)
}

func TestEngine_ChunkRetriesThenSucceeds(t *testing.T) {
	body := make([]byte, testChunkSize*3)
	for i := range body {
		body[i] = byte(100 + i)
	}
	manifest := buildManifest(t, body)

	handler := &fakeHandler{prefix: "fake://", body: body, manifest: manifest, failFirstN: map[int]int{1: 2}}
	dir := sourcedir.NewMemoryDirectory()

	digest := sha256.Sum256(body)
	contentID, err := chunks.NewHash(digest[:])
	require.NoError(t, err)
	dir.Announce(contentID.String(), []transfer.Source{{SourceID: "s1", Kind: transfer.SourceHTTP, Address: "fake://content"}})

	e, bus := testEngine(t, handler, dir, sourcedir.NewFakeHealthSignal())
	sub := bus.Subscribe()

	outDir := t.TempDir()

	req := StartRequest{ContentID: contentID, OutputPath: filepath.Join(outDir, "out.bin"), Priority: transfer.PriorityNormal}
	_, err = e.StartTransfer(context.Background(), req)
	require.NoError(t, err)

	ev := awaitTerminal(t, sub, 5*time.Second)
	require.Equal(t, eventbus.TypeCompleted, ev.Type())

	written, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, body, written)
}

func TestEngine_NoSourcesFailsAdmission(t *testing.T) {
	handler := &fakeHandler{prefix: "fake://"}
	dir := sourcedir.NewMemoryDirectory()

	e, _ := testEngine(t, handler, dir, sourcedir.NewFakeHealthSignal())
	contentID, err := chunks.NewHash(make([]byte, 32))
	require.NoError(t, err)

	_, err = e.StartTransfer(context.Background(), StartRequest{ContentID: contentID, OutputPath: filepath.Join(t.TempDir(), "out.bin")})
	assert.Error(t, err)
}

func TestEngine_CancelTransferStopsScheduling(t *testing.T) {
	body := make([]byte, testChunkSize*20)
	manifest := buildManifest(t, body)
	handler := &fakeHandler{prefix: "fake://", body: body, manifest: manifest, delay: 2 * time.Second}
	dir := sourcedir.NewMemoryDirectory()

	digest := sha256.Sum256(body)
	contentID, err := chunks.NewHash(digest[:])
	require.NoError(t, err)
	dir.Announce(contentID.String(), []transfer.Source{{SourceID: "s1", Kind: transfer.SourceHTTP, Address: "fake://content"}})

	e, bus := testEngine(t, handler, dir, sourcedir.NewFakeHealthSignal())
	sub := bus.Subscribe()

	req := StartRequest{ContentID: contentID, OutputPath: filepath.Join(t.TempDir(), "out.bin")}

	transferID, err := e.StartTransfer(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, e.CancelTransfer(transferID))

	ev := awaitTerminal(t, sub, 5*time.Second)
	assert.Equal(t, eventbus.TypeCanceled, ev.Type())
}
