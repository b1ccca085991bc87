package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/chiral-network/transfer-core/internal/config"
	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/engine"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/payment"
	"github.com/chiral-network/transfer-core/pkg/protocol"
	"github.com/chiral-network/transfer-core/pkg/retry"
	"github.com/chiral-network/transfer-core/pkg/sourcedir"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

// fakeHandle/fakeHandler mirror pkg/engine's test doubles: a protocol.Handler
// serving a fixed manifest/body pair without touching the network, enough to
// drive StartTransfer end to end through the HTTP surface.
type fakeHandle struct {
	manifest *chunks.ChunkManifest
	body     []byte
}

func (f *fakeHandle) Manifest(ctx context.Context) (*chunks.ChunkManifest, error) { return f.manifest, nil }
func (f *fakeHandle) Fetch(ctx context.Context, idx int) ([]byte, error) {
	d := f.manifest.Chunks[idx]
	return append([]byte(nil), f.body[d.Offset:d.Offset+d.Size]...), nil
}
func (f *fakeHandle) Close() error { return nil }

type fakeHandler struct {
	prefix   string
	body     []byte
	manifest *chunks.ChunkManifest
}

func (f *fakeHandler) Name() string        { return "fake" }
func (f *fakeHandler) DetectPriority() int { return 1 }
func (f *fakeHandler) Supports(id string) bool {
	return len(id) >= len(f.prefix) && id[:len(f.prefix)] == f.prefix
}
func (f *fakeHandler) Download(ctx context.Context, identifier string, opts protocol.DownloadOptions, sink *eventbus.Bus) (protocol.DownloadHandle, error) {
	return &fakeHandle{manifest: f.manifest, body: f.body}, nil
}
func (f *fakeHandler) Seed(ctx context.Context, filePath string, opts protocol.SeedOptions) (protocol.SeedingInfo, error) {
	return protocol.SeedingInfo{Protocol: f.Name()}, nil
}
func (f *fakeHandler) Pause(h protocol.DownloadHandle) error  { return nil }
func (f *fakeHandler) Resume(h protocol.DownloadHandle) error { return nil }
func (f *fakeHandler) Cancel(h protocol.DownloadHandle) error { return nil }
func (f *fakeHandler) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{SupportsParallelChunks: true, SupportsSeeding: true}
}

func buildManifest(t *testing.T, body []byte, chunkSize int64) *chunks.ChunkManifest {
	t.Helper()
	var descs []chunks.ChunkDescriptor
	var offset int64
	idx := 0
	for offset < int64(len(body)) {
		size := chunkSize
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

func testServer(t *testing.T) (*Server, *chunks.ContentId, []byte) {
	t.Helper()
	body := bytes.Repeat([]byte{0x5a}, 37)
	manifest := buildManifest(t, body, 8)
	handler := &fakeHandler{prefix: "fake://", body: body, manifest: manifest}

	digest := sha256.Sum256(body)
	contentID, err := chunks.NewHash(digest[:])
	require.NoError(t, err)

	dir := sourcedir.NewMemoryDirectory()
	dir.Announce(contentID.String(), []transfer.Source{{SourceID: "s1", Kind: transfer.SourceHTTP, Address: "fake://content"}})

	bus := eventbus.New(context.Background(), zerolog.Nop())
	manager := protocol.NewManager(zerolog.Nop())
	manager.Register(handler)

	cfg := engine.DefaultConfig()
	cfg.StallTimeout = 500 * time.Millisecond
	cfg.FetchTimeout = time.Second
	cfg.CancelGrace = 200 * time.Millisecond

	reg := retry.NewRegistry(retry.DefaultConfig())
	eng := engine.New(cfg, manager, bus, payment.NewService(zerolog.Nop()), dir,
		sourcedir.NewFakePaymentOracle(), sourcedir.NewFakeHealthSignal(),
		reg, nil, nil, zerolog.Nop())

	apiCfg := config.APIConfig{Listen: ":0", TokenExpiry: time.Hour, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}
	srv := New(apiCfg, eng, bus, "", "", retry.NewHealthMonitor(reg, 1), zerolog.Nop())
	return srv, &contentID, body
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealthz(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleStartTransferAndGet(t *testing.T) {
	srv, contentID, _ := testServer(t)
	outPath := filepath.Join(t.TempDir(), "out.bin")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/transfers", startTransferRequest{
		ContentID:  contentID.String(),
		OutputPath: outPath,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp startTransferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TransferID)

	get := doRequest(t, srv, http.MethodGet, "/api/v1/transfers/"+resp.TransferID, nil)
	assert.Equal(t, http.StatusOK, get.Code)

	list := doRequest(t, srv, http.MethodGet, "/api/v1/transfers", nil)
	assert.Equal(t, http.StatusOK, list.Code)
}

func TestHandleStartTransferBadContentID(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/transfers", startTransferRequest{
		ContentID:  "not-a-valid-content-id",
		OutputPath: filepath.Join(t.TempDir(), "out.bin"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetTransferUnknown(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/transfers/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelTransferUnknown(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/transfers/does-not-exist/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListHandlers(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/handlers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var handlers []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &handlers))
	require.Len(t, handlers, 1)
	assert.Equal(t, "fake", handlers[0].Name)
}

func TestHandleSeedFile(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/seed", seedFileRequest{Path: "/tmp/payload.bin"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthNetwork(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/health/network", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report retry.NetworkHealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.MinPeersThreshold)
}

func TestHandleRecordPaymentUnknownTransfer(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/transfers/does-not-exist/payment", recordPaymentRequest{TxHash: "0xabc", Amount: 0.01})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAuthMiddlewareRejectsWithoutToken(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.JWTSecret = "test-secret"

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/transfers", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	healthz := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, healthz.Code)
}

func TestLoginIssuesToken(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.JWTSecret = "test-secret"
	srv.operatorUser = "admin"
	hashBytes, err := bcrypt.GenerateFromPassword([]byte("swordfish"), bcrypt.DefaultCost)
	require.NoError(t, err)
	srv.operatorPassHash = string(hashBytes)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/auth/login", loginRequest{Username: "admin", Password: "swordfish"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	bad := doRequest(t, srv, http.MethodPost, "/api/v1/auth/login", loginRequest{Username: "admin", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, bad.Code)
}
