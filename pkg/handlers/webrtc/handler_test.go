package webrtc

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/transfer-core/pkg/protocol"
)

// memChannel is an io.ReadWriteCloser backed by a fixed byte slice, replayed
// fresh for every dialer.Open call — mirroring how a real WebRTC data
// channel looks to a single reader that opens it once per chunk.
type memChannel struct {
	*bytes.Reader
}

func (m *memChannel) Write(p []byte) (int, error) { return len(p), nil }
func (m *memChannel) Close() error                { return nil }

type memDialer struct {
	body []byte
}

func (d *memDialer) Open(ctx context.Context, peerID peer.ID) (io.ReadWriteCloser, error) {
	return &memChannel{Reader: bytes.NewReader(d.body)}, nil
}

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func TestHandler_SupportsWebRTC(t *testing.T) {
	h := New(nil, zerolog.Nop())
	assert.True(t, h.Supports("webrtc:12D3KooWExample"))
	assert.False(t, h.Supports("http://example.com"))
}

func TestHandler_ManifestAndFetchRoundTrip(t *testing.T) {
	id := randomPeerID(t)
	body := bytes.Repeat([]byte("x"), int(DefaultChunkSize)+42)
	h := New(&memDialer{body: body}, zerolog.Nop())

	dh, err := h.Download(context.Background(), "webrtc:"+id.String(), protocol.DownloadOptions{}, nil)
	require.NoError(t, err)
	defer dh.Close()

	manifest, err := dh.Manifest(context.Background())
	require.NoError(t, err)
	require.Len(t, manifest.Chunks, 2)
	assert.Equal(t, int64(len(body)), manifest.FileSize)

	for i := range manifest.Chunks {
		data, err := dh.Fetch(context.Background(), i)
		require.NoError(t, err)
		assert.NoError(t, manifest.Verify(i, data))
	}
}

func TestHandler_DownloadRejectsBadPeerID(t *testing.T) {
	h := New(&memDialer{}, zerolog.Nop())
	_, err := h.Download(context.Background(), "webrtc:not-a-real-peer-id", protocol.DownloadOptions{}, nil)
	assert.Error(t, err)
}
