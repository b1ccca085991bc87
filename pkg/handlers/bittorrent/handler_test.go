package bittorrent

import (
	"context"
	"crypto/sha1"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/transfer-core/pkg/protocol"
)

type fakeSwarm struct {
	pieces    [][]byte
	pieceLen  int64
	totalSize int64
}

func (f *fakeSwarm) Pieces(ctx context.Context, infoHash []byte, trackers []string) ([][]byte, int64, int64, error) {
	var hashes [][]byte
	for _, p := range f.pieces {
		sum := sha1.Sum(p)
		hashes = append(hashes, sum[:])
	}
	return hashes, f.pieceLen, f.totalSize, nil
}

func (f *fakeSwarm) FetchPiece(ctx context.Context, infoHash []byte, pieceIndex int) ([]byte, error) {
	return f.pieces[pieceIndex], nil
}

func (f *fakeSwarm) Seed(ctx context.Context, filePath string, trackers []string) ([]byte, error) {
	return make([]byte, 20), nil
}

func TestHandler_Supports(t *testing.T) {
	h := New(nil, zerolog.Nop())
	assert.True(t, h.Supports("magnet:?xt=urn:btih:abc"))
	assert.False(t, h.Supports("http://example.com"))
}

func TestParseMagnet(t *testing.T) {
	ih, trackers, err := parseMagnet("magnet:?xt=urn:btih:" + hex40() + "&tr=http%3A%2F%2Ftracker.example%2Fannounce")
	require.NoError(t, err)
	assert.Len(t, ih, 20)
	assert.Equal(t, []string{"http://tracker.example/announce"}, trackers)
}

func hex40() string { return "0123456789abcdef0123456789abcdef01234567" }

func TestHandler_ManifestAndFetch(t *testing.T) {
	swarm := &fakeSwarm{
		pieces:    [][]byte{[]byte("piece-one-"), []byte("piece-two-")},
		pieceLen:  10,
		totalSize: 20,
	}
	h := New(swarm, zerolog.Nop())
	dh, err := h.Download(context.Background(), "magnet:?xt=urn:btih:"+hex40(), protocol.DownloadOptions{}, nil)
	require.NoError(t, err)
	defer dh.Close()

	manifest, err := dh.Manifest(context.Background())
	require.NoError(t, err)
	require.Len(t, manifest.Chunks, 2)

	data, err := dh.Fetch(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, manifest.Verify(0, data))
}
