package bitswap

import (
	"context"
	"errors"
	"testing"

	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/transfer-core/pkg/protocol"
)

type fakeExchange struct {
	blocks   [][]byte
	cids     []cid.Cid
	totalLen int64
}

func newFakeExchange(t *testing.T, blocks [][]byte) *fakeExchange {
	t.Helper()
	fe := &fakeExchange{blocks: blocks}
	var total int64
	for _, b := range blocks {
		sum, err := mh.Sum(b, mh.SHA2_256, -1)
		require.NoError(t, err)
		fe.cids = append(fe.cids, cid.NewCidV1(cid.Raw, sum))
		total += int64(len(b))
	}
	fe.totalLen = total
	return fe
}

func (f *fakeExchange) Layout(ctx context.Context, root cid.Cid) ([]cid.Cid, int64, error) {
	return f.cids, f.totalLen, nil
}

func (f *fakeExchange) GetBlock(ctx context.Context, c cid.Cid) ([]byte, error) {
	for i, bc := range f.cids {
		if bc.Equals(c) {
			return f.blocks[i], nil
		}
	}
	return nil, errors.New("block not found")
}

func (f *fakeExchange) Add(ctx context.Context, filePath string) (cid.Cid, error) {
	return f.cids[0], nil
}

func TestHandler_Supports(t *testing.T) {
	h := New(nil, zerolog.Nop())
	assert.True(t, h.Supports("bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"))
	assert.True(t, h.Supports("QmSomeLegacyCidValue"))
	assert.False(t, h.Supports("http://example.com"))
}

func TestHandler_ManifestAndFetch(t *testing.T) {
	blocks := [][]byte{[]byte("block-one-data"), []byte("block-two-data")}
	exchange := newFakeExchange(t, blocks)
	h := New(exchange, zerolog.Nop())

	dh, err := h.Download(context.Background(), exchange.cids[0].String(), protocol.DownloadOptions{}, nil)
	require.NoError(t, err)
	defer dh.Close()

	manifest, err := dh.Manifest(context.Background())
	require.NoError(t, err)
	require.Len(t, manifest.Chunks, 2)

	data, err := dh.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, blocks[1], data)
	assert.NoError(t, manifest.Verify(1, data))
}
