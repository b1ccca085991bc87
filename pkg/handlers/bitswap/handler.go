// Package bitswap implements the BitSwap protocol handler (spec §4.1):
// content-addressed block exchange keyed by CID, as used by the IPFS
// family of protocols. The want-list/have-list exchange itself is
// delegated to an injected Exchange.
package bitswap

import (
	"context"
	"strings"
	"sync"

	cid "github.com/ipfs/go-cid"
	"github.com/rs/zerolog"

	"github.com/chiral-network/transfer-core/internal/xerrors"
	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/protocol"
)

// BlockSize is the nominal BitSwap block size.
const BlockSize int64 = 256 * 1024

// Exchange is the narrow seam a real BitSwap/IPFS node plugs in behind.
type Exchange interface {
	// Layout returns the ordered list of block CIDs making up root and
	// their total byte size (resolved via the root's DAG, e.g. UnixFS).
	Layout(ctx context.Context, root cid.Cid) (blocks []cid.Cid, totalSize int64, err error)
	GetBlock(ctx context.Context, c cid.Cid) ([]byte, error)
	// Add chunks a local file into the exchange's block store, returning
	// its root CID.
	Add(ctx context.Context, filePath string) (cid.Cid, error)
}

// Handler implements protocol.Handler for CID identifiers (bafy…, Qm…).
type Handler struct {
	exchange Exchange
	log      zerolog.Logger
}

func New(exchange Exchange, log zerolog.Logger) *Handler {
	return &Handler{exchange: exchange, log: log}
}

func (h *Handler) Name() string        { return "bitswap" }
func (h *Handler) DetectPriority() int { return 70 }

func (h *Handler) Supports(identifier string) bool {
	return strings.HasPrefix(identifier, "bafy") || strings.HasPrefix(identifier, "Qm")
}

func (h *Handler) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		SupportsSeeding:        true,
		SupportsParallelChunks: true,
	}
}

type handle struct {
	root     cid.Cid
	exchange Exchange

	mu       sync.Mutex
	manifest *chunks.ChunkManifest
	blocks   []cid.Cid
}

func (h *Handler) Download(ctx context.Context, identifier string, opts protocol.DownloadOptions, sink *eventbus.Bus) (protocol.DownloadHandle, error) {
	root, err := cid.Decode(identifier)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "decode cid", err)
	}
	return &handle{root: root, exchange: h.exchange}, nil
}

func (h *Handler) Seed(ctx context.Context, filePath string, opts protocol.SeedOptions) (protocol.SeedingInfo, error) {
	root, err := h.exchange.Add(ctx, filePath)
	if err != nil {
		return protocol.SeedingInfo{}, xerrors.Wrap(xerrors.CategoryNetwork, "add file to bitswap exchange", err)
	}
	return protocol.SeedingInfo{ContentID: chunks.NewCid(root), Protocol: "bitswap"}, nil
}

func (h *Handler) Pause(dh protocol.DownloadHandle) error  { return nil }
func (h *Handler) Resume(dh protocol.DownloadHandle) error { return nil }
func (h *Handler) Cancel(dh protocol.DownloadHandle) error { return dh.Close() }

func (d *handle) Manifest(ctx context.Context) (*chunks.ChunkManifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manifest != nil {
		return d.manifest, nil
	}
	blocks, totalSize, err := d.exchange.Layout(ctx, d.root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "resolve bitswap dag layout", err)
	}

	var descs []chunks.ChunkDescriptor
	var offset int64
	for i, c := range blocks {
		size := BlockSize
		if offset+size > totalSize {
			size = totalSize - offset
		}
		decoded, err := c.Hash().Decode()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CategoryProtocol, "decode block multihash", err)
		}
		descs = append(descs, chunks.ChunkDescriptor{
			Index: i, Offset: offset, Size: size,
			Digest: decoded.Digest, DigestAlgo: chunks.AlgoCID,
		})
		offset += size
	}
	m, err := chunks.NewManifest(descs, totalSize)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "build bitswap manifest", err)
	}
	d.manifest = m
	d.blocks = blocks
	return m, nil
}

func (d *handle) Fetch(ctx context.Context, chunkIndex int) ([]byte, error) {
	d.mu.Lock()
	blocks := d.blocks
	d.mu.Unlock()
	if blocks == nil {
		return nil, xerrors.New(xerrors.CategoryProtocol, "fetch called before manifest")
	}
	data, err := d.exchange.GetBlock(ctx, blocks[chunkIndex])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "get bitswap block", err)
	}
	return data, nil
}

func (d *handle) Close() error { return nil }
