package chunks

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/md4"
)

// DigestAlgo names the integrity function used to verify a single chunk.
type DigestAlgo string

const (
	AlgoSHA256    DigestAlgo = "sha256"
	AlgoSHA1Piece DigestAlgo = "sha1-piece"
	AlgoMD4       DigestAlgo = "md4"
	AlgoCID       DigestAlgo = "cid"
)

// ChunkDescriptor is one entry of a ChunkManifest (spec §3).
type ChunkDescriptor struct {
	Index      int
	Offset     int64
	Size       int64
	Digest     []byte
	DigestAlgo DigestAlgo
}

// ChunkManifest is the ordered, immutable sequence of chunks making up a
// transfer. A transfer holds exactly one manifest once accepted.
type ChunkManifest struct {
	Chunks   []ChunkDescriptor
	FileSize int64

	// digest is a stable fingerprint of the manifest itself, used to
	// detect disagreement between sources (spec §4.2.5) and stored in the
	// checkpoint file as manifest_digest.
	digest [32]byte
}

// NewManifest validates and wraps a chunk list, computing its stable
// digest. Chunks must be contiguous, ordered by index starting at 0, and
// every chunk but the last must have the manifest's nominal chunk size.
func NewManifest(descs []ChunkDescriptor, fileSize int64) (*ChunkManifest, error) {
	if fileSize == 0 {
		if len(descs) != 0 {
			return nil, fmt.Errorf("chunks: zero-byte file must have an empty chunk list")
		}
		m := &ChunkManifest{Chunks: nil, FileSize: 0}
		m.digest = manifestDigest(m.Chunks, m.FileSize)
		return m, nil
	}
	var offset int64
	for i, d := range descs {
		if d.Index != i {
			return nil, fmt.Errorf("chunks: manifest out of order at position %d (index %d)", i, d.Index)
		}
		if d.Offset != offset {
			return nil, fmt.Errorf("chunks: chunk %d offset %d does not follow prior chunk (want %d)", i, d.Offset, offset)
		}
		if d.Size <= 0 {
			return nil, fmt.Errorf("chunks: chunk %d has non-positive size %d", i, d.Size)
		}
		offset += d.Size
	}
	if offset != fileSize {
		return nil, fmt.Errorf("chunks: manifest covers %d bytes, want %d", offset, fileSize)
	}
	cp := append([]ChunkDescriptor(nil), descs...)
	m := &ChunkManifest{Chunks: cp, FileSize: fileSize}
	m.digest = manifestDigest(m.Chunks, m.FileSize)
	return m, nil
}

// Digest returns the manifest's stable fingerprint (manifest_digest in the
// checkpoint file format, spec §6.1).
func (m *ChunkManifest) Digest() [32]byte { return m.digest }

func manifestDigest(descs []ChunkDescriptor, fileSize int64) [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "size=%d;count=%d;", fileSize, len(descs))
	for _, d := range descs {
		fmt.Fprintf(h, "%d:%d:%d:%s:%x;", d.Index, d.Offset, d.Size, d.DigestAlgo, d.Digest)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify checks fetched bytes for chunk index idx against its digest.
func (m *ChunkManifest) Verify(idx int, data []byte) error {
	if idx < 0 || idx >= len(m.Chunks) {
		return fmt.Errorf("chunks: chunk index %d out of range", idx)
	}
	d := m.Chunks[idx]
	if int64(len(data)) != d.Size {
		return fmt.Errorf("chunks: chunk %d expected %d bytes, got %d", idx, d.Size, len(data))
	}
	actual, err := digestFor(d.DigestAlgo, data)
	if err != nil {
		return err
	}
	if !bytesEqual(actual, d.Digest) {
		return fmt.Errorf("chunks: chunk %d digest mismatch", idx)
	}
	return nil
}

func digestFor(algo DigestAlgo, data []byte) ([]byte, error) {
	switch algo {
	case AlgoSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case AlgoMD4:
		h := md4.New()
		h.Write(data)
		return h.Sum(nil), nil
	case AlgoSHA1Piece:
		return sha1Piece(data), nil
	case AlgoCID:
		// BitSwap blocks are addressed by their CID's multihash digest;
		// the handler is responsible for supplying that digest as the
		// descriptor's Digest field, so plain content-hash comparison
		// (handled by the caller before calling Verify for CID chunks)
		// already applies. Treat as sha256 of the raw block bytes, the
		// digest function used by the default multihash codec.
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("chunks: unknown digest algorithm %q", algo)
	}
}

func sha1Piece(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
