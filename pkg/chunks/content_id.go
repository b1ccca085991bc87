// Package chunks holds the wire-level data model shared by every protocol
// handler and the multi-source engine: content identifiers and chunk
// manifests (spec §3).
package chunks

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// Kind discriminates the ContentId union.
type Kind int

const (
	KindHash Kind = iota
	KindMagnet
	KindEd2kLink
	KindHttpUrl
	KindFtpUrl
	KindCid
)

func (k Kind) String() string {
	switch k {
	case KindHash:
		return "hash"
	case KindMagnet:
		return "magnet"
	case KindEd2kLink:
		return "ed2k"
	case KindHttpUrl:
		return "http"
	case KindFtpUrl:
		return "ftp"
	case KindCid:
		return "cid"
	default:
		return "unknown"
	}
}

// ContentId is the protocol-tagged identifier described in spec §3. It is
// immutable once constructed; callers should treat the zero value as
// invalid and always go through one of the constructors below.
type ContentId struct {
	kind Kind

	// Hash: sha256 digest, 32 bytes.
	hash []byte

	// Magnet: BitTorrent info hash (20 bytes, or 32 for BTv2) and trackers.
	infoHash []byte
	trackers []string

	// Ed2kLink: md4 digest (16 bytes), file size, display name.
	md4      []byte
	fileSize uint64
	fileName string

	// HttpUrl / FtpUrl.
	url string

	// Cid: a multihash-addressed content id.
	c cid.Cid
}

func (c ContentId) Kind() Kind { return c.kind }

// NewHash builds a ContentId from a raw 32-byte SHA-256 digest.
func NewHash(digest []byte) (ContentId, error) {
	if len(digest) != 32 {
		return ContentId{}, fmt.Errorf("chunks: sha256 content id must be 32 bytes, got %d", len(digest))
	}
	out := make([]byte, 32)
	copy(out, digest)
	return ContentId{kind: KindHash, hash: out}, nil
}

// HashHex returns the lowercase hex encoding of the SHA-256 digest. Valid
// only when Kind() == KindHash.
func (c ContentId) HashHex() string { return hex.EncodeToString(c.hash) }

// NewMagnet builds a ContentId from a BitTorrent info hash and tracker list.
func NewMagnet(infoHash []byte, trackers []string) (ContentId, error) {
	if len(infoHash) != 20 && len(infoHash) != 32 {
		return ContentId{}, fmt.Errorf("chunks: magnet info hash must be 20 or 32 bytes, got %d", len(infoHash))
	}
	ih := make([]byte, len(infoHash))
	copy(ih, infoHash)
	ts := append([]string(nil), trackers...)
	return ContentId{kind: KindMagnet, infoHash: ih, trackers: ts}, nil
}

func (c ContentId) InfoHash() []byte  { return append([]byte(nil), c.infoHash...) }
func (c ContentId) Trackers() []string { return append([]string(nil), c.trackers...) }

// NewEd2kLink builds a ContentId from an ED2K md4 root hash, file size and
// display name.
func NewEd2kLink(md4 []byte, fileSize uint64, fileName string) (ContentId, error) {
	if len(md4) != 16 {
		return ContentId{}, fmt.Errorf("chunks: ed2k md4 must be 16 bytes, got %d", len(md4))
	}
	out := make([]byte, 16)
	copy(out, md4)
	return ContentId{kind: KindEd2kLink, md4: out, fileSize: fileSize, fileName: fileName}, nil
}

func (c ContentId) MD4() []byte        { return append([]byte(nil), c.md4...) }
func (c ContentId) FileSize() uint64   { return c.fileSize }
func (c ContentId) FileName() string   { return c.fileName }

// NewHttpUrl / NewFtpUrl build a ContentId wrapping a plain URL, used when
// the identifier is a direct HTTP(S) or FTP(S) location rather than a
// content-addressed hash.
func NewHttpUrl(url string) ContentId { return ContentId{kind: KindHttpUrl, url: url} }
func NewFtpUrl(url string) ContentId  { return ContentId{kind: KindFtpUrl, url: url} }

func (c ContentId) URL() string { return c.url }

// NewCid wraps an IPFS/multihash content id (the BitSwap handler's native
// addressing scheme).
func NewCid(c2 cid.Cid) ContentId { return ContentId{kind: KindCid, c: c2} }

func (c ContentId) Cid() cid.Cid { return c.c }

// String renders a human-readable, stable representation suitable for log
// fields and the checkpoint file's file_hash.
func (c ContentId) String() string {
	switch c.kind {
	case KindHash:
		return "sha256:" + c.HashHex()
	case KindMagnet:
		return "magnet:?xt=urn:btih:" + hex.EncodeToString(c.infoHash)
	case KindEd2kLink:
		return fmt.Sprintf("ed2k://|file|%s|%d|%s|", c.fileName, c.fileSize, strings.ToUpper(hex.EncodeToString(c.md4)))
	case KindHttpUrl, KindFtpUrl:
		return c.url
	case KindCid:
		return c.c.String()
	default:
		return "invalid-content-id"
	}
}

// Digest returns the raw integrity digest used for whole-file verification
// (spec §4.2.4), when the ContentId kind carries one directly (Hash,
// Ed2kLink, Cid). Magnet/Http/Ftp identifiers carry no such digest; callers
// must instead trust the manifest's own top-level invariant.
func (c ContentId) Digest() ([]byte, bool) {
	switch c.kind {
	case KindHash:
		return append([]byte(nil), c.hash...), true
	case KindEd2kLink:
		return append([]byte(nil), c.md4...), true
	case KindCid:
		dmh, err := multihashDigest(c.c)
		if err != nil {
			return nil, false
		}
		return dmh, true
	default:
		return nil, false
	}
}

// Parse inverts String for the wire forms the control surface accepts:
// "sha256:<hex>", "ed2k://|file|name|size|HEX|", "magnet:?xt=urn:btih:<hex>",
// a bare http(s)/ftp(s) URL, or a raw CID string.
func Parse(raw string) (ContentId, error) {
	switch {
	case strings.HasPrefix(raw, "sha256:"):
		digest, err := hex.DecodeString(strings.TrimPrefix(raw, "sha256:"))
		if err != nil {
			return ContentId{}, fmt.Errorf("chunks: parse sha256 content id: %w", err)
		}
		return NewHash(digest)
	case strings.HasPrefix(raw, "ed2k://"):
		return parseEd2kLink(raw)
	case strings.HasPrefix(raw, "magnet:"):
		return parseMagnet(raw)
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return NewHttpUrl(raw), nil
	case strings.HasPrefix(raw, "ftp://"), strings.HasPrefix(raw, "ftps://"):
		return NewFtpUrl(raw), nil
	default:
		parsed, err := cid.Decode(raw)
		if err != nil {
			return ContentId{}, fmt.Errorf("chunks: unrecognized content id %q", raw)
		}
		return NewCid(parsed), nil
	}
}

func parseEd2kLink(raw string) (ContentId, error) {
	parts := strings.Split(strings.TrimPrefix(raw, "ed2k://"), "|")
	if len(parts) < 5 {
		return ContentId{}, fmt.Errorf("chunks: malformed ed2k link %q", raw)
	}
	fileName, sizeStr, hexDigest := parts[1], parts[2], parts[3]
	var fileSize uint64
	if _, err := fmt.Sscanf(sizeStr, "%d", &fileSize); err != nil {
		return ContentId{}, fmt.Errorf("chunks: malformed ed2k size in %q: %w", raw, err)
	}
	md4, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ContentId{}, fmt.Errorf("chunks: malformed ed2k digest in %q: %w", raw, err)
	}
	return NewEd2kLink(md4, fileSize, fileName)
}

func parseMagnet(raw string) (ContentId, error) {
	const marker = "urn:btih:"
	i := strings.Index(raw, marker)
	if i < 0 {
		return ContentId{}, fmt.Errorf("chunks: malformed magnet link %q", raw)
	}
	hexHash := raw[i+len(marker):]
	if amp := strings.IndexByte(hexHash, '&'); amp >= 0 {
		hexHash = hexHash[:amp]
	}
	infoHash, err := hex.DecodeString(hexHash)
	if err != nil {
		return ContentId{}, fmt.Errorf("chunks: malformed magnet info hash in %q: %w", raw, err)
	}
	return NewMagnet(infoHash, nil)
}

func multihashDigest(c cid.Cid) ([]byte, error) {
	decoded, err := c.Hash().Decode()
	if err != nil {
		return nil, err
	}
	return decoded.Digest, nil
}
