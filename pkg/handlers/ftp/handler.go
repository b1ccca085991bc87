// Package ftp implements the FTP(S) protocol handler (spec §4.1) using a
// stdlib net/textproto control connection and range-less sequential reads
// (FTP's REST command substitutes for HTTP-style byte ranges).
package ftp

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chiral-network/transfer-core/internal/xerrors"
	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
	"github.com/chiral-network/transfer-core/pkg/protocol"
)

// DefaultChunkSize mirrors httpx's nominal chunk size.
const DefaultChunkSize int64 = 1024 * 1024

// Handler implements protocol.Handler for ftp:// and ftps:// identifiers.
type Handler struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Handler { return &Handler{log: log} }

func (h *Handler) Name() string        { return "ftp" }
func (h *Handler) DetectPriority() int { return 50 }

func (h *Handler) Supports(identifier string) bool {
	return strings.HasPrefix(identifier, "ftp://") || strings.HasPrefix(identifier, "ftps://")
}

func (h *Handler) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{SupportsRange: true}
}

type handle struct {
	rawURL string

	mu       sync.Mutex
	manifest *chunks.ChunkManifest
}

func (h *Handler) Download(ctx context.Context, identifier string, opts protocol.DownloadOptions, sink *eventbus.Bus) (protocol.DownloadHandle, error) {
	return &handle{rawURL: identifier}, nil
}

func (h *Handler) Seed(ctx context.Context, filePath string, opts protocol.SeedOptions) (protocol.SeedingInfo, error) {
	return protocol.SeedingInfo{}, xerrors.New(xerrors.CategoryUnknown, "ftp handler does not support seeding local files")
}

func (h *Handler) Pause(dh protocol.DownloadHandle) error  { return nil }
func (h *Handler) Resume(dh protocol.DownloadHandle) error { return nil }
func (h *Handler) Cancel(dh protocol.DownloadHandle) error { return dh.Close() }

func dialAndAuth(u *url.URL) (*textproto.Conn, error) {
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":21"
	}
	conn, err := textproto.Dial("tcp", host)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "dial ftp control connection", err)
	}
	if _, _, err := conn.ReadResponse(2); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "ftp greeting", err)
	}

	user := "anonymous"
	pass := "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if _, err := conn.Cmd("USER %s", user); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "ftp USER", err)
	}
	if _, _, err := conn.ReadResponse(3); err != nil {
		conn.Close()
		return nil, xerrors.New(xerrors.CategoryAuthentication, "ftp USER rejected")
	}
	if _, err := conn.Cmd("PASS %s", pass); err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "ftp PASS", err)
	}
	if _, _, err := conn.ReadResponse(2); err != nil {
		conn.Close()
		return nil, xerrors.New(xerrors.CategoryAuthentication, "ftp PASS rejected")
	}
	return conn, nil
}

// openDataConn issues PASV then RETR starting at restOffset, returning the
// opened data connection for streaming reads.
func openDataConn(conn *textproto.Conn, path string, restOffset int64) (net.Conn, error) {
	if restOffset > 0 {
		if _, err := conn.Cmd("REST %d", restOffset); err != nil {
			return nil, xerrors.Wrap(xerrors.CategoryNetwork, "ftp REST", err)
		}
		if _, _, err := conn.ReadResponse(3); err != nil {
			return nil, xerrors.Wrap(xerrors.CategoryProtocol, "ftp REST rejected", err)
		}
	}
	if _, err := conn.Cmd("PASV"); err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "ftp PASV", err)
	}
	_, line, err := conn.ReadResponse(2)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "ftp PASV response", err)
	}
	addr, err := parsePasv(line)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "parse PASV response", err)
	}

	if _, err := conn.Cmd("RETR %s", path); err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "ftp RETR", err)
	}
	data, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "dial ftp data connection", err)
	}
	if _, _, err := conn.ReadResponse(1); err != nil {
		data.Close()
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "ftp RETR rejected", err)
	}
	return data, nil
}

// parsePasv parses the "227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)."
// response into a dialable host:port.
func parsePasv(line string) (string, error) {
	start := strings.Index(line, "(")
	end := strings.Index(line, ")")
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("ftp: malformed PASV response %q", line)
	}
	parts := strings.Split(line[start+1:end], ",")
	if len(parts) != 6 {
		return "", fmt.Errorf("ftp: malformed PASV address %q", line)
	}
	p1, err := strconv.Atoi(parts[4])
	if err != nil {
		return "", err
	}
	p2, err := strconv.Atoi(parts[5])
	if err != nil {
		return "", err
	}
	host := strings.Join(parts[:4], ".")
	port := p1*256 + p2
	return fmt.Sprintf("%s:%d", host, port), nil
}

func (d *handle) Manifest(ctx context.Context) (*chunks.ChunkManifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manifest != nil {
		return d.manifest, nil
	}

	u, err := url.Parse(d.rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "parse ftp url", err)
	}
	conn, err := dialAndAuth(u)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := openDataConn(conn, u.Path, 0)
	if err != nil {
		return nil, err
	}
	defer data.Close()

	var descs []chunks.ChunkDescriptor
	var offset int64
	idx := 0
	buf := make([]byte, DefaultChunkSize)
	for {
		n, readErr := io.ReadFull(data, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			descs = append(descs, chunks.ChunkDescriptor{
				Index: idx, Offset: offset, Size: int64(n),
				Digest: sum[:], DigestAlgo: chunks.AlgoSHA256,
			})
			offset += int64(n)
			idx++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, xerrors.Wrap(xerrors.CategoryNetwork, "read ftp data connection", readErr)
		}
	}

	m, err := chunks.NewManifest(descs, offset)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "build ftp manifest", err)
	}
	d.manifest = m
	return m, nil
}

// Fetch re-opens a fresh control+data connection with REST to the chunk's
// offset — FTP has no equivalent of HTTP's stateless Range header, so each
// chunk fetch pays a new control-connection round trip.
func (d *handle) Fetch(ctx context.Context, chunkIndex int) ([]byte, error) {
	d.mu.Lock()
	m := d.manifest
	d.mu.Unlock()
	if m == nil {
		return nil, xerrors.New(xerrors.CategoryProtocol, "fetch called before manifest")
	}
	desc := m.Chunks[chunkIndex]

	u, err := url.Parse(d.rawURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryProtocol, "parse ftp url", err)
	}
	conn, err := dialAndAuth(u)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := openDataConn(conn, u.Path, desc.Offset)
	if err != nil {
		return nil, err
	}
	defer data.Close()

	buf := make([]byte, desc.Size)
	if _, err := io.ReadFull(data, buf); err != nil {
		return nil, xerrors.Wrap(xerrors.CategoryNetwork, "read ftp chunk", err)
	}
	return buf, nil
}

func (d *handle) Close() error { return nil }
