// Package protocol defines the uniform capability contract every transport
// (HTTP, FTP, BitTorrent, WebRTC, ED2K, BitSwap) must implement, plus the
// registry and detector that route identifiers to a handler (spec §4.1).
package protocol

import (
	"context"

	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/eventbus"
)

// Capabilities reports what a handler can do, queried by the engine to
// decide scheduling policy (spec §4.1).
type Capabilities struct {
	SupportsSeeding       bool
	SupportsPauseResume   bool
	SupportsRange         bool
	SupportsParallelChunks bool
	RequiresExternalServer bool
}

// DownloadOptions carries per-download tuning the caller may override.
type DownloadOptions struct {
	OutputPath      string
	FetchTimeout    int64 // per-chunk fetch timeout, milliseconds; 0 = protocol default
	MaxParallel     int
	RarestFirst     bool
}

// SeedOptions carries per-seed tuning.
type SeedOptions struct {
	Trackers []string
	Port     int
}

// SeedingInfo describes a successfully advertised local file (spec §3, §4.1).
type SeedingInfo struct {
	ContentID chunks.ContentId
	Protocol  string
	Address   string
	Extra     map[string]string
}

// DownloadHandle is the cancelable, asynchronous handle a handler returns
// from Download (spec §4.1). The manifest is produced upon admission; chunk
// completions stream to the event sink passed at Download time.
type DownloadHandle interface {
	Manifest(ctx context.Context) (*chunks.ChunkManifest, error)
	Fetch(ctx context.Context, chunkIndex int) ([]byte, error)
	Close() error
}

// Handler is the capability contract every protocol implementation exposes
// (spec §4.1). Handlers never block the calling goroutine for long
// operations — those progress on handler-owned workers and are observed
// through DownloadHandle / the event sink.
type Handler interface {
	Name() string

	// Supports is pure, cheap, and side-effect free (spec §4.1).
	Supports(identifier string) bool

	// DetectPriority breaks ties in the detector; higher wins.
	DetectPriority() int

	Download(ctx context.Context, identifier string, opts DownloadOptions, sink *eventbus.Bus) (DownloadHandle, error)
	Seed(ctx context.Context, filePath string, opts SeedOptions) (SeedingInfo, error)

	Pause(handle DownloadHandle) error
	Resume(handle DownloadHandle) error
	Cancel(handle DownloadHandle) error

	Capabilities() Capabilities
}
