// Package transfer holds the Multi-Source Download Engine's core data
// model: the Transfer record, per-chunk state table, and source
// bookkeeping (spec §3, §4.2).
package transfer

import (
	"sync"
	"time"

	"github.com/chiral-network/transfer-core/pkg/chunks"
)

// Priority is a transfer's scheduling priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Status is the transfer-level state machine of spec §4.2.6:
// Queued -> Started -> (Paused <-> Started) -> (Completed|Failed|Canceled).
type Status string

const (
	StatusQueued    Status = "queued"
	StatusStarted   Status = "started"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether s is one of the three terminal statuses.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// SourceKind enumerates the transport kinds a Source may advertise.
type SourceKind string

const (
	SourceHTTP       SourceKind = "http"
	SourceFTP        SourceKind = "ftp"
	SourceP2P        SourceKind = "p2p"
	SourceBitTorrent SourceKind = "bittorrent"
	SourceWebRTC     SourceKind = "webrtc"
	SourceEd2k       SourceKind = "ed2k"
	SourceBitswap    SourceKind = "bitswap"
	SourceRelay      SourceKind = "relay"
)

// Source is a candidate endpoint for fetching chunks of a content id (spec
// §3). Sources are owned by the SourceDirectory; the engine only borrows a
// Source value for the lifetime it keeps it live.
type Source struct {
	SourceID           string
	Kind               SourceKind
	Address            string
	EstimatedBandwidth *float64 // bytes/sec, optional
	Reputation         *float64 // [0,1], optional
}

// ChunkStatus discriminates the ChunkState union of spec §3.
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkInFlight
	ChunkCompleted
	ChunkFailed
)

// ChunkState is the per-chunk, per-transfer state. Completed is a one-way
// door: a chunk never returns from Completed to any other state.
type ChunkState struct {
	Status     ChunkStatus
	SourceID   string // valid when Status == ChunkInFlight
	Attempt    int    // valid when Status == ChunkInFlight or ChunkFailed
	LastError  string // valid when Status == ChunkFailed
}

// Transfer is the record created on admission of a download request (spec
// §3). The engine exclusively owns a Transfer's manifest and chunk-state
// table; callers observe it only through snapshots.
type Transfer struct {
	mu sync.RWMutex

	TransferID     string
	ContentID      chunks.ContentId
	Manifest       *chunks.ChunkManifest
	OutputPath     string
	StagingPath    string
	CheckpointPath string
	Priority       Priority
	RarestFirst    bool

	status      Status
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	chunkState []ChunkState
	inFlight   map[int]bool // chunk index -> in-flight, for O(1) membership checks
}

// StagingSuffix and CheckpointSuffix are the fixed path suffixes of spec §3.
const (
	StagingSuffix    = ".partial"
	CheckpointSuffix = ".checkpoint"
)

// New constructs a Transfer in the Queued state with every chunk Pending.
func New(transferID string, contentID chunks.ContentId, manifest *chunks.ChunkManifest, outputPath string, priority Priority) *Transfer {
	t := &Transfer{
		TransferID:     transferID,
		ContentID:      contentID,
		Manifest:       manifest,
		OutputPath:     outputPath,
		StagingPath:    outputPath + StagingSuffix,
		CheckpointPath: outputPath + CheckpointSuffix,
		Priority:       priority,
		status:         StatusQueued,
		createdAt:      time.Now(),
		chunkState:     make([]ChunkState, len(manifest.Chunks)),
		inFlight:       make(map[int]bool),
	}
	return t
}

func (t *Transfer) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// SetStatus transitions the transfer's status. Callers are responsible for
// enforcing the state machine's legal edges; SetStatus itself only records
// started_at/completed_at timestamps on the relevant transitions.
func (t *Transfer) SetStatus(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if s == StatusStarted && t.startedAt == nil {
		t.startedAt = &now
	}
	if s.IsTerminal() && t.completedAt == nil {
		t.completedAt = &now
	}
	t.status = s
}

func (t *Transfer) CreatedAt() time.Time { return t.createdAt }

func (t *Transfer) StartedAt() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt
}

func (t *Transfer) CompletedAt() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completedAt
}

// ChunkStateAt returns a copy of the chunk-state entry at idx.
func (t *Transfer) ChunkStateAt(idx int) ChunkState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chunkState[idx]
}

// MarkInFlight transitions chunk idx to InFlight{sourceID, attempt}. It is
// the caller's responsibility to have checked eligibility first.
func (t *Transfer) MarkInFlight(idx int, sourceID string, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunkState[idx] = ChunkState{Status: ChunkInFlight, SourceID: sourceID, Attempt: attempt}
	t.inFlight[idx] = true
}

// MarkCompleted transitions chunk idx to Completed. Completed is a one-way
// door: calling this on an already-Completed chunk is a no-op.
func (t *Transfer) MarkCompleted(idx int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chunkState[idx].Status == ChunkCompleted {
		return
	}
	t.chunkState[idx] = ChunkState{Status: ChunkCompleted}
	delete(t.inFlight, idx)
}

// MarkFailed transitions chunk idx to Failed{lastError, attempts}, unless it
// is already Completed.
func (t *Transfer) MarkFailed(idx int, attempt int, lastError string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chunkState[idx].Status == ChunkCompleted {
		return
	}
	t.chunkState[idx] = ChunkState{Status: ChunkFailed, Attempt: attempt, LastError: lastError}
	delete(t.inFlight, idx)
}

// RestoreCompleted marks idx Completed without going through the normal
// fetch path, used when resuming from a checkpoint file (spec §4.2.1).
func (t *Transfer) RestoreCompleted(idx int) { t.MarkCompleted(idx) }

// IsInFlight reports whether chunk idx currently has an outstanding fetch,
// preventing two concurrent requests for the same index (spec §4.2.2).
func (t *Transfer) IsInFlight(idx int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.inFlight[idx]
}

// EligibleChunks returns the indices of every chunk in Pending state, or
// Failed state with attempts below maxAttempts, in ascending order.
func (t *Transfer) EligibleChunks(maxAttempts int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for i, cs := range t.chunkState {
		switch cs.Status {
		case ChunkPending:
			out = append(out, i)
		case ChunkFailed:
			if cs.Attempt < maxAttempts {
				out = append(out, i)
			}
		}
	}
	return out
}

// AllCompleted reports whether every chunk has reached Completed.
func (t *Transfer) AllCompleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, cs := range t.chunkState {
		if cs.Status != ChunkCompleted {
			return false
		}
	}
	return true
}

// CompletedIndices returns the sorted indices of every Completed chunk, the
// shape persisted into the checkpoint file's received_chunks field.
func (t *Transfer) CompletedIndices() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for i, cs := range t.chunkState {
		if cs.Status == ChunkCompleted {
			out = append(out, i)
		}
	}
	return out
}

// BytesTransferred sums the size of every Completed chunk.
func (t *Transfer) BytesTransferred() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total int64
	for i, cs := range t.chunkState {
		if cs.Status == ChunkCompleted {
			total += t.Manifest.Chunks[i].Size
		}
	}
	return total
}

// ChunkCount returns the number of chunks in the transfer's manifest.
func (t *Transfer) ChunkCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chunkState)
}

// Summary is the control-surface listing shape (spec §6.6 list_transfers).
type Summary struct {
	TransferID       string
	Status           Status
	Priority         Priority
	BytesTransferred int64
	TotalBytes       int64
	CompletedChunks  int
	TotalChunks      int
}

func (t *Transfer) Summary() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	completed := 0
	var bytesDone int64
	for i, cs := range t.chunkState {
		if cs.Status == ChunkCompleted {
			completed++
			bytesDone += t.Manifest.Chunks[i].Size
		}
	}
	return Summary{
		TransferID:       t.TransferID,
		Status:           t.status,
		Priority:         t.Priority,
		BytesTransferred: bytesDone,
		TotalBytes:       t.Manifest.FileSize,
		CompletedChunks:  completed,
		TotalChunks:      len(t.chunkState),
	}
}
