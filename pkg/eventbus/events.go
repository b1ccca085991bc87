// Package eventbus implements the Transfer Event Bus (spec §4.4): a typed,
// throttled, fan-out event stream from transfer internals to external
// subscribers (UI bridge, analytics sink, reputation recorder).
package eventbus

// EventType discriminates the 13 TransferEvent variants of spec §4.4.
type EventType string

const (
	TypeQueued             EventType = "queued"
	TypeStarted            EventType = "started"
	TypeSourceConnected    EventType = "source_connected"
	TypeSourceDisconnected EventType = "source_disconnected"
	TypeChunkCompleted     EventType = "chunk_completed"
	TypeChunkFailed        EventType = "chunk_failed"
	TypeProgress           EventType = "progress"
	TypePaused             EventType = "paused"
	TypeResumed            EventType = "resumed"
	TypeCompleted          EventType = "completed"
	TypeFailed             EventType = "failed"
	TypeCanceled           EventType = "canceled"
	TypeSpeedUpdate        EventType = "speed_update"
)

// AllTypes enumerates the 13 variants, in the order the spec lists them.
var AllTypes = []EventType{
	TypeQueued, TypeStarted, TypeSourceConnected, TypeSourceDisconnected,
	TypeChunkCompleted, TypeChunkFailed, TypeProgress, TypePaused, TypeResumed,
	TypeCompleted, TypeFailed, TypeCanceled, TypeSpeedUpdate,
}

// IsTerminal reports whether t is one of the three terminal transfer
// states whose delivery must be lossless (spec §4.4).
func (t EventType) IsTerminal() bool {
	return t == TypeCompleted || t == TypeFailed || t == TypeCanceled
}

// IsThrottled reports whether t is subject to the 2s-per-transfer
// throttle (spec §4.4).
func (t EventType) IsThrottled() bool {
	return t == TypeProgress || t == TypeSpeedUpdate
}

// Event is the common interface every TransferEvent variant satisfies.
type Event interface {
	Type() EventType
	TransferID() string
	TimestampMs() int64
}

// Meta carries the two fields every event shares (spec §3).
type Meta struct {
	Transfer string
	Ts       int64
}

func (m Meta) TransferID() string { return m.Transfer }
func (m Meta) TimestampMs() int64 { return m.Ts }

// QueuedEvent mirrors TransferQueuedEvent (spec §6.4).
type QueuedEvent struct {
	Meta
	FileHash         string
	FileName         string
	FileSize         int64
	OutputPath       string
	Priority         string
	QueuePosition    int
	EstimatedSources int
}

func (QueuedEvent) Type() EventType { return TypeQueued }

// StartedEvent signals admission completed and scheduling has begun.
type StartedEvent struct {
	Meta
	TotalChunks int
}

func (StartedEvent) Type() EventType { return TypeStarted }

// SourceConnectedEvent fires when a source's handler completes its first
// successful fetch for this transfer.
type SourceConnectedEvent struct {
	Meta
	SourceID   string
	SourceKind string
}

func (SourceConnectedEvent) Type() EventType { return TypeSourceConnected }

// SourceDisconnectedEvent fires when a source is retired from this
// transfer (exhausted retries, explicit disconnect, etc).
type SourceDisconnectedEvent struct {
	Meta
	SourceID string
	Reason   string
}

func (SourceDisconnectedEvent) Type() EventType { return TypeSourceDisconnected }

// ChunkCompletedEvent fires once per verified, written chunk. Never
// throttled (spec §4.4, integration-critical).
type ChunkCompletedEvent struct {
	Meta
	ChunkIndex int
	SourceID   string
	Size       int64
}

func (ChunkCompletedEvent) Type() EventType { return TypeChunkCompleted }

// ChunkFailedEvent mirrors ChunkFailedEvent (spec §6.4).
type ChunkFailedEvent struct {
	Meta
	ChunkID       int
	SourceID      string
	SourceType    string
	Error         string
	ErrorCategory string
	WillRetry     bool
	RetryCount    int
}

func (ChunkFailedEvent) Type() EventType { return TypeChunkFailed }

// ProgressEvent mirrors TransferProgressEvent (spec §6.4). Throttled to at
// most once per 2s per transfer.
type ProgressEvent struct {
	Meta
	DownloadedBytes   int64
	TotalBytes        int64
	CompletedChunks   int
	TotalChunks       int
	ProgressPercent   float64
	DownloadSpeedBps  float64
	UploadSpeedBps    float64
	EtaSeconds        *int64
	ActiveSources     int
}

func (ProgressEvent) Type() EventType { return TypeProgress }

// PausedEvent fires on pause (user action or payment checkpoint hold).
type PausedEvent struct {
	Meta
	Reason string
}

func (PausedEvent) Type() EventType { return TypePaused }

// ResumedEvent fires when a paused transfer resumes.
type ResumedEvent struct {
	Meta
}

func (ResumedEvent) Type() EventType { return TypeResumed }

// CompletedEvent is terminal: the transfer finished and verified.
type CompletedEvent struct {
	Meta
	OutputPath string
	TotalBytes int64
	Duration   int64 // milliseconds
}

func (CompletedEvent) Type() EventType { return TypeCompleted }

// FailedEvent is terminal: the transfer could not complete.
type FailedEvent struct {
	Meta
	Category string
	Error    string
}

func (FailedEvent) Type() EventType { return TypeFailed }

// CanceledEvent is terminal: the user explicitly canceled the transfer.
type CanceledEvent struct {
	Meta
}

func (CanceledEvent) Type() EventType { return TypeCanceled }

// SpeedUpdateEvent carries an instantaneous throughput sample. Throttled
// to at most once per 2s per transfer.
type SpeedUpdateEvent struct {
	Meta
	DownloadSpeedBps float64
	UploadSpeedBps   float64
}

func (SpeedUpdateEvent) Type() EventType { return TypeSpeedUpdate }
