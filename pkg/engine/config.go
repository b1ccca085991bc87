package engine

import "time"

// Config holds the Multi-Source Engine's tunables (spec §4.2, §4.3). Every
// field has a spec-mandated default; callers override only what they need
// (wired from internal/config in the daemon).
type Config struct {
	MaxParallelChunks int           // spec §4.2.2 default 10
	ChunkMaxAttempts  int           // spec §4.2.5 default 5
	StallTimeout      time.Duration // spec §4.2.2, §4.3 default 120s
	CancelGrace       time.Duration // spec §4.3 default 5s
	FetchTimeout      time.Duration // spec §4.3 default 30s, protocol-overridable
	ManifestRetries   int           // spec §4.2.1 "retrying up to k sources"
}

func DefaultConfig() Config {
	return Config{
		MaxParallelChunks: 10,
		ChunkMaxAttempts:  5,
		StallTimeout:      120 * time.Second,
		CancelGrace:       5 * time.Second,
		FetchTimeout:      30 * time.Second,
		ManifestRetries:   3,
	}
}
