package transfer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/chiral-network/transfer-core/internal/xerrors"
)

// CheckpointFileVersion is the only version this build understands (spec
// §6.1). A file with a different version is discarded, not migrated.
const CheckpointFileVersion = 1

// CheckpointFile is the stable on-disk recovery record (spec §6.1),
// written after each successful chunk completion and replaced atomically.
type CheckpointFile struct {
	Version         int    `json:"version"`
	FileHash        string `json:"file_hash"`
	FileName        string `json:"file_name"`
	FileSize        int64  `json:"file_size"`
	OutputPath      string `json:"output_path"`
	StagingPath     string `json:"staging_path"`
	TotalChunks     int    `json:"total_chunks"`
	ChunkSize       int64  `json:"chunk_size"`
	ReceivedChunks  []int  `json:"received_chunks"`
	ManifestDigest  string `json:"manifest_digest"`
}

// BuildCheckpoint snapshots t's current recovery state into a CheckpointFile.
func BuildCheckpoint(t *Transfer, fileHash, fileName string) CheckpointFile {
	t.mu.RLock()
	defer t.mu.RUnlock()

	received := make([]int, 0, len(t.chunkState))
	for i, cs := range t.chunkState {
		if cs.Status == ChunkCompleted {
			received = append(received, i)
		}
	}
	sort.Ints(received)

	var chunkSize int64
	if len(t.Manifest.Chunks) > 0 {
		chunkSize = t.Manifest.Chunks[0].Size
	}
	digest := t.Manifest.Digest()

	return CheckpointFile{
		Version:        CheckpointFileVersion,
		FileHash:       fileHash,
		FileName:       fileName,
		FileSize:       t.Manifest.FileSize,
		OutputPath:     t.OutputPath,
		StagingPath:    t.StagingPath,
		TotalChunks:    len(t.chunkState),
		ChunkSize:      chunkSize,
		ReceivedChunks: received,
		ManifestDigest: hex.EncodeToString(digest[:]),
	}
}

// Persist atomically writes cp to path: write to a sibling temp file, fsync,
// then rename over the destination (spec §4.2.3 step 7, §6.1).
func Persist(path string, cp CheckpointFile) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return xerrors.Wrap(xerrors.CategoryFilesystem, "marshal checkpoint", err)
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return xerrors.Wrap(xerrors.CategoryFilesystem, "open checkpoint temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return xerrors.Wrap(xerrors.CategoryFilesystem, "write checkpoint temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return xerrors.Wrap(xerrors.CategoryFilesystem, "fsync checkpoint temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return xerrors.Wrap(xerrors.CategoryFilesystem, "close checkpoint temp file", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return xerrors.Wrap(xerrors.CategoryFilesystem, "rename checkpoint file", err)
	}
	return nil
}

// Load reads and validates a checkpoint file at path. A missing file
// returns (nil, nil) — not an error, just nothing to resume. A corrupt or
// version-mismatched file is discarded per spec §6.1: the transfer starts
// fresh, so this also returns (nil, nil) rather than propagating the
// parse error.
func Load(path string) (*CheckpointFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CategoryFilesystem, "read checkpoint file", err)
	}
	var cp CheckpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, nil
	}
	if cp.Version != CheckpointFileVersion {
		return nil, nil
	}
	return &cp, nil
}

// MatchesManifest reports whether cp's manifest_digest agrees with m,
// the precondition for reusing its received_chunks on resume (spec §4.2.1,
// §4.2.5 crash recovery).
func (cp CheckpointFile) MatchesManifest(digest [32]byte) bool {
	return cp.ManifestDigest == hex.EncodeToString(digest[:])
}

// Remove deletes the checkpoint file at path; a missing file is not an
// error (completion deletes it once, spec §4.2.4).
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.CategoryFilesystem, "remove checkpoint file", err)
	}
	return nil
}

// Describe renders a human-readable summary, used by diagnostic tooling
// that reads checkpoint files advisorily (spec §5 "reads are allowed by
// diagnostic tooling but are advisory").
func (cp CheckpointFile) Describe() string {
	return fmt.Sprintf("%s: %d/%d chunks, %d bytes", cp.FileName, len(cp.ReceivedChunks), cp.TotalChunks, cp.FileSize)
}
