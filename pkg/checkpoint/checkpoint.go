// Package checkpoint persists fine-grained ingest progress for the
// streaming stage. One JSON record per stage, rewritten atomically, never
// ahead of the output file it describes.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/orneryd/pocketwiki/pkg/util"
)

// Version is written into every checkpoint record.
const Version = 1

// ErrMismatch reports that a stored checkpoint no longer matches the
// current source or configuration and must be discarded.
var ErrMismatch = errors.New("checkpoint: source or config changed")

// Checkpoint is the durable progress record. Keys are stable across
// versions; unknown keys are ignored on read.
type Checkpoint struct {
	SourceURL           string    `json:"source_url"`
	SourceETag          string    `json:"source_etag"`
	CompressedBytesRead int64     `json:"compressed_bytes_read"`
	PagesProcessed      int64     `json:"pages_processed"`
	LastPageID          int64     `json:"last_page_id"`
	LastPageTitle       string    `json:"last_page_title"`
	OutputFile          string    `json:"output_file"`
	OutputBytesWritten  int64     `json:"output_bytes_written"`
	LastCheckpointTime  time.Time `json:"last_checkpoint_time"`
	CheckpointVersion   int       `json:"checkpoint_version"`
	ConfigHash          string    `json:"config_hash"`
}

// Validate applies the resume-decision checks that depend only on the
// stored record: source URL, ETag (when validation is on), and config hash.
// Output-file agreement is the caller's check since it owns the file.
func (c *Checkpoint) Validate(sourceURL, etag, configHash string, validateETag bool) error {
	if c.SourceURL != sourceURL {
		return fmt.Errorf("%w: source url %q != %q", ErrMismatch, c.SourceURL, sourceURL)
	}
	if validateETag && c.SourceETag != "" && etag != "" && c.SourceETag != etag {
		return fmt.Errorf("%w: etag %q != %q", ErrMismatch, c.SourceETag, etag)
	}
	if c.ConfigHash != configHash {
		return fmt.Errorf("%w: config hash changed", ErrMismatch)
	}
	return nil
}

// Triggers decide when a new checkpoint is due. Any satisfied trigger
// forces a write.
type Triggers struct {
	EveryPages int64
	EveryBytes int64
	Every      time.Duration
}

// Manager owns one checkpoint file. No other writer may touch it.
type Manager struct {
	path     string
	triggers Triggers

	pagesAtLast int64
	bytesAtLast int64
	lastWrite   time.Time
}

// NewManager creates a manager for path. Counters start as if a checkpoint
// was just written, so the first write happens after a full interval.
func NewManager(path string, triggers Triggers) *Manager {
	return &Manager{path: path, triggers: triggers, lastWrite: time.Now()}
}

// Load reads the stored checkpoint. A missing or unparsable file returns
// (nil, nil): both mean "start fresh", not an error.
func (m *Manager) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// Corrupted checkpoint: treat as absent.
		return nil, nil
	}
	return &cp, nil
}

// Save writes cp atomically (tmp, fsync, rename) and resets the trigger
// counters. Version and timestamp are stamped here.
func (m *Manager) Save(cp *Checkpoint) error {
	cp.CheckpointVersion = Version
	cp.LastCheckpointTime = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(m.path, data, 0644); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	m.pagesAtLast = cp.PagesProcessed
	m.bytesAtLast = cp.OutputBytesWritten
	m.lastWrite = time.Now()
	return nil
}

// ShouldWrite reports whether progress since the last write crossed any
// trigger threshold.
func (m *Manager) ShouldWrite(pagesProcessed, bytesWritten int64) bool {
	if m.triggers.EveryPages > 0 && pagesProcessed-m.pagesAtLast >= m.triggers.EveryPages {
		return true
	}
	if m.triggers.EveryBytes > 0 && bytesWritten-m.bytesAtLast >= m.triggers.EveryBytes {
		return true
	}
	if m.triggers.Every > 0 && time.Since(m.lastWrite) >= m.triggers.Every {
		return true
	}
	return false
}

// Delete removes the checkpoint file. Used on force_restart and after a
// stage completes.
func (m *Manager) Delete() error {
	err := os.Remove(m.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Path returns the checkpoint file location.
func (m *Manager) Path() string { return m.path }
