// Package pipeline implements the checkpointed build pipeline: the stage
// framework with input-hash skip/resume, the fixed-order driver, and the
// stages themselves. Stages hand data to each other only through files on
// disk, which is what makes skip and resume trivially correct.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/orneryd/pocketwiki/pkg/util"
)

// ToolVersion participates in every input hash so that upgrading the
// builder re-runs stages whose output format may have changed.
const ToolVersion = "pocketwiki-builder/1"

// Stage is one step of the build. InputHash must be deterministic over the
// stage config, the digests of its input files, and ToolVersion.
type Stage interface {
	Name() string
	InputHash() (string, error)
	OutputFiles() []string
	Run(ctx context.Context) error
}

// State is the record persisted after a stage completes.
type State struct {
	StageName   string    `json:"stage_name"`
	InputHash   string    `json:"input_hash"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at"`
	OutputFiles []string  `json:"output_files"`
}

// StateStore reads and writes per-stage state files under
// <workDir>/state/<stage>.state.json.
type StateStore struct {
	dir string
}

// NewStateStore creates a store rooted at workDir.
func NewStateStore(workDir string) *StateStore {
	return &StateStore{dir: filepath.Join(workDir, "state")}
}

func (s *StateStore) path(stage string) string {
	return filepath.Join(s.dir, stage+".state.json")
}

// Load returns the stored state for a stage, or nil when absent or
// unreadable (both mean the stage has to run).
func (s *StateStore) Load(stage string) *State {
	data, err := os.ReadFile(s.path(stage))
	if err != nil {
		return nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return &st
}

// Save persists a completed state atomically.
func (s *StateStore) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(s.path(st.StageName), data, 0644)
}

// ShouldSkip reports whether a stage already completed with the same input
// hash and all of its declared outputs still exist.
func (s *StateStore) ShouldSkip(st Stage) (bool, error) {
	prior := s.Load(st.Name())
	if prior == nil || !prior.Completed {
		return false, nil
	}
	hash, err := st.InputHash()
	if err != nil {
		return false, err
	}
	if prior.InputHash != hash {
		return false, nil
	}
	for _, out := range st.OutputFiles() {
		if _, err := os.Stat(out); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// HashInputs combines the config hash, ToolVersion, and the digests of the
// named input files into one stage input hash. A missing input file hashes
// as "none" so the stage re-runs once the file appears.
func HashInputs(configHash string, inputFiles ...string) (string, error) {
	h := sha256.New()
	io.WriteString(h, ToolVersion)
	io.WriteString(h, "\x00")
	io.WriteString(h, configHash)
	for _, path := range inputFiles {
		io.WriteString(h, "\x00")
		digest, err := fileDigest(path)
		if err != nil {
			return "", err
		}
		io.WriteString(h, digest)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "none", nil
		}
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("pipeline: digest %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
