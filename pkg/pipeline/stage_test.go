package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingStage struct {
	name    string
	hash    string
	outputs []string
	runs    int
	fail    error
}

func (s *countingStage) Name() string               { return s.name }
func (s *countingStage) InputHash() (string, error) { return s.hash, nil }
func (s *countingStage) OutputFiles() []string      { return s.outputs }

func (s *countingStage) Run(ctx context.Context) error {
	s.runs++
	if s.fail != nil {
		return s.fail
	}
	for _, out := range s.outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(out, []byte("out"), 0644); err != nil {
			return err
		}
	}
	return nil
}

func TestRunnerSkipsCompletedStage(t *testing.T) {
	work := t.TempDir()
	st := &countingStage{
		name:    "demo",
		hash:    "h1",
		outputs: []string{filepath.Join(work, "demo.out")},
	}
	r := NewRunner(work)

	require.NoError(t, r.Execute(context.Background(), st))
	require.Equal(t, 1, st.runs)

	// Same hash, outputs intact: skipped.
	require.NoError(t, r.Execute(context.Background(), st))
	require.Equal(t, 1, st.runs)

	// Input hash changed: re-run.
	st.hash = "h2"
	require.NoError(t, r.Execute(context.Background(), st))
	require.Equal(t, 2, st.runs)

	// Output deleted: re-run even with matching hash.
	require.NoError(t, os.Remove(st.outputs[0]))
	require.NoError(t, r.Execute(context.Background(), st))
	require.Equal(t, 3, st.runs)
}

func TestRunnerHaltsOnFailureWithoutState(t *testing.T) {
	work := t.TempDir()
	failing := &countingStage{
		name:    "broken",
		hash:    "h",
		outputs: []string{filepath.Join(work, "broken.out")},
		fail:    os.ErrPermission,
	}
	after := &countingStage{name: "after", hash: "h", outputs: []string{filepath.Join(work, "after.out")}}

	r := NewRunner(work)
	err := r.Execute(context.Background(), failing, after)
	require.Error(t, err)
	require.Equal(t, 0, after.runs, "later stages must not run")

	// No state written: the failed stage runs again next time.
	failing.fail = nil
	require.NoError(t, r.Execute(context.Background(), failing, after))
	require.Equal(t, 2, failing.runs)
	require.Equal(t, 1, after.runs)
}

func TestHashInputsChangesWithFileContent(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "in.jsonl")
	require.NoError(t, os.WriteFile(input, []byte("a"), 0644))

	h1, err := HashInputs("cfg", input)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(input, []byte("b"), 0644))
	h2, err := HashInputs("cfg", input)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	// Missing files hash deterministically instead of erroring.
	h3, err := HashInputs("cfg", filepath.Join(dir, "absent"))
	require.NoError(t, err)
	h4, err := HashInputs("cfg", filepath.Join(dir, "absent"))
	require.NoError(t, err)
	require.Equal(t, h3, h4)
	require.NotEqual(t, h1, h3)
}
