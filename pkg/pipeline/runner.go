package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Runner executes stages in their fixed order with skip/resume handling.
type Runner struct {
	states *StateStore
}

// NewRunner creates a runner whose stage state lives under workDir.
func NewRunner(workDir string) *Runner {
	return &Runner{states: NewStateStore(workDir)}
}

// Execute runs each stage in order. A completed stage with an unchanged
// input hash and intact outputs is skipped. A failing stage halts the
// pipeline; its state is not written, so the next run retries it.
func (r *Runner) Execute(ctx context.Context, stages ...Stage) error {
	for _, st := range stages {
		skip, err := r.states.ShouldSkip(st)
		if err != nil {
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		if skip {
			log.Printf("[pipeline] skipping %s (already completed)", st.Name())
			continue
		}

		log.Printf("[pipeline] running %s...", st.Name())
		started := time.Now()
		if err := st.Run(ctx); err != nil {
			log.Printf("[pipeline] %s failed after %s: %v", st.Name(), time.Since(started).Round(time.Millisecond), err)
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}

		hash, err := st.InputHash()
		if err != nil {
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		if err := r.states.Save(&State{
			StageName:   st.Name(),
			InputHash:   hash,
			Completed:   true,
			CompletedAt: time.Now().UTC(),
			OutputFiles: st.OutputFiles(),
		}); err != nil {
			return fmt.Errorf("stage %s: save state: %w", st.Name(), err)
		}
		log.Printf("[pipeline] %s completed in %s", st.Name(), time.Since(started).Round(time.Millisecond))
	}
	return nil
}
