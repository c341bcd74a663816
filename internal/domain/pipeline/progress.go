package pipeline

import (
	"fmt"

	"github.com/target/dubbing-api/internal/domain/model"
)

// Checkpoint is a progress value written before a stage starts.
// A checkpoint means "stage started"; it says nothing about the stage having finished.
type Checkpoint int

// Checkpoints recorded by the pipeline, in execution order.
const (
	CheckpointDownload   Checkpoint = 1
	CheckpointExtract    Checkpoint = 10
	CheckpointTranscribe Checkpoint = 25
	CheckpointSynthesize Checkpoint = 55
	CheckpointMux        Checkpoint = 80
	CheckpointLipSync    Checkpoint = 85
	CheckpointSubtitles  Checkpoint = 90
	CheckpointDone       Checkpoint = 100
)

// ProgressTracker enforces non-decreasing, clamped progress within one attempt.
// It is not safe for concurrent use; an attempt runs its stages sequentially.
type ProgressTracker struct {
	current int
	started bool
}

// Advance moves progress to cp. It returns the clamped value, or an error if that would go backwards.
func (p *ProgressTracker) Advance(cp Checkpoint) (int, error) {
	next := model.ClampProgress(int(cp))
	if p.started && next < p.current {
		return p.current, fmt.Errorf("progress may not decrease within an attempt: %d -> %d", p.current, next)
	}
	p.current = next
	p.started = true
	return next, nil
}

// Current returns the last recorded progress value.
func (p *ProgressTracker) Current() int {
	return p.current
}
