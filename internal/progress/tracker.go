// Package progress implements the in-process progress tracker and its
// Redis-backed snapshot store, grounded on the original source's
// RedisProgressTracker usage pattern: one tracker per in-flight task,
// updated via a progress callback closure passed into the executor.
package progress

import (
	"sync"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// StepTable maps known executor step labels, in pipeline order, to the
// fraction of work they represent. Unknown labels are appended to Steps
// without advancing Percent, per the "fragile string-matching" tradeoff
// documented as an explicit design decision.
type StepTable []string

// DefaultStepTable is the canonical step sequence for a full analysis run.
var DefaultStepTable = StepTable{
	"initializing analysis engine",
	"estimating cost",
	"configuring analysis parameters",
	"running analyst debate",
	"aggregating signals",
	"generating report",
}

func (t StepTable) indexOf(label string) (int, bool) {
	for i, s := range t {
		if s == label {
			return i, true
		}
	}
	return -1, false
}

// Tracker is a per-task, in-process progress accumulator. All exported
// methods are safe for concurrent use; a sync.Mutex guards the fields so the
// worker's own reads never race with the progress callback.
type Tracker struct {
	mu sync.Mutex

	taskID    string
	steps     StepTable
	estimate  time.Duration

	status      domain.TaskStatus
	percent     int
	currentStep string
	message     string
	startedAt   time.Time
	lastUpdate  time.Time
	seenSteps   []string
}

// NewTracker starts a tracker for taskID at t0, using steps to resolve
// percent-complete and estimate as the configured per-depth total duration.
func NewTracker(taskID string, steps StepTable, estimate time.Duration, t0 time.Time) *Tracker {
	if steps == nil {
		steps = DefaultStepTable
	}
	return &Tracker{
		taskID:     taskID,
		steps:      steps,
		estimate:   estimate,
		status:     domain.TaskRunning,
		startedAt:  t0,
		lastUpdate: t0,
	}
}

// Update sets current_step/message, recomputes percent by matching message
// against the step table, and appends a new step label the first time it is
// seen. Unmatched labels leave percent unchanged.
func (t *Tracker) Update(message string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.currentStep = message
	t.message = message
	t.lastUpdate = now

	if idx, ok := t.steps.indexOf(message); ok {
		pct := int(float64(idx+1) / float64(len(t.steps)) * 100)
		if pct > 95 {
			pct = 95
		}
		if pct > t.percent {
			t.percent = pct
		}
	}

	if !containsStr(t.seenSteps, message) {
		t.seenSteps = append(t.seenSteps, message)
	}
}

// MarkCompleted sets status completed, percent 100, and appends a terminal
// step label.
func (t *Tracker) MarkCompleted(message string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = domain.TaskCompleted
	t.percent = 100
	t.currentStep = message
	t.message = message
	t.lastUpdate = now
	if !containsStr(t.seenSteps, message) {
		t.seenSteps = append(t.seenSteps, message)
	}
}

// MarkFailed sets status failed and leaves percent as-is.
func (t *Tracker) MarkFailed(message string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = domain.TaskFailed
	t.message = message
	t.lastUpdate = now
}

// MarkCancelled sets status cancelled and leaves percent as-is.
func (t *Tracker) MarkCancelled(message string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = domain.TaskCancelled
	t.message = message
	t.lastUpdate = now
}

// ToSnapshot returns a read-only copy for streaming, applying the time
// estimation heuristic: estimated_total = max(configured_estimate,
// elapsed / max(percent, epsilon)); remaining = max(0, estimated_total -
// elapsed).
func (t *Tracker) ToSnapshot(now time.Time) domain.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.startedAt)
	estimatedTotal := t.estimate

	const epsilon = 0.01
	pct := float64(t.percent) / 100
	if pct < epsilon {
		pct = epsilon
	}
	fromRate := time.Duration(float64(elapsed) / pct)
	if fromRate > estimatedTotal {
		estimatedTotal = fromRate
	}

	remaining := estimatedTotal - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if t.status.IsTerminal() {
		remaining = 0
	}

	steps := make([]string, len(t.seenSteps))
	copy(steps, t.seenSteps)

	return domain.ProgressSnapshot{
		TaskID:         t.taskID,
		Status:         t.status,
		Percent:        t.percent,
		CurrentStep:    t.currentStep,
		Message:        t.message,
		StartedAt:      t.startedAt,
		LastUpdate:     t.lastUpdate,
		EstimatedTotal: estimatedTotal,
		Elapsed:        elapsed,
		Remaining:      remaining,
		Steps:          steps,
	}
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
