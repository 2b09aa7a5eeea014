package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const statusTimeout = 5 * time.Second

// ValidationError carries every problem found in an upload, in input order.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// PoisonError marks a task that can never succeed. The consumer drops it
// instead of redelivering.
type PoisonError struct {
	Reason string
	Err    error
}

func (e *PoisonError) Error() string {
	if e.Err == nil {
		return "poison task: " + e.Reason
	}
	return fmt.Sprintf("poison task: %s: %v", e.Reason, e.Err)
}

func (e *PoisonError) Unwrap() error { return e.Err }

func poison(reason string, err error) error {
	return &PoisonError{Reason: reason, Err: err}
}

// BestEffort is the outcome of a side effect whose failure must not fail the
// enclosing operation. It is logged, never returned.
type BestEffort struct {
	Op  string
	Err error
}

// Log reports a failed outcome at warn level.
func (b BestEffort) Log(logCtx *slog.Logger) {
	if b.Err != nil {
		logCtx.Warn("Best-effort step failed.", "op", b.Op, "error", b.Err)
	}
}

// statusContext bounds a processing status write. It outlives the task
// context, so a task cut off by its deadline still records Failed.
func statusContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
}
