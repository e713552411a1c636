package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetryLater reschedules the job without consuming a retry attempt.
	// Used for soft denials such as a rate-limit gate.
	ErrRetryLater = errors.New("job not ready, retry later")

	// ErrCancelled aborts a job that was cancelled mid-flight. The job record
	// is dropped without entering the failed list.
	ErrCancelled = errors.New("job cancelled")

	ErrNoProcessor = errors.New("no processor registered")
)

// TerminalError fails a job immediately, bypassing the retry policy.
type TerminalError struct {
	Reason string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal job failure: %s", e.Reason)
}

func Terminal(reason string) error {
	return &TerminalError{Reason: reason}
}

type Job struct {
	ID           string
	Payload      []byte
	Weight       int64
	Attempts     int
	State        string
	Progress     float64
	FailedReason string
	EnqueuedAt   int64 // epoch ms
}

type Options struct {
	// Weight orders admission: a heavier job is claimed ahead of lighter
	// jobs enqueued at the same time.
	Weight int64
	Delay  time.Duration
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Processor handles one claimed job. Returning nil completes the job;
// ErrRetryLater or a transient error reschedules it; a TerminalError or
// retry exhaustion fails it.
type Processor func(ctx context.Context, job *Job) error

// FailureHandler runs once when a job reaches the failed state.
type FailureHandler func(ctx context.Context, job *Job, reason string)

type Queue interface {
	Enqueue(ctx context.Context, payload []byte, opts Options) (string, error)
	Get(ctx context.Context, jobID string) (*Job, error)
	Remove(ctx context.Context, jobID string) (bool, error)
	Cancelled(ctx context.Context, jobID string) bool
	SetProgress(ctx context.Context, jobID string, progress float64) error
	Counts(ctx context.Context) (Counts, error)
	RegisterProcessor(processor Processor)
	RegisterFailureHandler(handler FailureHandler)
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

type jobIDContextKey struct{}

// ContextWithJobID tags a per-job context so log correlation never leaks
// between concurrently executing jobs.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDContextKey{}, jobID)
}

func JobIDFromContext(ctx context.Context) string {
	jobID, _ := ctx.Value(jobIDContextKey{}).(string)
	return jobID
}
