package tafimhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusMerging     Status = "merging"
	StatusCompleted   Status = "completed"
	StatusPaused      Status = "paused"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
)

type ChunkStatus string

const (
	ChunkPending     ChunkStatus = "pending"
	ChunkDownloading ChunkStatus = "downloading"
	ChunkCompleted   ChunkStatus = "completed"
	ChunkFailed      ChunkStatus = "error"
)

// Chunk is one contiguous, inclusive byte range of the resource.
type Chunk struct {
	Index   int         `yaml:"index"`
	Start   int64       `yaml:"start"`
	End     int64       `yaml:"end"`
	Current int64       `yaml:"current"`
	Status  ChunkStatus `yaml:"status"`
}

func (c Chunk) Length() int64 {
	return c.End - c.Start + 1
}

var (
	ErrProbeFailed      = errors.New("probe failed")
	ErrNoResumableState = errors.New("no resumable state")
	ErrMergeFailed      = errors.New("merge failed")
	ErrChunksFailed     = errors.New("one or more chunks failed")
	ErrJobCancelled     = errors.New("job cancelled")
)

type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Doer sends HTTP requests. *utils.TafimHTTPClient satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SourceResolver turns a job's source into the URL that is actually fetched,
// e.g. an s3:// object into a presigned HTTPS link.
type SourceResolver interface {
	Resolve(ctx context.Context, source string) (string, error)
}

// RetryPolicy bounds automatic re-runs of a failed chunk worker.
// MaxAttempts <= 1 disables retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// Backoff returns the wait before the next attempt, doubling per failure.
func (p RetryPolicy) Backoff(failed int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base
	for i := 1; i < failed; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

type Options struct {
	Client        Doer
	Connections   int
	Resolver      SourceResolver
	Retry         RetryPolicy
	TickInterval  time.Duration
	ProbeTimeout  time.Duration
	ReadTimeout   time.Duration
	OnStatus      func(Status)
	CancelTimeout time.Duration // how long Cancel waits for workers before removing files
}

func (o *Options) setDefaults() {
	if o.Connections < 1 {
		o.Connections = 1
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 100 * time.Millisecond
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 15 * time.Second
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = 2 * time.Second
	}
}
