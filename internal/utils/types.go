package utils

import (
	"context"
	"time"
)

type Downloader interface {
	ValidateJob(job *TafimJob) error
	BuildJob(job *TafimJob) error
	Download(ctx context.Context, job *TafimJob) error
}

type TafimJob struct {
	ID               string
	JobType          string
	URL              string
	OutputPath       string
	Connections      int
	ProgressFunc     func(downloaded, total int64, speed float64)
	StatusFunc       func(status string)
	Metadata         map[string]any
	HTTPClientConfig HTTPClientConfig
	Retry            RetryConfig
	TickInterval     time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}
