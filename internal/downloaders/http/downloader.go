package tafimhttp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/tafim/internal/utils"
)

// HTTPDownloader runs scheduler jobs through the chunked engine.
type HTTPDownloader struct {
	Client *utils.TafimHTTPClient
	// ResolverFor supplies a source resolver for jobs whose URL is not
	// directly fetchable. Nil means plain HTTP(S).
	ResolverFor func(ctx context.Context, job *utils.TafimJob) (SourceResolver, error)
}

func (d *HTTPDownloader) ValidateJob(job *utils.TafimJob) error {
	parsedURL, err := url.Parse(job.URL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if d.ResolverFor == nil && parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}
	if job.Connections < 1 {
		job.Connections = 1
	}
	return nil
}

// BuildJob creates the engine job. An existing file at the destination is
// kept and the output renamed, unless a state record shows it is our own
// interrupted transfer.
func (d *HTTPDownloader) BuildJob(job *utils.TafimJob) error {
	var resolver SourceResolver
	if d.ResolverFor != nil {
		r, err := d.ResolverFor(context.Background(), job)
		if err != nil {
			return err
		}
		resolver = r
	}
	opts := Options{
		Client:       d.Client,
		Connections:  job.Connections,
		Resolver:     resolver,
		TickInterval: job.TickInterval,
		Retry: RetryPolicy{
			MaxAttempts: job.Retry.MaxAttempts,
			BaseDelay:   job.Retry.BaseDelay,
			MaxDelay:    job.Retry.MaxDelay,
		},
		ProbeTimeout: d.Client.Config().ProbeTimeout,
		ReadTimeout:  d.Client.Config().ReadTimeout,
	}
	if job.StatusFunc != nil {
		opts.OnStatus = func(s Status) { job.StatusFunc(string(s)) }
	}
	engineJob := NewJob(job.URL, job.OutputPath, opts)
	dest := engineJob.Destination()
	if _, err := os.Stat(dest); err == nil {
		if _, err := StateStoreFor(dest).Load(); err != nil {
			renewed := utils.RenewOutputPath(dest)
			log.Debug().Str("op", "http/downloader").Msgf("%s exists, writing to %s", dest, renewed)
			engineJob = NewJob(job.URL, renewed, opts)
		}
	}
	job.OutputPath = engineJob.Destination()
	job.Metadata["engine"] = engineJob
	return nil
}

// Download starts the job and reports progress until it ends. When ctx is
// cancelled the job is paused so that a later run resumes it.
func (d *HTTPDownloader) Download(ctx context.Context, job *utils.TafimJob) error {
	engineJob, ok := job.Metadata["engine"].(*Job)
	if !ok {
		return errors.New("job was not built")
	}
	if err := engineJob.Start(ctx); err != nil {
		return err
	}
	job.OutputPath = engineJob.Destination()

	progressDone := make(chan struct{})
	stopProgress := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopProgress:
				return
			case <-ticker.C:
				if job.ProgressFunc != nil {
					job.ProgressFunc(engineJob.Downloaded(), engineJob.TotalSize(), engineJob.Speed())
				}
			}
		}
	}()
	defer func() {
		close(stopProgress)
		<-progressDone
		if job.ProgressFunc != nil {
			job.ProgressFunc(engineJob.Downloaded(), engineJob.TotalSize(), engineJob.Speed())
		}
	}()

	err := engineJob.Wait(ctx)
	switch {
	case err == nil:
		if engineJob.Status() == StatusPaused {
			return fmt.Errorf("%w at %s of %s", utils.ErrJobPaused, utils.FormatBytes(uint64(engineJob.Downloaded())), utils.FormatBytes(uint64(engineJob.TotalSize())))
		}
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		engineJob.Pause()
		engineJob.Wait(context.Background())
		if engineJob.Status() == StatusCompleted {
			return nil
		}
		return fmt.Errorf("%w: interrupted, progress saved for resume", utils.ErrJobPaused)
	case errors.Is(err, ErrChunksFailed):
		engineJob.Pause()
		engineJob.Wait(context.Background())
		return fmt.Errorf("%w (run again to resume)", err)
	}
	return err
}
