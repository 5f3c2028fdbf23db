package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/tafim/internal/downloaders/ghrelease"
	tafimhttp "github.com/tanq16/tafim/internal/downloaders/http"
	"github.com/tanq16/tafim/internal/downloaders/s3"
	"github.com/tanq16/tafim/internal/output"
	"github.com/tanq16/tafim/internal/utils"
)

// newRegistry maps job types to their downloaders. S3 objects and GitHub
// release assets go through the same ranged engine behind a resolver.
func newRegistry(client *utils.TafimHTTPClient) map[string]utils.Downloader {
	return map[string]utils.Downloader{
		"http": &tafimhttp.HTTPDownloader{Client: client},
		"s3": &tafimhttp.HTTPDownloader{
			Client: client,
			ResolverFor: func(ctx context.Context, job *utils.TafimJob) (tafimhttp.SourceResolver, error) {
				profile, _ := job.Metadata["profile"].(string)
				return s3.NewResolver(ctx, profile, s3.DefaultPresignExpiry)
			},
		},
		"ghrelease": &tafimhttp.HTTPDownloader{
			Client: client,
			ResolverFor: func(ctx context.Context, job *utils.TafimJob) (tafimhttp.SourceResolver, error) {
				filter, _ := job.Metadata["asset"].(string)
				return ghrelease.NewResolver(client, filter), nil
			},
		},
	}
}

// Run downloads jobs with numWorkers in parallel. When ctx is cancelled,
// running jobs are paused with their progress saved and queued jobs are
// skipped.
func Run(ctx context.Context, jobs []utils.TafimJob, numWorkers int, client *utils.TafimHTTPClient) error {
	return run(ctx, jobs, numWorkers, newRegistry(client), os.Stdout)
}

func run(ctx context.Context, jobs []utils.TafimJob, numWorkers int, registry map[string]utils.Downloader, out io.Writer) error {
	outputMgr := output.NewManager(out)
	outputMgr.StartDisplay()

	jobCh := make(chan utils.TafimJob, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var wg sync.WaitGroup
	for range max(1, min(numWorkers, len(jobs))) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processJobs(ctx, jobCh, registry, outputMgr)
		}()
	}
	wg.Wait()
	outputMgr.StopDisplay()

	_, failed, paused := outputMgr.Counts()
	switch {
	case failed > 0:
		return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
	case paused > 0:
		return fmt.Errorf("%w: %d of %d jobs", utils.ErrJobPaused, paused, len(jobs))
	}
	return nil
}

func processJobs(ctx context.Context, jobCh <-chan utils.TafimJob, registry map[string]utils.Downloader, outputMgr *output.Manager) {
	for job := range jobCh {
		funcID := outputMgr.Register(job.URL)
		if job.ID == "" {
			job.ID = uuid.NewString()
		}
		if job.Metadata == nil {
			job.Metadata = make(map[string]any)
		}
		logger := log.With().Str("op", "scheduler/scheduler").Str("job", job.ID).Logger()

		if ctx.Err() != nil {
			outputMgr.Paused(funcID, fmt.Sprintf("Not started: %s", job.URL))
			continue
		}
		downloader, exists := registry[job.JobType]
		if !exists {
			outputMgr.ReportError(funcID, fmt.Errorf("unknown job type: %s", job.JobType))
			outputMgr.SetMessage(funcID, fmt.Sprintf("Unknown job type %s", job.JobType))
			continue
		}

		job.ProgressFunc = func(downloaded, total int64, speed float64) {
			outputMgr.UpdateProgress(funcID, downloaded, total, speed)
		}
		job.StatusFunc = func(status string) {
			outputMgr.SetStatus(funcID, status)
		}
		outputMgr.SetMessage(funcID, fmt.Sprintf("Validating %s job", job.JobType))
		if err := downloader.ValidateJob(&job); err != nil {
			logger.Error().Err(err).Msg("Validation failed")
			outputMgr.ReportError(funcID, fmt.Errorf("validation failed: %v", err))
			outputMgr.SetMessage(funcID, fmt.Sprintf("Validation failed for %s", job.URL))
			continue
		}
		outputMgr.SetMessage(funcID, fmt.Sprintf("Building %s job", job.JobType))
		if err := downloader.BuildJob(&job); err != nil {
			logger.Error().Err(err).Msg("Build failed")
			outputMgr.ReportError(funcID, fmt.Errorf("build failed: %v", err))
			outputMgr.SetMessage(funcID, fmt.Sprintf("Build failed for %s", job.URL))
			continue
		}

		outputMgr.SetMessage(funcID, fmt.Sprintf("Downloading %s", job.OutputPath))
		logger.Info().Msgf("Downloading %s to %s", job.URL, job.OutputPath)

		err := downloader.Download(ctx, &job)
		switch {
		case err == nil:
			outputMgr.Complete(funcID, fmt.Sprintf("Downloaded %s", job.OutputPath))
		case errors.Is(err, utils.ErrJobPaused):
			logger.Info().Err(err).Msg("Job paused")
			outputMgr.Paused(funcID, fmt.Sprintf("Paused %s (%v)", job.OutputPath, err))
		default:
			logger.Error().Err(err).Msg("Download failed")
			outputMgr.ReportError(funcID, err)
			outputMgr.SetMessage(funcID, fmt.Sprintf("Download failed for %s", job.OutputPath))
		}
	}
}
