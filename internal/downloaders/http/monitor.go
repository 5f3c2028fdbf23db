package tafimhttp

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const speedWindowSize = 10

// speedWindow keeps the last few instantaneous rates and reports their mean.
type speedWindow struct {
	samples []float64
}

func (w *speedWindow) add(sample float64) float64 {
	w.samples = append(w.samples, sample)
	if len(w.samples) > speedWindowSize {
		w.samples = w.samples[1:]
	}
	var sum float64
	for _, s := range w.samples {
		sum += s
	}
	return sum / float64(len(w.samples))
}

// monitor is the single periodic task of a run. It alone decides when the job
// is complete and triggers the merge.
func (j *Job) monitor(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.opts.TickInterval)
	defer ticker.Stop()

	window := &speedWindow{}
	lastBytes := j.Downloaded()
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		complete := j.tick(now.Sub(lastTime).Seconds(), &lastBytes, window)
		lastTime = now
		j.saveState()
		if ctx.Err() != nil {
			return
		}
		if complete {
			j.finish(ctx)
			return
		}
	}
}

// tick aggregates chunk progress, updates the smoothed speed and reports
// whether every chunk has completed. It also signals a stall once all workers
// have exited with at least one chunk in error.
func (j *Job) tick(elapsed float64, lastBytes *int64, window *speedWindow) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	var sum int64
	complete, failed := true, false
	for _, c := range j.chunks {
		sum += c.Current
		if c.Status != ChunkCompleted {
			complete = false
		}
		if c.Status == ChunkFailed {
			failed = true
		}
	}
	j.downloaded = sum

	var instant float64
	if elapsed > 0 {
		instant = float64(sum-*lastBytes) / elapsed
	}
	*lastBytes = sum
	j.speed = window.add(instant)

	if !complete && failed && j.active == 0 && !j.stallSignaled {
		j.stallSignaled = true
		close(j.stalled)
		log.Warn().Str("op", "http/monitor").Str("dest", j.destination).Msg("All workers stopped with failed chunks")
	}
	return complete
}
