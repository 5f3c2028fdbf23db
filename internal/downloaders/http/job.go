package tafimhttp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/tafim/internal/utils"
)

// Job is one resumable, chunked transfer of a single resource.
type Job struct {
	url  string
	opts Options

	ctrlMu sync.Mutex // serializes Start, Pause, Cancel and Retry
	saveMu sync.Mutex // serializes state writes

	mu            sync.Mutex // guards everything below; workers and monitor share it
	destination   string
	tempDir       string
	store         *StateStore
	nameDerived   bool
	fetchURL      string
	status        Status
	totalSize     int64
	downloaded    int64
	speed         float64
	chunks        []Chunk
	chunkErrs     map[int]*ChunkError
	active        int
	destTouched   bool
	lastErr       error
	runCtx        context.Context
	cancelRun     context.CancelFunc
	runDone       chan struct{}
	stalled       chan struct{}
	stallSignaled bool

	wg sync.WaitGroup // workers and monitor of the current run
}

// NewJob prepares a transfer of link into destination. An empty destination,
// an existing directory or a path ending in a separator means "derive the file
// name", which a Content-Disposition header may later revise.
func NewJob(link, destination string, opts Options) *Job {
	opts.setDefaults()
	j := &Job{
		url:       link,
		opts:      opts,
		status:    StatusIdle,
		chunkErrs: make(map[int]*ChunkError),
	}
	dir, name := destination, ""
	if destination == "" {
		dir = "."
	} else if info, err := os.Stat(destination); err == nil && info.IsDir() {
		dir = destination
	} else if strings.HasSuffix(destination, "/") || strings.HasSuffix(destination, string(filepath.Separator)) {
		dir = destination
	} else {
		dir, name = filepath.Dir(destination), filepath.Base(destination)
	}
	if name == "" {
		j.nameDerived = true
		name = utils.FileNameFromURL(link)
	}
	j.setPaths(filepath.Join(dir, name))
	return j
}

// setPaths recomputes every path derived from the destination. Callers hold
// j.mu or own the job exclusively.
func (j *Job) setPaths(destination string) {
	j.destination = destination
	j.tempDir = utils.TempDirFor(destination)
	j.store = StateStoreFor(destination)
}

func (j *Job) URL() string { return j.url }

func (j *Job) Destination() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.destination
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) TotalSize() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totalSize
}

func (j *Job) Downloaded() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.downloaded
}

// Speed is the smoothed transfer rate in bytes per second.
func (j *Job) Speed() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.speed
}

// Progress is the transferred fraction in [0, 1].
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.totalSize == 0 {
		return 0
	}
	return float64(j.downloaded) / float64(j.totalSize)
}

func (j *Job) Chunks() []Chunk {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Chunk, len(j.chunks))
	copy(out, j.chunks)
	return out
}

// Err returns the error behind an error status, or the joined chunk failures.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastErr != nil {
		return j.lastErr
	}
	if len(j.chunkErrs) == 0 {
		return nil
	}
	errs := make([]error, 0, len(j.chunkErrs))
	for i := range j.chunks {
		if e, ok := j.chunkErrs[i]; ok {
			errs = append(errs, e)
		}
	}
	return fmt.Errorf("%w: %w", ErrChunksFailed, errors.Join(errs...))
}

func (j *Job) setStatus(status Status) {
	j.mu.Lock()
	j.status = status
	onStatus := j.opts.OnStatus
	j.mu.Unlock()
	log.Debug().Str("op", "http/job").Str("dest", j.Destination()).Msgf("Job is %s", status)
	if onStatus != nil {
		onStatus(status)
	}
}

// transition moves the job from one status to another and reports whether the
// job was still in the expected status.
func (j *Job) transition(from, to Status) bool {
	j.mu.Lock()
	if j.status != from {
		j.mu.Unlock()
		return false
	}
	j.status = to
	onStatus := j.opts.OnStatus
	j.mu.Unlock()
	log.Debug().Str("op", "http/job").Str("dest", j.Destination()).Msgf("Job is %s", to)
	if onStatus != nil {
		onStatus(to)
	}
	return true
}

// Start begins or resumes the transfer. It is a no-op while downloading. The
// context bounds source resolution and probing only; the run itself stops
// through Pause or Cancel.
func (j *Job) Start(ctx context.Context) error {
	j.ctrlMu.Lock()
	defer j.ctrlMu.Unlock()

	j.mu.Lock()
	switch j.status {
	case StatusDownloading, StatusMerging, StatusCompleted:
		j.mu.Unlock()
		return nil
	case StatusCancelled:
		j.mu.Unlock()
		return ErrJobCancelled
	}
	j.mu.Unlock()

	// Writers of a paused run must be gone before part files are reopened.
	j.wg.Wait()

	j.mu.Lock()
	j.lastErr = nil
	j.chunkErrs = make(map[int]*ChunkError)
	j.destTouched = false
	j.runDone = make(chan struct{})
	j.stalled = make(chan struct{})
	j.stallSignaled = false
	j.speed = 0
	j.mu.Unlock()
	j.setStatus(StatusDownloading)

	if err := j.prepare(ctx); err != nil {
		return j.abort(err)
	}
	j.saveState()
	if err := utils.EnsureTempDir(j.tempDir); err != nil {
		return j.abort(fmt.Errorf("error creating temp directory: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	j.mu.Lock()
	j.runCtx, j.cancelRun = runCtx, cancel
	pending := make([]int, 0, len(j.chunks))
	for i, c := range j.chunks {
		if c.Status != ChunkCompleted {
			pending = append(pending, i)
		}
	}
	runDone := j.runDone
	j.mu.Unlock()

	log.Info().Str("op", "http/job").Str("dest", j.Destination()).Msgf("Starting %d of %d chunk workers", len(pending), len(j.chunks))
	for _, idx := range pending {
		j.spawnWorker(runCtx, idx)
	}
	j.wg.Add(1)
	go j.monitor(runCtx)
	go func() {
		j.wg.Wait()
		j.saveState()
		close(runDone)
	}()
	return nil
}

// prepare resolves the source and loads or plans the chunk layout.
func (j *Job) prepare(ctx context.Context) error {
	fetchURL := j.url
	if j.opts.Resolver != nil {
		resolved, err := j.opts.Resolver.Resolve(ctx, j.url)
		if err != nil {
			return fmt.Errorf("%w: resolving source: %v", ErrProbeFailed, err)
		}
		fetchURL = resolved
	}
	j.mu.Lock()
	j.fetchURL = fetchURL
	inMemory := len(j.chunks) > 0
	if inMemory {
		for i := range j.chunks {
			if j.chunks[i].Status == ChunkDownloading {
				j.chunks[i].Status = ChunkPending
			}
		}
	}
	j.mu.Unlock()

	if inMemory || j.resume() {
		return nil
	}
	result, err := Probe(ctx, j.opts.Client, fetchURL, j.opts.ProbeTimeout)
	if err != nil {
		return err
	}
	j.mu.Lock()
	renamed := j.nameDerived && result.FileName != "" && result.FileName != filepath.Base(j.destination)
	if renamed {
		j.setPaths(filepath.Join(filepath.Dir(j.destination), result.FileName))
	}
	j.mu.Unlock()
	if renamed {
		log.Debug().Str("op", "http/job").Msgf("Server named the file %s", result.FileName)
		if j.resume() {
			return nil
		}
	}

	chunks := PlanChunks(result.Size, result.RangeSupported, j.opts.Connections)
	j.mu.Lock()
	j.totalSize = result.Size
	j.chunks = chunks
	j.downloaded = 0
	j.mu.Unlock()
	log.Debug().Str("op", "http/job").Msgf("Planned %d chunks for %d bytes (ranges: %t)", len(chunks), result.Size, result.RangeSupported)
	return nil
}

// resume loads the state record for the current destination. Chunks that were
// mid-transfer when the record was written become pending again.
func (j *Job) resume() bool {
	j.mu.Lock()
	store := j.store
	j.mu.Unlock()
	state, err := store.Load()
	if err != nil {
		if err != ErrNoResumableState {
			log.Debug().Str("op", "http/job").Err(err).Msg("State record not usable")
		}
		return false
	}
	if state.URL != j.url {
		log.Warn().Str("op", "http/job").Msgf("State record at %s belongs to %s, starting over", store.Path(), state.URL)
		return false
	}
	for i := range state.Chunks {
		if state.Chunks[i].Status == ChunkDownloading {
			state.Chunks[i].Status = ChunkPending
		}
	}
	j.mu.Lock()
	j.totalSize = state.FileSize
	j.chunks = state.Chunks
	j.downloaded = state.Downloaded()
	j.mu.Unlock()
	log.Info().Str("op", "http/job").Msgf("Resuming from %s (%d of %d bytes)", store.Path(), state.Downloaded(), state.FileSize)
	return true
}

func (j *Job) abort(err error) error {
	j.mu.Lock()
	j.lastErr = err
	runDone := j.runDone
	j.mu.Unlock()
	log.Error().Str("op", "http/job").Err(err).Msg("Job failed to start")
	j.setStatus(StatusError)
	close(runDone)
	return err
}

func (j *Job) spawnWorker(ctx context.Context, idx int) {
	j.mu.Lock()
	j.active++
	j.mu.Unlock()
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.runChunk(ctx, idx)
		j.mu.Lock()
		j.active--
		j.mu.Unlock()
	}()
}

// Pause stops every worker cooperatively and keeps temp storage for resume.
func (j *Job) Pause() error {
	j.ctrlMu.Lock()
	defer j.ctrlMu.Unlock()
	j.mu.Lock()
	if j.status != StatusDownloading {
		j.mu.Unlock()
		return nil
	}
	cancel := j.cancelRun
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.setStatus(StatusPaused)
	j.saveState()
	return nil
}

// Cancel stops the run and removes temp storage and any destination file this
// job started writing. It does nothing once the job completed.
func (j *Job) Cancel() error {
	j.ctrlMu.Lock()
	defer j.ctrlMu.Unlock()
	j.mu.Lock()
	if j.status == StatusCompleted || j.status == StatusCancelled {
		j.mu.Unlock()
		return nil
	}
	cancel := j.cancelRun
	j.mu.Unlock()
	j.setStatus(StatusCancelled)
	if cancel != nil {
		cancel()
	}
	if !waitTimeout(&j.wg, j.opts.CancelTimeout) {
		log.Warn().Str("op", "http/job").Msg("Workers still running, removing temp files anyway")
	}

	j.mu.Lock()
	tempDir, destination, touched := j.tempDir, j.destination, j.destTouched
	j.mu.Unlock()
	var errs []error
	if err := utils.RemoveAllWithRetry(tempDir, 5, 500*time.Millisecond); err != nil {
		errs = append(errs, err)
	}
	if touched {
		if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	utils.RemoveEmptyTempRoot(destination)
	return errors.Join(errs...)
}

// Retry re-runs workers for chunks in error without leaving the downloading state.
func (j *Job) Retry() error {
	j.ctrlMu.Lock()
	defer j.ctrlMu.Unlock()
	j.mu.Lock()
	if j.status != StatusDownloading {
		status := j.status
		j.mu.Unlock()
		return fmt.Errorf("cannot retry a job that is %s", status)
	}
	var failed []int
	for i, c := range j.chunks {
		if c.Status == ChunkFailed {
			j.chunks[i].Status = ChunkPending
			delete(j.chunkErrs, i)
			failed = append(failed, i)
		}
	}
	ctx := j.runCtx
	if len(failed) > 0 {
		j.stalled = make(chan struct{})
		j.stallSignaled = false
	}
	j.mu.Unlock()
	for _, idx := range failed {
		j.spawnWorker(ctx, idx)
	}
	log.Info().Str("op", "http/job").Msgf("Retrying %d failed chunks", len(failed))
	return nil
}

// Wait blocks until the current run ends, the run stalls on failed chunks
// (ErrChunksFailed, the job stays downloading), or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	runDone, stalled := j.runDone, j.stalled
	j.mu.Unlock()
	if runDone == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stalled:
		return j.Err()
	case <-runDone:
	}
	switch j.Status() {
	case StatusCancelled:
		return ErrJobCancelled
	case StatusError:
		return j.Err()
	}
	return nil
}

// finish merges the parts once every chunk completed, then drops the state
// record and temp storage. A Pause or Cancel that got in first wins.
func (j *Job) finish(ctx context.Context) {
	if !j.transition(StatusDownloading, StatusMerging) {
		return
	}
	j.mu.Lock()
	tempDir, destination := j.tempDir, j.destination
	chunks := make([]Chunk, len(j.chunks))
	copy(chunks, j.chunks)
	store := j.store
	j.mu.Unlock()

	touch := func() {
		j.mu.Lock()
		j.destTouched = true
		j.mu.Unlock()
	}
	if err := mergeParts(ctx, tempDir, destination, chunks, touch); err != nil {
		if ctx.Err() != nil {
			// Cancel already owns the status; anything else resumes into a new merge.
			j.transition(StatusMerging, StatusPaused)
			return
		}
		j.mu.Lock()
		j.lastErr = err
		j.mu.Unlock()
		log.Error().Str("op", "http/job").Err(err).Msg("Merge failed, keeping temp files")
		j.transition(StatusMerging, StatusError)
		return
	}
	if !j.transition(StatusMerging, StatusCompleted) {
		return
	}
	j.saveMu.Lock()
	if err := store.Remove(); err != nil {
		log.Warn().Str("op", "http/job").Err(err).Msg("Could not remove state record")
	}
	j.saveMu.Unlock()
	if err := os.RemoveAll(tempDir); err != nil {
		log.Warn().Str("op", "http/job").Err(err).Msg("Could not remove temp directory")
	}
	utils.RemoveEmptyTempRoot(destination)
	log.Info().Str("op", "http/job").Msgf("Download complete: %s", destination)
}

// saveState persists the layout. Failures only cost resumability.
func (j *Job) saveState() {
	j.saveMu.Lock()
	defer j.saveMu.Unlock()
	j.mu.Lock()
	if j.status == StatusCompleted || j.status == StatusCancelled || len(j.chunks) == 0 {
		j.mu.Unlock()
		return
	}
	state := &State{URL: j.url, FileSize: j.totalSize, Chunks: make([]Chunk, len(j.chunks))}
	copy(state.Chunks, j.chunks)
	store := j.store
	j.mu.Unlock()
	if err := store.Save(state); err != nil {
		log.Warn().Str("op", "http/job").Err(err).Msg("Could not save state")
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
