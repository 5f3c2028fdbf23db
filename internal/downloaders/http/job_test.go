package tafimhttp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tanq16/tafim/internal/utils"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJobMultiChunkDownload(t *testing.T) {
	data := generateData(100_000)
	server := newRangeServer(t, data, true)
	dest := filepath.Join(t.TempDir(), "file.bin")

	var statuses []Status
	opts := testOptions(4)
	opts.OnStatus = func(s Status) { statuses = append(statuses, s) }
	job := NewJob(server.URL+"/file.bin", dest, opts)
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if job.Status() != StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status())
	}
	assertFileEquals(t, dest, data)
	assertMissing(t, utils.TempDirFor(dest))
	assertMissing(t, filepath.Join(filepath.Dir(dest), utils.TempDirName))
	if job.TotalSize() != int64(len(data)) || job.Downloaded() != int64(len(data)) {
		t.Errorf("totals: %d of %d", job.Downloaded(), job.TotalSize())
	}
	if job.Progress() != 1 {
		t.Errorf("progress = %v", job.Progress())
	}
	for _, want := range []string{"bytes=0-24999", "bytes=25000-49999", "bytes=50000-74999", "bytes=75000-99999"} {
		if !server.sawRange(want) {
			t.Errorf("missing request for %s, saw %v", want, server.rangeRequests())
		}
	}
	want := []Status{StatusDownloading, StatusMerging, StatusCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses = %v, want %v", statuses, want)
			break
		}
	}
}

func TestJobWithoutRangeSupport(t *testing.T) {
	data := generateData(5000)
	server := newRangeServer(t, data, false)
	dest := filepath.Join(t.TempDir(), "plain.bin")

	job := NewJob(server.URL, dest, testOptions(32))
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if n := len(job.Chunks()); n != 1 {
		t.Errorf("planned %d chunks, want 1", n)
	}
	assertFileEquals(t, dest, data)
}

func TestJobUsesServerFileName(t *testing.T) {
	data := generateData(2048)
	server := newRangeServer(t, data, true)
	server.disposition = `attachment; filename="real.bin"`
	dir := t.TempDir()

	job := NewJob(server.URL+"/download", dir+string(filepath.Separator), testOptions(2))
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	want := filepath.Join(dir, "real.bin")
	if job.Destination() != want {
		t.Errorf("destination = %s, want %s", job.Destination(), want)
	}
	assertFileEquals(t, want, data)
	assertMissing(t, filepath.Join(dir, "download"))
}

func TestJobKeepsExplicitName(t *testing.T) {
	data := generateData(300)
	server := newRangeServer(t, data, true)
	server.disposition = `attachment; filename="other.bin"`
	dest := filepath.Join(t.TempDir(), "mine.bin")

	job := NewJob(server.URL, dest, testOptions(1))
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertFileEquals(t, dest, data)
}

func TestJobProbeFailure(t *testing.T) {
	server := newRangeServer(t, generateData(10), true)
	server.headStatus = 404
	dest := filepath.Join(t.TempDir(), "missing.bin")

	job := NewJob(server.URL, dest, testOptions(2))
	err := job.Start(context.Background())
	if !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("Start: got %v, want ErrProbeFailed", err)
	}
	if job.Status() != StatusError {
		t.Errorf("status = %s, want error", job.Status())
	}
	if err := job.Wait(waitCtx(t)); !errors.Is(err, ErrProbeFailed) {
		t.Errorf("Wait: got %v", err)
	}
	assertMissing(t, dest)
	assertMissing(t, utils.StatePathFor(dest))
}

func TestJobResumesFromStateRecord(t *testing.T) {
	data := generateData(2000)
	server := newRangeServer(t, data, true)
	dest := filepath.Join(t.TempDir(), "resume.bin")

	state := &State{
		URL:      server.URL,
		FileSize: 2000,
		Chunks: []Chunk{
			{Index: 0, Start: 0, End: 999, Current: 500, Status: ChunkDownloading},
			{Index: 1, Start: 1000, End: 1999, Current: 0, Status: ChunkPending},
		},
	}
	if err := StateStoreFor(dest).Save(state); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(utils.PartPath(utils.TempDirFor(dest), 0), data[:500], 0644); err != nil {
		t.Fatal(err)
	}

	job := NewJob(server.URL, dest, testOptions(2))
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertFileEquals(t, dest, data)
	if !server.sawRange("bytes=500-999") || !server.sawRange("bytes=1000-1999") {
		t.Errorf("unexpected ranges %v", server.rangeRequests())
	}
	if server.sawRange("bytes=0-999") {
		t.Error("chunk 0 was downloaded from scratch")
	}
}

func TestJobReconcilesPartFiles(t *testing.T) {
	data := generateData(2000)
	tests := map[string]struct {
		current   int64
		onDisk    []byte
		wantRange string
	}{
		"longer part is truncated": {
			current:   200,
			onDisk:    append(append([]byte{}, data[:200]...), make([]byte, 300)...),
			wantRange: "bytes=200-999",
		},
		"shorter part lowers offset": {
			current:   800,
			onDisk:    data[:300],
			wantRange: "bytes=300-999",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			server := newRangeServer(t, data, true)
			dest := filepath.Join(t.TempDir(), "reconcile.bin")
			state := &State{
				URL:      server.URL,
				FileSize: 2000,
				Chunks: []Chunk{
					{Index: 0, Start: 0, End: 999, Current: tc.current, Status: ChunkPending},
					{Index: 1, Start: 1000, End: 1999, Current: 1000, Status: ChunkCompleted},
				},
			}
			if err := StateStoreFor(dest).Save(state); err != nil {
				t.Fatal(err)
			}
			tempDir := utils.TempDirFor(dest)
			os.WriteFile(utils.PartPath(tempDir, 0), tc.onDisk, 0644)
			os.WriteFile(utils.PartPath(tempDir, 1), data[1000:], 0644)

			job := NewJob(server.URL, dest, testOptions(2))
			if err := job.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := job.Wait(waitCtx(t)); err != nil {
				t.Fatalf("Wait: %v", err)
			}
			assertFileEquals(t, dest, data)
			if got := server.rangeRequests(); len(got) != 1 || got[0] != tc.wantRange {
				t.Errorf("ranges = %v, want [%s]", got, tc.wantRange)
			}
		})
	}
}

func TestJobIgnoresRecordForOtherURL(t *testing.T) {
	data := generateData(1000)
	server := newRangeServer(t, data, true)
	dest := filepath.Join(t.TempDir(), "other.bin")
	state := &State{
		URL:      "http://example.invalid/elsewhere",
		FileSize: 1000,
		Chunks:   []Chunk{{Index: 0, Start: 0, End: 999, Current: 600, Status: ChunkPending}},
	}
	if err := StateStoreFor(dest).Save(state); err != nil {
		t.Fatal(err)
	}

	job := NewJob(server.URL, dest, testOptions(1))
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertFileEquals(t, dest, data)
	if !server.sawRange("bytes=0-999") {
		t.Errorf("expected a fresh download, saw %v", server.rangeRequests())
	}
}

func TestJobPauseAndResume(t *testing.T) {
	data := generateData(40_000)
	server := newRangeServer(t, data, true)
	server.setStall(1000)
	dest := filepath.Join(t.TempDir(), "paused.bin")

	job := NewJob(server.URL, dest, testOptions(4))
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "partial progress", func() bool { return job.Downloaded() == 4000 })

	if err := job.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait after pause: %v", err)
	}
	if job.Status() != StatusPaused {
		t.Fatalf("status = %s, want paused", job.Status())
	}
	before := job.Chunks()
	for _, c := range before {
		if c.Current != 1000 || c.Status != ChunkPending {
			t.Errorf("chunk %d after pause: %+v", c.Index, c)
		}
	}
	saved, err := StateStoreFor(dest).Load()
	if err != nil {
		t.Fatalf("state record after pause: %v", err)
	}
	if saved.Downloaded() != 4000 {
		t.Errorf("record holds %d bytes", saved.Downloaded())
	}
	assertMissing(t, dest)

	// Pausing again is a no-op.
	if err := job.Pause(); err != nil || job.Status() != StatusPaused {
		t.Errorf("second pause: %v, %s", err, job.Status())
	}

	server.setStall(0)
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait after resume: %v", err)
	}
	assertFileEquals(t, dest, data)
	for _, want := range []string{"bytes=1000-9999", "bytes=11000-19999", "bytes=21000-29999", "bytes=31000-39999"} {
		if !server.sawRange(want) {
			t.Errorf("missing resumed request %s", want)
		}
	}
	for i, c := range job.Chunks() {
		if c.Current < before[i].Current {
			t.Errorf("chunk %d went backwards: %d < %d", i, c.Current, before[i].Current)
		}
	}
}

func TestJobFailedChunkBlocksCompletion(t *testing.T) {
	data := generateData(2000)
	server := newRangeServer(t, data, true)
	server.failRange(1000, -1)
	dest := filepath.Join(t.TempDir(), "failing.bin")

	opts := testOptions(2)
	opts.Retry = RetryPolicy{MaxAttempts: 1}
	job := NewJob(server.URL, dest, opts)
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := job.Wait(waitCtx(t))
	if !errors.Is(err, ErrChunksFailed) {
		t.Fatalf("Wait: got %v, want ErrChunksFailed", err)
	}
	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) || chunkErr.Index != 1 {
		t.Errorf("expected a ChunkError for chunk 1, got %v", err)
	}
	if job.Status() != StatusDownloading {
		t.Errorf("status = %s, want downloading", job.Status())
	}
	chunks := job.Chunks()
	if chunks[0].Status != ChunkCompleted || chunks[1].Status != ChunkFailed {
		t.Errorf("chunks = %+v", chunks)
	}
	assertMissing(t, dest)

	server.failRange(1000, 0)
	if err := job.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait after retry: %v", err)
	}
	if job.Status() != StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status())
	}
	assertFileEquals(t, dest, data)
}

func TestJobRetriesChunkAutomatically(t *testing.T) {
	data := generateData(1500)
	server := newRangeServer(t, data, true)
	server.failRange(0, 2)
	dest := filepath.Join(t.TempDir(), "flaky.bin")

	opts := testOptions(1)
	opts.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	job := NewJob(server.URL, dest, opts)
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertFileEquals(t, dest, data)
	attempts := 0
	for _, r := range server.rangeRequests() {
		if r == "bytes=0-1499" {
			attempts++
		}
	}
	if attempts != 3 {
		t.Errorf("chunk requested %d times, want 3", attempts)
	}
}

func TestJobCancel(t *testing.T) {
	data := generateData(20_000)
	server := newRangeServer(t, data, true)
	server.setStall(500)
	dest := filepath.Join(t.TempDir(), "cancelled.bin")

	job := NewJob(server.URL, dest, testOptions(2))
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "partial progress", func() bool { return job.Downloaded() == 1000 })

	if err := job.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status())
	}
	assertMissing(t, utils.TempDirFor(dest))
	assertMissing(t, dest)
	if err := job.Wait(waitCtx(t)); !errors.Is(err, ErrJobCancelled) {
		t.Errorf("Wait: got %v", err)
	}
	if err := job.Start(context.Background()); !errors.Is(err, ErrJobCancelled) {
		t.Errorf("Start after cancel: got %v", err)
	}
	if err := job.Retry(); err == nil {
		t.Error("Retry after cancel should fail")
	}
}

func TestJobCancelAfterCompletionIsNoop(t *testing.T) {
	data := generateData(100)
	server := newRangeServer(t, data, true)
	dest := filepath.Join(t.TempDir(), "done.bin")

	job := NewJob(server.URL, dest, testOptions(1))
	if err := job.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
	if err := job.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Status() != StatusCompleted {
		t.Errorf("status = %s", job.Status())
	}
	assertFileEquals(t, dest, data)
	// Starting a completed job does nothing.
	if err := job.Start(context.Background()); err != nil {
		t.Errorf("Start: %v", err)
	}
}

type staticResolver struct{ target string }

func (r staticResolver) Resolve(ctx context.Context, source string) (string, error) {
	return r.target, nil
}

func TestJobUsesResolver(t *testing.T) {
	data := generateData(3000)
	server := newRangeServer(t, data, true)
	dest := filepath.Join(t.TempDir(), "resolved.bin")

	opts := testOptions(3)
	opts.Resolver = staticResolver{target: server.URL + "/signed?sig=abc"}
	job := NewJob("s3://bucket/resolved.bin", dest, opts)
	if err := job.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := job.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	assertFileEquals(t, dest, data)
}

func TestNewJobDestinations(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		dest string
		want string
	}{
		{dest: dir, want: filepath.Join(dir, "archive.tar.gz")},
		{dest: filepath.Join(dir, "named.bin"), want: filepath.Join(dir, "named.bin")},
		{dest: "", want: "archive.tar.gz"},
	}
	for _, tc := range tests {
		job := NewJob("https://example.com/files/archive.tar.gz?token=1", tc.dest, Options{})
		if job.Destination() != tc.want {
			t.Errorf("NewJob(%q) destination = %s, want %s", tc.dest, job.Destination(), tc.want)
		}
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := (RetryPolicy{}).Backoff(1); got != 500*time.Millisecond {
		t.Errorf("default backoff = %s", got)
	}
	if (RetryPolicy{}).attempts() != 1 {
		t.Error("zero policy should allow a single attempt")
	}
}

// downloadedJob returns a job whose parts are all written and completed, the
// way the monitor finds it right before merging.
func downloadedJob(t *testing.T, dest string, data []byte, parts int) *Job {
	t.Helper()
	j := NewJob("http://example.invalid/file.bin", dest, testOptions(parts))
	chunks := PlanChunks(int64(len(data)), true, parts)
	for i := range chunks {
		chunks[i].Current = chunks[i].Length()
		chunks[i].Status = ChunkCompleted
	}
	writeParts(t, j.tempDir, data, chunks)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	j.mu.Lock()
	j.chunks, j.totalSize, j.downloaded = chunks, int64(len(data)), int64(len(data))
	j.status = StatusDownloading
	j.runCtx, j.cancelRun = runCtx, cancel
	j.mu.Unlock()
	return j
}

func TestJobFinishLosesToPauseAndCancel(t *testing.T) {
	tests := []struct {
		name      string
		interrupt func(j *Job)
		want      Status
		resumable bool
	}{
		{"pause", func(j *Job) { j.Pause() }, StatusPaused, true},
		{"cancel", func(j *Job) { j.Cancel() }, StatusCancelled, false},
		{"run stopped before merge", func(j *Job) { j.cancelRun() }, StatusPaused, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := generateData(3000)
			dest := filepath.Join(t.TempDir(), "out.bin")
			j := downloadedJob(t, dest, data, 2)

			tt.interrupt(j)
			j.finish(j.runCtx)
			if got := j.Status(); got != tt.want {
				t.Fatalf("status after finish = %s, want %s", got, tt.want)
			}
			assertMissing(t, dest)

			if !tt.resumable {
				assertMissing(t, j.tempDir)
				if err := j.Start(context.Background()); !errors.Is(err, ErrJobCancelled) {
					t.Errorf("Start after cancel: %v", err)
				}
				return
			}
			if err := j.Start(context.Background()); err != nil {
				t.Fatalf("resume: %v", err)
			}
			if err := j.Wait(waitCtx(t)); err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if j.Status() != StatusCompleted {
				t.Fatalf("status after resume = %s", j.Status())
			}
			assertFileEquals(t, dest, data)
			assertMissing(t, StateStoreFor(dest).Path())
		})
	}
}
