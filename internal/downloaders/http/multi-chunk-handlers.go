package tafimhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/tafim/internal/utils"
)

// runChunk drives one chunk worker through the job's retry policy. A
// cancelled run leaves the chunk pending with its offset intact.
func (j *Job) runChunk(ctx context.Context, idx int) {
	policy := j.opts.Retry
	for attempt := 1; ; attempt++ {
		err := j.downloadChunk(ctx, idx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			j.setChunkStatus(idx, ChunkPending)
			return
		}
		log.Warn().Str("op", "http/multi-chunk-handlers").Int("chunk", idx).Err(err).Msgf("Chunk attempt %d/%d failed", attempt, policy.attempts())
		if attempt >= policy.attempts() {
			j.failChunk(idx, err)
			return
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			j.setChunkStatus(idx, ChunkPending)
			return
		case <-timer.C:
		}
	}
}

// downloadChunk fetches [start+current, end] of one chunk into its part file.
func (j *Job) downloadChunk(ctx context.Context, idx int) error {
	j.mu.Lock()
	chunk := j.chunks[idx]
	link := j.fetchURL
	partFile := utils.PartPath(j.tempDir, chunk.Index)
	wholeBody := chunk.Start == 0 && chunk.End == j.totalSize-1
	j.mu.Unlock()

	length := chunk.Length()
	if chunk.Current >= length {
		j.setChunkStatus(idx, ChunkCompleted)
		return nil
	}
	current, err := j.reconcilePart(idx, partFile)
	if err != nil {
		return err
	}
	if current >= length {
		j.setChunkStatus(idx, ChunkCompleted)
		return nil
	}
	j.setChunkStatus(idx, ChunkDownloading)

	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("error creating GET request: %v", err)
	}
	startByte := chunk.Start + current
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, chunk.End))
	req.Header.Set("Connection", "keep-alive")
	resp, err := j.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		got, err := startFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return fmt.Errorf("bad Content-Range header: %v", err)
		}
		if got != startByte {
			return fmt.Errorf("server returned range starting at %d, wanted %d", got, startByte)
		}
	case http.StatusOK:
		// Full body: only usable when this chunk is the whole resource.
		if !wholeBody {
			return fmt.Errorf("%w: server ignored range request for chunk %d", utils.ErrRangeRequestsNotSupported, idx)
		}
		if current > 0 {
			log.Warn().Str("op", "http/multi-chunk-handlers").Int("chunk", idx).Msg("Server does not support resume. Restarting chunk.")
			j.resetChunk(idx)
			current = 0
		}
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	flag := os.O_WRONLY | os.O_CREATE
	if current > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	partHandle, err := os.OpenFile(partFile, flag, 0644)
	if err != nil {
		return fmt.Errorf("error opening part file: %v", err)
	}
	defer partHandle.Close()

	readTimeout := j.opts.ReadTimeout
	idle := time.AfterFunc(readTimeout, cancelReq)
	defer idle.Stop()

	remaining := length - current
	body := io.LimitReader(resp.Body, remaining)
	buffer := make([]byte, utils.DefaultSegmentSize)
	var received int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bytesRead, readErr := body.Read(buffer)
		idle.Reset(readTimeout)
		if bytesRead > 0 {
			if _, writeErr := partHandle.Write(buffer[:bytesRead]); writeErr != nil {
				return fmt.Errorf("error writing part file: %v", writeErr)
			}
			received += int64(bytesRead)
			j.addProgress(idx, int64(bytesRead))
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if reqCtx.Err() != nil {
				return fmt.Errorf("no data received for %s", readTimeout)
			}
			return readErr
		}
	}
	if received != remaining {
		return fmt.Errorf("size mismatch: expected %d remaining bytes, got %d", remaining, received)
	}
	j.setChunkStatus(idx, ChunkCompleted)
	return nil
}

// reconcilePart aligns the persisted offset with what the part file holds. A
// longer file is cut back to the offset; a shorter one lowers the offset.
func (j *Job) reconcilePart(idx int, partFile string) (int64, error) {
	var onDisk int64
	info, err := os.Stat(partFile)
	switch {
	case err == nil:
		onDisk = info.Size()
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("error checking part file: %v", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	current := j.chunks[idx].Current
	switch {
	case onDisk > current:
		if err := os.Truncate(partFile, current); err != nil {
			return 0, fmt.Errorf("error truncating part file: %v", err)
		}
		log.Debug().Str("op", "http/multi-chunk-handlers").Int("chunk", idx).Msgf("Truncated part file from %d to %d bytes", onDisk, current)
	case onDisk < current:
		j.chunks[idx].Current = onDisk
		j.downloaded -= current - onDisk
		log.Debug().Str("op", "http/multi-chunk-handlers").Int("chunk", idx).Msgf("Part file holds %d of %d recorded bytes", onDisk, current)
		current = onDisk
	}
	return current, nil
}

func (j *Job) addProgress(idx int, n int64) {
	j.mu.Lock()
	j.chunks[idx].Current += n
	j.downloaded += n
	j.mu.Unlock()
}

func (j *Job) resetChunk(idx int) {
	j.mu.Lock()
	j.downloaded -= j.chunks[idx].Current
	j.chunks[idx].Current = 0
	j.mu.Unlock()
}

func (j *Job) setChunkStatus(idx int, status ChunkStatus) {
	j.mu.Lock()
	if j.chunks[idx].Status != ChunkCompleted || status == ChunkCompleted {
		j.chunks[idx].Status = status
	}
	j.mu.Unlock()
}

func (j *Job) failChunk(idx int, err error) {
	j.mu.Lock()
	j.chunks[idx].Status = ChunkFailed
	j.chunkErrs[idx] = &ChunkError{Index: idx, Err: err}
	j.mu.Unlock()
	log.Error().Str("op", "http/multi-chunk-handlers").Int("chunk", idx).Err(err).Msg("Chunk failed")
}
