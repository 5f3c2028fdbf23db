package tafimhttp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/tafim/internal/utils"
)

// mergeParts assembles the destination from part files. Every part is checked
// before the destination is touched, so a missing or short part fails the
// merge without clobbering anything. touch runs right before the destination
// is first modified.
func mergeParts(ctx context.Context, tempDir, destination string, chunks []Chunk, touch func()) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: no chunks", ErrMergeFailed)
	}
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].Index < ordered[b].Index })

	for _, c := range ordered {
		part := utils.PartPath(tempDir, c.Index)
		info, err := os.Stat(part)
		if err != nil {
			return fmt.Errorf("%w: part %d: %v", ErrMergeFailed, c.Index, err)
		}
		if info.Size() != c.Length() {
			return fmt.Errorf("%w: part %d holds %d bytes, expected %d", ErrMergeFailed, c.Index, info.Size(), c.Length())
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ordered) == 1 {
		part := utils.PartPath(tempDir, ordered[0].Index)
		touch()
		if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: error removing existing file: %v", ErrMergeFailed, err)
		}
		if err := os.Rename(part, destination); err != nil {
			return fmt.Errorf("%w: error moving part into place: %v", ErrMergeFailed, err)
		}
		log.Debug().Str("op", "http/merge").Msgf("Moved single part to %s", destination)
		return nil
	}

	touch()
	destFile, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	defer destFile.Close()

	buffer := make([]byte, utils.MergeBufferSize)
	var totalWritten int64
	for _, c := range ordered {
		written, err := appendPart(ctx, destFile, utils.PartPath(tempDir, c.Index), buffer)
		totalWritten += written
		if err != nil {
			return fmt.Errorf("%w: part %d: %w", ErrMergeFailed, c.Index, err)
		}
	}
	if err := destFile.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}
	log.Debug().Str("op", "http/merge").Msgf("Assembled %d parts (%d bytes) into %s", len(ordered), totalWritten, destination)

	for _, c := range ordered {
		os.Remove(utils.PartPath(tempDir, c.Index))
	}
	return nil
}

func appendPart(ctx context.Context, dst io.Writer, partFile string, buffer []byte) (int64, error) {
	src, err := os.Open(partFile)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buffer)
		if n > 0 {
			w, writeErr := dst.Write(buffer[:n])
			written += int64(w)
			if writeErr != nil {
				return written, writeErr
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
