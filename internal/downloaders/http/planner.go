package tafimhttp

// PlanChunks splits [0, size) into contiguous chunks. With range support and
// more than one worker, every chunk but the last has size/workers bytes and the
// last absorbs the remainder; otherwise a single chunk covers the whole body.
// Workers are capped at size so that no chunk is empty.
func PlanChunks(size int64, rangeSupported bool, workers int) []Chunk {
	if size <= 0 {
		return nil
	}
	if !rangeSupported || workers <= 1 {
		return []Chunk{{Index: 0, Start: 0, End: size - 1, Status: ChunkPending}}
	}
	if int64(workers) > size {
		workers = int(size)
	}
	chunkSize := size / int64(workers)
	chunks := make([]Chunk, workers)
	for i := range workers {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1
		if i == workers-1 {
			end = size - 1
		}
		chunks[i] = Chunk{Index: i, Start: start, End: end, Status: ChunkPending}
	}
	return chunks
}
