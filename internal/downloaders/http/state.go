package tafimhttp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tanq16/tafim/internal/utils"
	"gopkg.in/yaml.v3"
)

// State is the persisted, human-readable record of a job's chunk layout.
type State struct {
	URL      string  `yaml:"url"`
	FileSize int64   `yaml:"file_size"`
	Chunks   []Chunk `yaml:"chunks"`
}

// Downloaded sums the per-chunk resume offsets.
func (s *State) Downloaded() int64 {
	var total int64
	for _, c := range s.Chunks {
		total += c.Current
	}
	return total
}

type StateStore struct {
	path string
}

func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// StateStoreFor addresses the record for a destination file.
func StateStoreFor(destination string) *StateStore {
	return NewStateStore(utils.StatePathFor(destination))
}

func (s *StateStore) Path() string {
	return s.path
}

// Save writes the record through a temporary file and a rename so a crash
// never leaves a half-written record behind.
func (s *StateStore) Save(state *State) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("error encoding state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("error creating state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error replacing state: %w", err)
	}
	return nil
}

// Load returns ErrNoResumableState when the record is missing, unparsable or
// describes an inconsistent layout.
func (s *StateStore) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoResumableState
		}
		return nil, fmt.Errorf("%w: %v", ErrNoResumableState, err)
	}
	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResumableState, err)
	}
	if err := validateLayout(state.FileSize, state.Chunks); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResumableState, err)
	}
	return &state, nil
}

func (s *StateStore) Remove() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func validateLayout(size int64, chunks []Chunk) error {
	if size <= 0 {
		return fmt.Errorf("invalid file size %d", size)
	}
	if len(chunks) == 0 {
		return errors.New("no chunks")
	}
	var next int64
	for i, c := range chunks {
		if c.Index != i {
			return fmt.Errorf("chunk %d has index %d", i, c.Index)
		}
		if c.Start != next || c.End < c.Start {
			return fmt.Errorf("chunk %d range %d-%d is not contiguous", i, c.Start, c.End)
		}
		if c.Current < 0 || c.Current > c.Length() {
			return fmt.Errorf("chunk %d offset %d out of range", i, c.Current)
		}
		switch c.Status {
		case ChunkPending, ChunkDownloading, ChunkCompleted, ChunkFailed:
		default:
			return fmt.Errorf("chunk %d has unknown status %q", i, c.Status)
		}
		next = c.End + 1
	}
	if next != size {
		return fmt.Errorf("chunks cover %d of %d bytes", next, size)
	}
	return nil
}
