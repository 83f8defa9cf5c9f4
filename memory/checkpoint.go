package memory

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/shogotsuneto/go-resumable"
)

// CheckpointStore keeps checkpoints in a map.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string][]byte)}
}

// Save stores a copy of data under key.
func (s *CheckpointStore) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("checkpoint key must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[key] = bytes.Clone(data)
	return nil
}

// Load returns a copy of the data stored under key.
func (s *CheckpointStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.checkpoints[key]
	if !ok {
		return nil, resumable.ErrCheckpointNotFound
	}
	return bytes.Clone(data), nil
}

// Delete removes the checkpoint stored under key.
func (s *CheckpointStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, key)
	return nil
}
