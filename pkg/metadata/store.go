package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned by Commit when the store moved past the base
// revision.
var ErrConflict = errors.New("metadata: revision conflict")

// Snapshot is a consistent view of the configuration at one revision.
// Config is owned by the caller.
type Snapshot struct {
	Config   *Cluster
	Revision int64
}

// Store is the versioned home of the cluster configuration. Commit succeeds
// only if the stored revision still equals rev.
type Store interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, rev int64, c *Cluster) (int64, error)
}

// MemoryStore keeps the configuration in process.
type MemoryStore struct {
	mu  sync.RWMutex
	doc *Cluster
	rev int64
}

// NewMemoryStore returns a store holding a copy of initial, or an empty
// configuration if initial is nil.
func NewMemoryStore(initial *Cluster) (*MemoryStore, error) {
	s := &MemoryStore{doc: NewCluster()}
	if initial != nil {
		doc, err := initial.Clone()
		if err != nil {
			return nil, err
		}
		s.doc = doc
		s.rev = 1
	}
	return s, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, err := s.doc.Clone()
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Config: doc, Revision: s.rev}, nil
}

func (s *MemoryStore) Commit(ctx context.Context, rev int64, c *Cluster) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	doc, err := c.Clone()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rev != s.rev {
		return 0, fmt.Errorf("metadata.MemoryStore.Commit: base %d, current %d: %w", rev, s.rev, ErrConflict)
	}
	s.doc = doc
	s.rev++
	return s.rev, nil
}
