package testutil

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/koopa0/ragpipe/internal/index"
)

// MemoryStore is an in-memory index.Store for tests. It implements
// the same filter semantics as the real backends: predicates are a
// conjunction, equality matches the exact string value and range
// operators compare the field parsed as a number.
type MemoryStore struct {
	// UpsertErr, QueryErr, when set, are returned by the matching
	// operation to simulate an unavailable backend.
	UpsertErr error
	QueryErr  error

	mu      sync.Mutex
	entries map[string]index.Entry
	upserts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]index.Entry)}
}

func (s *MemoryStore) Upsert(ctx context.Context, entries []index.Entry) error {
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.ID] = e
	}
	s.upserts++
	return nil
}

func matches(e index.Entry, filter index.Filter) bool {
	for _, p := range filter {
		v, ok := e.Metadata[p.Field]
		if p.Field == index.FieldDocumentID {
			v, ok = e.DocumentID, true
		}
		if !ok {
			return false
		}
		switch p.Op {
		case index.OpEq:
			if v != p.Value {
				return false
			}
		case index.OpGte, index.OpLte:
			fv, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return false
			}
			bound, err := strconv.ParseFloat(p.Value, 64)
			if err != nil {
				return false
			}
			if p.Op == index.OpGte && fv < bound {
				return false
			}
			if p.Op == index.OpLte && fv > bound {
				return false
			}
		}
	}
	return true
}

func (s *MemoryStore) Query(ctx context.Context, vector []float32, k int, filter index.Filter) ([]index.Match, error) {
	if s.QueryErr != nil {
		return nil, s.QueryErr
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []index.Match
	for _, e := range s.entries {
		if !matches(e, filter) {
			continue
		}
		var dot float32
		for i := range vector {
			if i < len(e.Vector) {
				dot += vector[i] * e.Vector[i]
			}
		}
		out = append(out, index.Match{
			ID:         e.ID,
			DocumentID: e.DocumentID,
			Content:    e.Content,
			Score:      dot,
			Metadata:   e.Metadata,
			Model:      e.Model,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.entries, id)
	}
	return nil
}

func (s *MemoryStore) DeleteByDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.DocumentID == documentID {
			delete(s.entries, id)
		}
	}
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, filter index.Filter) (int64, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if matches(e, filter) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (index.Stats, error) {
	n, _ := s.Count(ctx, nil)
	return index.Stats{Vectors: n, Dimension: 8}, nil
}

// Upserts reports how many successful Upsert calls were made.
func (s *MemoryStore) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// Entry returns a stored entry by id.
func (s *MemoryStore) Entry(id string) (index.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

var _ index.Store = (*MemoryStore)(nil)
