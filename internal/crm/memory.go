package crm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all records in process memory.
type MemoryStore struct {
	repos map[Entity]*memoryRepository
	now   func() time.Time
}

// NewMemoryStore creates an empty store for every known entity.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		repos: make(map[Entity]*memoryRepository),
		now:   time.Now,
	}
	for _, e := range Entities() {
		s.repos[e] = &memoryRepository{
			store:   s,
			records: make(map[string]Record),
		}
	}
	return s
}

func (s *MemoryStore) Repository(e Entity) (Repository, error) {
	repo, ok := s.repos[e]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, e)
	}
	return repo, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

type memoryRepository struct {
	store *MemoryStore

	mu      sync.RWMutex
	order   []string
	records map[string]Record
}

func (r *memoryRepository) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memoryRepository) List(ctx context.Context, filter Filter, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0)
	for _, id := range r.order {
		rec := r.records[id]
		if !filter.Match(rec) {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) Create(ctx context.Context, fields Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := fields.Clone()
	id := rec.ID()
	if id == "" {
		id = uuid.NewString()
	}
	ts := r.store.timestamp()
	rec[FieldID] = id
	rec[FieldCreatedAt] = ts
	rec[FieldUpdatedAt] = ts

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	r.records[id] = rec
	r.order = append(r.order, id)
	return rec.Clone(), nil
}

func (r *memoryRepository) Update(ctx context.Context, id string, fields Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	for k, v := range fields {
		if k == FieldID || k == FieldCreatedAt {
			continue
		}
		rec[k] = v
	}
	rec[FieldUpdatedAt] = r.store.timestamp()
	return rec.Clone(), nil
}

func (r *memoryRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return ErrNotFound
	}
	delete(r.records, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memoryRepository) Count(ctx context.Context, filter Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if filter.Match(rec) {
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
