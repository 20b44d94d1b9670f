package jobs

import (
	"context"
	"sort"
	"sync"

	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.RenderJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.RenderJob)}
}

func (s *MemoryStore) Insert(ctx context.Context, job *models.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return errors.AlreadyExists("render job", job.ID)
	}
	job.Version = 1
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.RenderJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFound("render job", id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, job *models.RenderJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[job.ID]
	if !ok {
		return errors.NotFound("render job", job.ID)
	}
	if cur.Version != job.Version {
		return errors.Conflict("render job was modified concurrently").WithField("id", job.ID)
	}
	job.Version++
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return errors.NotFound("render job", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*models.RenderJob, error) {
	s.mu.RLock()
	out := make([]*models.RenderJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.ProductID != "" && job.ProductID != f.ProductID {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if f.Offset >= len(out) {
		return []*models.RenderJob{}, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.Status]int, len(models.Statuses))
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}
