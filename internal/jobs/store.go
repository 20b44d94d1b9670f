package jobs

import (
	"context"

	"renderhub/internal/models"
)

// Store persists render jobs.
//
// Insert fails with CodeAlreadyExists when the ID is taken. Get and Delete
// fail with CodeNotFound. Update is a compare-and-swap on job.Version: it
// fails with CodeConflict when the stored version differs, and on success
// increments job.Version in place.
type Store interface {
	Insert(ctx context.Context, job *models.RenderJob) error
	Get(ctx context.Context, id string) (*models.RenderJob, error)
	Update(ctx context.Context, job *models.RenderJob) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*models.RenderJob, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status    models.Status
	ProductID string
	Limit     int
	Offset    int
}

// DefaultListLimit caps List when the filter does not set a limit.
const DefaultListLimit = 50
