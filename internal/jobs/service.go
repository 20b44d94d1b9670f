// Package jobs owns the render job record and its state machine. Every status
// change and artifact write goes through Service so the transition table and
// the once-only timestamps hold regardless of the backing Store.
package jobs

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/sandbox"
)

// MaxErrorMessageLength bounds the error text stored on a job.
const MaxErrorMessageLength = 2000

const maxUpdateAttempts = 5

type Deps struct {
	Store  Store
	Logger *logger.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to uuid.NewString.
	NewID func() string
}

type Service struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
	newID func() string
}

func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = logger.NewDefault()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	newID := d.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		store: d.Store,
		log:   log.WithComponent("jobs"),
		now:   func() time.Time { return now().UTC() },
		newID: newID,
	}
}

// CreateParams describes a new job. An empty ID is assigned by the service.
type CreateParams struct {
	ID         string
	ProductID  string
	VariantID  *string
	Preset     models.Preset
	TemplateID *string
	DesignURL  *string
	Metadata   models.JobMetadata
}

// Patch carries the optional fields written together with a transition.
type Patch struct {
	Artifacts    models.Artifacts
	ErrorMessage *string
	Metadata     *models.JobMetadata
	// ForceTimestamps overwrites StartedAt/CompletedAt even if already set.
	ForceTimestamps bool
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*models.RenderJob, error) {
	const op = "jobs.create"

	if p.ID == "" {
		p.ID = s.newID()
	}
	if err := sandbox.ValidateJobID(p.ID); err != nil {
		return nil, errors.Wrap(err, op, "invalid job id")
	}
	if p.ProductID == "" {
		return nil, errors.InvalidField("product_id", "product id is required")
	}
	if !p.Preset.Valid() {
		return nil, errors.InvalidField("preset", "unknown preset").WithField("preset", string(p.Preset))
	}

	now := s.now()
	job := &models.RenderJob{
		ID:         p.ID,
		ProductID:  p.ProductID,
		VariantID:  p.VariantID,
		Preset:     p.Preset,
		TemplateID: p.TemplateID,
		Status:     models.StatusPending,
		Artifacts:  models.Artifacts{DesignURL: p.DesignURL},
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata:   p.Metadata,
	}

	if err := s.store.Insert(ctx, job); err != nil {
		return nil, errors.Wrap(err, op, "insert render job")
	}

	s.log.FromContext(ctx).Info("render job created",
		"job_id", job.ID,
		"product_id", job.ProductID,
		"preset", string(job.Preset),
	)
	return job, nil
}

// Ensure creates the job, or adopts an existing pending record with the same
// ID. The bool reports whether a record was created.
func (s *Service) Ensure(ctx context.Context, p CreateParams) (*models.RenderJob, bool, error) {
	const op = "jobs.ensure"

	if p.ID != "" {
		job, err := s.store.Get(ctx, p.ID)
		switch {
		case err == nil:
			if job.Status != models.StatusPending {
				return nil, false, errors.InvalidState("render job already started").
					WithFields(map[string]any{"id": job.ID, "status": string(job.Status)})
			}
			return job, false, nil
		case !errors.IsNotFound(err):
			return nil, false, errors.Wrap(err, op, "load render job")
		}
	}

	job, err := s.Create(ctx, p)
	if errors.IsCode(err, errors.CodeAlreadyExists) {
		return s.Ensure(ctx, p)
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.RenderJob, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "jobs.get", "load render job")
	}
	return job, nil
}

// Transition moves the job to next, applying patch in the same write.
// Moving a job to the status it already has changes nothing.
func (s *Service) Transition(ctx context.Context, id string, next models.Status, patch *Patch) (*models.RenderJob, error) {
	const op = "jobs.transition"

	if !next.Valid() {
		return nil, errors.InvalidField("status", "unknown status").WithField("status", string(next))
	}

	var from models.Status
	job, err := s.mutate(ctx, op, id, func(job *models.RenderJob) (bool, error) {
		from = job.Status
		if job.Status == next {
			return false, nil
		}
		if !job.Status.CanTransition(next) {
			return false, errors.InvalidTransition(string(job.Status), string(next)).WithField("id", job.ID)
		}

		now := s.now()
		force := patch != nil && patch.ForceTimestamps
		job.Status = next
		if next == models.StatusCompositing && (job.StartedAt == nil || force) {
			job.StartedAt = &now
		}
		if next.IsTerminal() && (job.CompletedAt == nil || force) {
			job.CompletedAt = &now
		}
		if patch != nil {
			job.Artifacts.Merge(patch.Artifacts)
			if patch.ErrorMessage != nil {
				msg := truncate(*patch.ErrorMessage, MaxErrorMessageLength)
				job.ErrorMessage = &msg
			}
			if patch.Metadata != nil {
				job.Metadata.Merge(*patch.Metadata)
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if from != next {
		s.log.FromContext(ctx).Info("render job transitioned",
			"job_id", id,
			"from", string(from),
			"to", string(next),
		)
	}
	return job, nil
}

// RecordResults merges the non-nil artifact URLs into the job.
func (s *Service) RecordResults(ctx context.Context, id string, a models.Artifacts) (*models.RenderJob, error) {
	return s.mutate(ctx, "jobs.record_results", id, func(job *models.RenderJob) (bool, error) {
		if job.Status.IsTerminal() {
			return false, errors.InvalidState("render job is terminal").
				WithFields(map[string]any{"id": job.ID, "status": string(job.Status)})
		}
		job.Artifacts.Merge(a)
		return true, nil
	})
}

// RecordMetadata merges typed metadata into a job that is still running.
func (s *Service) RecordMetadata(ctx context.Context, id string, m models.JobMetadata) (*models.RenderJob, error) {
	return s.mutate(ctx, "jobs.record_metadata", id, func(job *models.RenderJob) (bool, error) {
		if job.Status.IsTerminal() {
			return false, errors.InvalidState("render job is terminal").
				WithFields(map[string]any{"id": job.ID, "status": string(job.Status)})
		}
		job.Metadata.Merge(m)
		return true, nil
	})
}

// MarkFailed moves the job to failed with message. A job that already failed
// keeps its original message.
func (s *Service) MarkFailed(ctx context.Context, id string, message string) (*models.RenderJob, error) {
	return s.Transition(ctx, id, models.StatusFailed, &Patch{ErrorMessage: &message})
}

// Retry creates a new pending job from a failed one. The new job records the
// source ID and a retry count one higher than the source's.
func (s *Service) Retry(ctx context.Context, id string) (*models.RenderJob, error) {
	const op = "jobs.retry"

	prev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, op, "load render job")
	}
	if prev.Status != models.StatusFailed {
		return nil, errors.InvalidState("only failed render jobs can be retried").
			WithFields(map[string]any{"id": prev.ID, "status": string(prev.Status)})
	}

	job, err := s.Create(ctx, CreateParams{
		ProductID:  prev.ProductID,
		VariantID:  prev.VariantID,
		Preset:     prev.Preset,
		TemplateID: prev.TemplateID,
		DesignURL:  prev.DesignURL,
		Metadata: models.JobMetadata{
			Retry: &models.RetryInfo{From: prev.ID, Count: prev.Metadata.RetryCount() + 1},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, op, "create retry job")
	}

	s.log.FromContext(ctx).Info("render job retried",
		"job_id", job.ID,
		"retry_of", prev.ID,
		"retry_count", job.Metadata.RetryCount(),
	)
	return job, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "jobs.delete", "delete render job")
	}
	s.log.FromContext(ctx).Info("render job deleted", "job_id", id)
	return nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]*models.RenderJob, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, errors.InvalidField("status", "unknown status").WithField("status", string(f.Status))
	}
	out, err := s.store.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "jobs.list", "list render jobs")
	}
	return out, nil
}

func (s *Service) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "jobs.count", "count render jobs")
	}
	return counts, nil
}

// mutate runs a read-modify-write cycle, retrying when another writer won the
// version race. fn returns false to leave the record untouched.
func (s *Service) mutate(ctx context.Context, op, id string, fn func(*models.RenderJob) (bool, error)) (*models.RenderJob, error) {
	for attempt := 1; ; attempt++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, op, "load render job")
		}

		changed, err := fn(job)
		if err != nil {
			return nil, err
		}
		if !changed {
			return job, nil
		}

		job.UpdatedAt = s.now()
		err = s.store.Update(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.IsCode(err, errors.CodeConflict) || attempt >= maxUpdateAttempts {
			return nil, errors.Wrap(err, op, "update render job")
		}
		s.log.FromContext(ctx).Debug("render job update conflict, retrying", "job_id", id, "attempt", attempt)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so a multi-byte character is not split.
	// Invalid bytes earlier in s are left alone.
	i := max
	for n := 1; n < utf8.UTFMax && i > 0 && !utf8.RuneStart(s[i]); n++ {
		i--
	}
	return s[:i]
}
