package processor

import (
	"context"
	"strings"

	"renderhub/internal/files"
	"renderhub/internal/pkg/errors"
)

// Cleanup holds the compensations run when a stage fails.
type Cleanup struct {
	jobs  JobService
	files *files.Manager
}

func NewCleanup(js JobService, fm *files.Manager) *Cleanup {
	return &Cleanup{jobs: js, files: fm}
}

// DeleteRecord removes a record this run created. An adopted record is marked
// failed instead so its retry lineage survives.
func (c *Cleanup) DeleteRecord(ctx context.Context, r *run, cause error) error {
	if r.job == nil {
		return nil
	}
	if !r.created {
		_, err := c.jobs.MarkFailed(ctx, r.job.ID, "job setup failed: "+Describe(cause))
		return err
	}
	if err := c.jobs.Delete(ctx, r.job.ID); err != nil && !errors.IsNotFound(err) {
		return err
	}
	r.log.Info("job record removed")
	return nil
}

// RemoveFiles deletes the job's uploads and scratch files.
func (c *Cleanup) RemoveFiles(ctx context.Context, r *run, _ error) error {
	if r.job == nil {
		return nil
	}
	c.files.Cleanup(ctx, r.job.ID)
	return nil
}

// MarkFailed returns a compensation that fails the job with prefix and the
// cause's message, then drops its scratch files. Stored artifacts and the
// upload stay. A job that already failed keeps its first message.
func (c *Cleanup) MarkFailed(prefix string) func(context.Context, *run, error) error {
	return func(ctx context.Context, r *run, cause error) error {
		_, err := c.jobs.MarkFailed(ctx, r.job.ID, prefix+": "+Describe(cause))
		c.files.CleanupTemp(ctx, r.job.ID)
		if errors.IsCode(err, errors.CodeInvalidTransition) {
			// Completed jobs are not rolled back.
			return nil
		}
		return err
	}
}

// Describe renders err for storage on a job: the messages of the chain
// without operation names or codes.
func Describe(err error) string {
	var parts []string
	for err != nil {
		e, ok := err.(*errors.Error)
		if !ok {
			parts = append(parts, err.Error())
			break
		}
		if e.Message != "" {
			parts = append(parts, e.Message)
		}
		err = e.Err
	}
	return strings.Join(parts, ": ")
}
