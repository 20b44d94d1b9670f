package repositories

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderhub/internal/jobs"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
)

const renderJobColumns = `
	id, product_id, variant_id, preset, template_id, status,
	design_url, composited_url, rendered_image_url, animation_url,
	error_message, started_at, completed_at, created_at, updated_at,
	metadata, version`

// RenderJobRepository is the PostgreSQL jobs.Store.
type RenderJobRepository struct {
	db *pgxpool.Pool
}

var _ jobs.Store = (*RenderJobRepository)(nil)

func NewRenderJobRepository(db *pgxpool.Pool) *RenderJobRepository {
	return &RenderJobRepository{db: db}
}

func (r *RenderJobRepository) Insert(ctx context.Context, job *models.RenderJob) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return errors.Wrap(err, "repositories.render_jobs.insert", "marshal metadata")
	}

	job.Version = 1
	_, err = r.db.Exec(ctx, `
		INSERT INTO render_jobs (`+renderJobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		job.ID, job.ProductID, nullString(job.VariantID), string(job.Preset), nullString(job.TemplateID),
		string(job.Status),
		nullString(job.DesignURL), nullString(job.CompositedURL),
		nullString(job.RenderedImageURL), nullString(job.AnimationURL),
		nullString(job.ErrorMessage), job.StartedAt, job.CompletedAt, job.CreatedAt, job.UpdatedAt,
		meta, job.Version,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return errors.AlreadyExists("render job", job.ID)
		}
		return errors.Wrap(err, "repositories.render_jobs.insert", "insert render job")
	}
	return nil
}

func (r *RenderJobRepository) Get(ctx context.Context, id string) (*models.RenderJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+renderJobColumns+` FROM render_jobs WHERE id = $1`, id)
	job, err := scanRenderJob(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("render job", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "repositories.render_jobs.get", "select render job")
	}
	return job, nil
}

func (r *RenderJobRepository) Update(ctx context.Context, job *models.RenderJob) error {
	const op = "repositories.render_jobs.update"

	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return errors.Wrap(err, op, "marshal metadata")
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE render_jobs SET
			status = $2,
			design_url = $3,
			composited_url = $4,
			rendered_image_url = $5,
			animation_url = $6,
			error_message = $7,
			started_at = $8,
			completed_at = $9,
			updated_at = $10,
			metadata = $11,
			version = version + 1
		WHERE id = $1 AND version = $12
	`,
		job.ID, string(job.Status),
		nullString(job.DesignURL), nullString(job.CompositedURL),
		nullString(job.RenderedImageURL), nullString(job.AnimationURL),
		nullString(job.ErrorMessage), job.StartedAt, job.CompletedAt, job.UpdatedAt,
		meta, job.Version,
	)
	if err != nil {
		return errors.Wrap(err, op, "update render job")
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM render_jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return errors.Wrap(err, op, "check render job")
		}
		if !exists {
			return errors.NotFound("render job", job.ID)
		}
		return errors.Conflict("render job was modified concurrently").WithField("id", job.ID)
	}

	job.Version++
	return nil
}

func (r *RenderJobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM render_jobs WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "repositories.render_jobs.delete", "delete render job")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("render job", id)
	}
	return nil
}

func (r *RenderJobRepository) List(ctx context.Context, f jobs.Filter) ([]*models.RenderJob, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = jobs.DefaultListLimit
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+renderJobColumns+`
		FROM render_jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR product_id = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`, string(f.Status), f.ProductID, limit, f.Offset)
	if err != nil {
		return nil, queryError(err, "repositories.render_jobs.list", "list render jobs")
	}
	defer rows.Close()

	out := make([]*models.RenderJob, 0)
	for rows.Next() {
		job, err := scanRenderJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "repositories.render_jobs.list", "scan render job")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *RenderJobRepository) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM render_jobs GROUP BY status`)
	if err != nil {
		return nil, queryError(err, "repositories.render_jobs.count", "count render jobs")
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "repositories.render_jobs.count", "scan count")
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

// queryError reports a missing schema as unavailable rather than internal.
func queryError(err error, op, message string) *errors.Error {
	if IsUndefinedTable(err) {
		return errors.WrapWithCode(err, errors.CodeUnavailable, op, "render_jobs table missing, migrations not applied")
	}
	return errors.Wrap(err, op, message)
}

func scanRenderJob(row pgx.Row) (*models.RenderJob, error) {
	var (
		job    models.RenderJob
		preset string
		status string
		meta   []byte
	)
	err := row.Scan(
		&job.ID, &job.ProductID, &job.VariantID, &preset, &job.TemplateID, &status,
		&job.DesignURL, &job.CompositedURL, &job.RenderedImageURL, &job.AnimationURL,
		&job.ErrorMessage, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt,
		&meta, &job.Version,
	)
	if err != nil {
		return nil, err
	}

	job.Preset = models.Preset(preset)
	job.Status = models.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &job.Metadata); err != nil {
			return nil, err
		}
	}
	return &job, nil
}
