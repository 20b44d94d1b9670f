package repositories

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/sandbox"
)

const (
	TemplateImageName = "template.png"
	TemplateBlendName = "scene.blend"
)

// TemplateRepository resolves garment templates laid out on disk as
// <root>/<id>/template.png and <root>/<id>/scene.blend.
type TemplateRepository struct {
	root string
}

func NewTemplateRepository(root string) *TemplateRepository {
	return &TemplateRepository{root: filepath.Clean(root)}
}

func (r *TemplateRepository) Get(ctx context.Context, id string) (*models.Template, error) {
	if err := sandbox.ValidateJobID(id); err != nil {
		return nil, errors.InvalidField("template_id", "invalid template id").WithField("template_id", id)
	}

	dir := filepath.Join(r.root, id)
	t := &models.Template{
		ID:        id,
		ImagePath: filepath.Join(dir, TemplateImageName),
		BlendFile: filepath.Join(dir, TemplateBlendName),
	}
	for _, p := range []string{t.ImagePath, t.BlendFile} {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.NotFound("template", id)
			}
			return nil, errors.Wrap(err, "repositories.templates.get", "stat template file")
		}
	}
	return t, nil
}

// List returns every complete template under the root, sorted by ID.
func (r *TemplateRepository) List(ctx context.Context) ([]models.Template, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Template{}, nil
		}
		return nil, errors.Wrap(err, "repositories.templates.list", "read templates dir")
	}

	out := make([]models.Template, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := r.Get(ctx, e.Name())
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
