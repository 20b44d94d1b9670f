package processor

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"renderhub/internal/catalog"
	"renderhub/internal/files"
	"renderhub/internal/jobs"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/worker/heartbeat"
)

// OutputHandler stores rendered files permanently and attaches them to the
// product in the catalog.
type OutputHandler struct {
	jobs    JobService
	files   *files.Manager
	catalog catalog.Client
}

func NewOutputHandler(js JobService, fm *files.Manager, cat catalog.Client) *OutputHandler {
	return &OutputHandler{jobs: js, files: fm, catalog: cat}
}

// Store copies every image and the animation into permanent storage. A
// single image is stored as rendered.png, several as rendered-<angle>.png.
func (oh *OutputHandler) Store(ctx context.Context, r *run) error {
	const op = "processor.store"

	urls := make([]string, 0, len(r.images))
	for _, img := range r.images {
		angle := ""
		if len(r.images) > 1 {
			angle = angleOf(img)
		}
		stored, err := oh.files.StoreOutput(ctx, r.spec.ProductID, r.job.ID, img, files.OutputRendered, angle)
		if err != nil {
			return err
		}
		r.keep(stored)
		r.stored = append(r.stored, storedImage{angle: angle, file: stored})
		urls = append(urls, stored.URL)
		heartbeat.Beat(ctx)
	}

	artifacts := models.Artifacts{}
	if len(urls) > 0 {
		artifacts.RenderedImageURL = &urls[0]
	}
	if r.animation != "" {
		stored, err := oh.files.StoreOutput(ctx, r.spec.ProductID, r.job.ID, r.animation, files.OutputAnimation, "")
		if err != nil {
			return err
		}
		r.keep(stored)
		r.animationFile = &stored
		artifacts.AnimationURL = &stored.URL
	}

	if _, err := oh.jobs.RecordResults(ctx, r.job.ID, artifacts); err != nil {
		return errors.Wrap(err, op, "record rendered urls")
	}
	if _, err := oh.jobs.RecordMetadata(ctx, r.job.ID, models.JobMetadata{RenderedImages: urls}); err != nil {
		return errors.Wrap(err, op, "record rendered images")
	}
	return nil
}

// Associate attaches every stored image to the product, makes the first one
// the thumbnail and completes the job.
func (oh *OutputHandler) Associate(ctx context.Context, r *run) error {
	const op = "processor.associate"

	media := make([]models.ProducedMedia, 0, len(r.stored))
	for _, img := range r.stored {
		meta := map[string]any{
			"source": "render",
			"job_id": r.job.ID,
			"preset": r.spec.Preset,
		}
		if img.angle != "" {
			meta["angle"] = img.angle
		}
		if r.spec.VariantID != "" {
			meta["variant_id"] = r.spec.VariantID
		}

		id, err := oh.catalog.AttachMedia(ctx, r.spec.ProductID, img.file.URL, meta)
		if err != nil {
			return errors.Wrap(err, op, "attach media")
		}
		media = append(media, models.ProducedMedia{MediaID: id, URL: img.file.URL, Angle: img.angle})
		heartbeat.Beat(ctx)
	}

	if len(media) > 0 {
		if err := oh.catalog.SetThumbnail(ctx, r.spec.ProductID, media[0].URL); err != nil {
			return errors.Wrap(err, op, "set thumbnail")
		}
	}
	r.media = media

	r.times[StageAssociate] = r.now().UTC()
	_, err := oh.jobs.Transition(ctx, r.job.ID, models.StatusCompleted, &jobs.Patch{
		Metadata: &models.JobMetadata{
			ProducedMedia: media,
			StageTimes:    map[string]time.Time{StageAssociate: r.times[StageAssociate]},
			MirroredKeys:  r.mirrored,
		},
	})
	if err != nil {
		return err
	}

	oh.files.CleanupTemp(ctx, r.job.ID)
	return nil
}

// angleOf names an image by its file name, e.g. /out/front.png is "front".
func angleOf(p string) string {
	return strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
}
