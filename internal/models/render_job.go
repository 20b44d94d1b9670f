package models

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a render job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompositing Status = "compositing"
	StatusRendering   Status = "rendering"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Statuses lists every status in pipeline order.
var Statuses = []Status{StatusPending, StatusCompositing, StatusRendering, StatusCompleted, StatusFailed}

var transitions = map[Status][]Status{
	StatusPending:     {StatusCompositing, StatusFailed},
	StatusCompositing: {StatusRendering, StatusFailed},
	StatusRendering:   {StatusCompleted, StatusFailed},
}

func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a job in s may move to next. Staying in the
// same state is always allowed and has no effect.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	return slices.Contains(transitions[s], next)
}

// Preset names a print placement.
type Preset string

const (
	PresetChestSmall  Preset = "chest-small"
	PresetChestMedium Preset = "chest-medium"
	PresetChestLarge  Preset = "chest-large"
	PresetBackSmall   Preset = "back-small"
	PresetBackMedium  Preset = "back-medium"
	PresetBackLarge   Preset = "back-large"
	PresetSleeveLeft  Preset = "sleeve-left"
	PresetSleeveRight Preset = "sleeve-right"
	PresetFullFront   Preset = "full-front"
)

var Presets = []Preset{
	PresetChestSmall, PresetChestMedium, PresetChestLarge,
	PresetBackSmall, PresetBackMedium, PresetBackLarge,
	PresetSleeveLeft, PresetSleeveRight, PresetFullFront,
}

func (p Preset) Valid() bool {
	return slices.Contains(Presets, p)
}

// RenderMode selects what the 3D renderer produces.
type RenderMode string

const (
	RenderModeAll           RenderMode = "all"
	RenderModeImagesOnly    RenderMode = "images-only"
	RenderModeAnimationOnly RenderMode = "animation-only"
)

func (m RenderMode) Valid() bool {
	return m == RenderModeAll || m == RenderModeImagesOnly || m == RenderModeAnimationOnly
}

// WantsImages reports whether still images are expected from this mode.
func (m RenderMode) WantsImages() bool {
	return m != RenderModeAnimationOnly
}

// WantsAnimation reports whether an animation is expected from this mode.
func (m RenderMode) WantsAnimation() bool {
	return m != RenderModeImagesOnly
}

// Artifacts holds the public URLs produced by the pipeline. Nil fields are
// left untouched when merged into a job.
type Artifacts struct {
	DesignURL        *string `json:"design_url,omitempty"`
	CompositedURL    *string `json:"composited_url,omitempty"`
	RenderedImageURL *string `json:"rendered_image_url,omitempty"`
	AnimationURL     *string `json:"animation_url,omitempty"`
}

// Merge copies every non-nil field of other into a.
func (a *Artifacts) Merge(other Artifacts) {
	if other.DesignURL != nil {
		a.DesignURL = other.DesignURL
	}
	if other.CompositedURL != nil {
		a.CompositedURL = other.CompositedURL
	}
	if other.RenderedImageURL != nil {
		a.RenderedImageURL = other.RenderedImageURL
	}
	if other.AnimationURL != nil {
		a.AnimationURL = other.AnimationURL
	}
}

// RetryInfo links a retried job to the job it replaces.
type RetryInfo struct {
	From  string `json:"from"`
	Count int    `json:"count"`
}

// ProducedMedia is a media record created in the catalog for a rendered image.
type ProducedMedia struct {
	MediaID string `json:"media_id"`
	URL     string `json:"url"`
	Angle   string `json:"angle,omitempty"`
}

// JobMetadata is the typed metadata stored with a job.
type JobMetadata struct {
	Retry          *RetryInfo           `json:"retry,omitempty"`
	ProducedMedia  []ProducedMedia      `json:"produced_media,omitempty"`
	RenderedImages []string             `json:"rendered_images,omitempty"`
	StageTimes     map[string]time.Time `json:"stage_times,omitempty"`
	MirroredKeys   []string             `json:"mirrored_keys,omitempty"`
	Attempt        int                  `json:"attempt,omitempty"`
}

// RetryCount returns how many retries preceded this job.
func (m JobMetadata) RetryCount() int {
	if m.Retry == nil {
		return 0
	}
	return m.Retry.Count
}

// Merge folds non-empty fields of other into m. Stage times are combined.
func (m *JobMetadata) Merge(other JobMetadata) {
	if other.Retry != nil {
		m.Retry = other.Retry
	}
	if other.ProducedMedia != nil {
		m.ProducedMedia = other.ProducedMedia
	}
	if other.RenderedImages != nil {
		m.RenderedImages = other.RenderedImages
	}
	if other.MirroredKeys != nil {
		m.MirroredKeys = other.MirroredKeys
	}
	if other.Attempt != 0 {
		m.Attempt = other.Attempt
	}
	for stage, at := range other.StageTimes {
		if m.StageTimes == nil {
			m.StageTimes = make(map[string]time.Time)
		}
		m.StageTimes[stage] = at
	}
}

// RenderJob is the persisted record of one design-to-render request.
type RenderJob struct {
	ID           string      `json:"id"`
	ProductID    string      `json:"product_id"`
	VariantID    *string     `json:"variant_id,omitempty"`
	Preset       Preset      `json:"preset"`
	TemplateID   *string     `json:"template_id,omitempty"`
	Status       Status      `json:"status"`
	Artifacts                // promoted so the JSON stays flat
	ErrorMessage *string     `json:"error_message,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Metadata     JobMetadata `json:"metadata"`
	Version      int         `json:"-"`
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (j *RenderJob) Clone() *RenderJob {
	if j == nil {
		return nil
	}
	c := *j
	c.VariantID = clonePtr(j.VariantID)
	c.TemplateID = clonePtr(j.TemplateID)
	c.DesignURL = clonePtr(j.DesignURL)
	c.CompositedURL = clonePtr(j.CompositedURL)
	c.RenderedImageURL = clonePtr(j.RenderedImageURL)
	c.AnimationURL = clonePtr(j.AnimationURL)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)

	if j.Metadata.Retry != nil {
		r := *j.Metadata.Retry
		c.Metadata.Retry = &r
	}
	c.Metadata.ProducedMedia = slices.Clone(j.Metadata.ProducedMedia)
	c.Metadata.RenderedImages = slices.Clone(j.Metadata.RenderedImages)
	c.Metadata.MirroredKeys = slices.Clone(j.Metadata.MirroredKeys)
	if j.Metadata.StageTimes != nil {
		c.Metadata.StageTimes = make(map[string]time.Time, len(j.Metadata.StageTimes))
		for k, v := range j.Metadata.StageTimes {
			c.Metadata.StageTimes[k] = v
		}
	}
	return &c
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
