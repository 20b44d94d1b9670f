package queue

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"renderhub/internal/pkg/errors"
)

// JobSpec is everything a worker needs to run one render pipeline.
// Either Design (with DesignMIME) or DesignURL must be set.
type JobSpec struct {
	JobID     string `json:"job_id" validate:"omitempty,max=128"`
	ProductID string `json:"product_id" validate:"required,max=128"`
	VariantID string `json:"variant_id,omitempty" validate:"omitempty,max=128"`

	Design         []byte `json:"design,omitempty" validate:"required_without=DesignURL"`
	DesignFilename string `json:"design_filename,omitempty" validate:"omitempty,max=255"`
	DesignMIME     string `json:"design_mime,omitempty" validate:"required_with=Design"`
	DesignURL      string `json:"design_url,omitempty" validate:"omitempty,uri"`

	Preset       string `json:"preset" validate:"required,oneof=chest-small chest-medium chest-large back-small back-medium back-large sleeve-left sleeve-right full-front"`
	TemplateID   string `json:"template_id,omitempty" validate:"omitempty,max=128"`
	TemplatePath string `json:"template_path" validate:"required"`
	BlendFile    string `json:"blend_file" validate:"required"`

	FabricColor     string `json:"fabric_color,omitempty" validate:"omitempty,max=32"`
	BackgroundColor string `json:"background_color,omitempty" validate:"omitempty,max=32"`
	RenderMode      string `json:"render_mode,omitempty" validate:"omitempty,oneof=all images-only animation-only"`
	Samples         int    `json:"samples,omitempty" validate:"omitempty,min=1,max=4096"`

	// Attempt is set by the queue for each run and is not part of the payload.
	Attempt int `json:"-"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks the shape of the spec. Paths, colors and design bytes are
// checked again by the components that use them.
func (s JobSpec) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return errors.Wrap(err, "queue.validate_spec", "invalid job spec")
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return errors.InvalidField(verrs[0].Field(), "invalid job spec: "+strings.Join(fields, ", "))
}
