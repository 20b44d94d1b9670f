package renderer

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	contracts "renderhub/internal/contracts/renderer/v0"
	"renderhub/internal/models"
	"renderhub/internal/pkg/errors"
	"renderhub/internal/sandbox"
)

const (
	MinSamples = 1
	MaxSamples = 4096
)

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// NamedColors are the color names the scripts understand besides #RRGGBB.
var NamedColors = []string{
	"white", "black", "gray", "grey", "red", "green", "blue", "navy",
	"yellow", "orange", "purple", "pink", "brown", "beige", "maroon", "olive",
}

// ColorTransparent is accepted as a background color only.
const ColorTransparent = "transparent"

type CompositeRequest struct {
	TemplatePath string
	DesignPath   string
	Preset       models.Preset
	OutputPath   string
	FabricColor  string
}

type Colors struct {
	Fabric     string
	Background string
}

type RenderRequest struct {
	BlendFile   string
	TexturePath string
	OutputDir   string
	// Samples zero selects the configured default.
	Samples int
	// Mode empty selects models.RenderModeAll.
	Mode   models.RenderMode
	Colors Colors
}

// ValidateColor checks a fabric or background color.
func ValidateColor(field, color string, allowTransparent bool) error {
	if color == "" || hexColor.MatchString(color) {
		return nil
	}
	c := strings.ToLower(color)
	if slices.Contains(NamedColors, c) || (allowTransparent && c == ColorTransparent) {
		return nil
	}
	return errors.InvalidField(field, "unsupported color").WithField("color", color)
}

// Composite projects the design onto the template for the given preset.
func (e *Executor) Composite(ctx context.Context, req CompositeRequest) (*Result, error) {
	if err := sandbox.ValidateExecPath(e.cfg.CompositeScript, sandbox.RoleScript); err != nil {
		return nil, errors.Wrap(err, "renderer.composite", "invalid composite script")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := requireFile(req.TemplatePath, "template"); err != nil {
		return nil, err
	}
	if err := requireFile(req.DesignPath, "design"); err != nil {
		return nil, err
	}
	if err := requireDir(filepath.Dir(req.OutputPath), "output directory"); err != nil {
		return nil, err
	}

	args := []string{
		e.cfg.CompositeScript,
		contracts.FlagTemplate, req.TemplatePath,
		contracts.FlagDesign, req.DesignPath,
		contracts.FlagPreset, string(req.Preset),
		contracts.FlagOutput, req.OutputPath,
	}
	if req.FabricColor != "" {
		args = append(args, contracts.FlagFabricColor, req.FabricColor)
	}

	res, err := e.run(ctx, ToolComposite, e.cfg.Interpreter, args, newCapture(nil), newCapture(nil))
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}

	if st, err := os.Stat(req.OutputPath); err != nil || st.IsDir() {
		res.Success = false
		res.Error = "output not created"
		return res, nil
	}
	res.OutputPath = req.OutputPath
	return res, nil
}

// Render produces the per-angle images and optional animation from the
// composited texture. Produced files are read from the script's stdout
// markers; anything reported outside OutputDir is ignored.
func (e *Executor) Render(ctx context.Context, req RenderRequest) (*Result, error) {
	if req.Samples == 0 {
		req.Samples = e.cfg.DefaultSamples
	}
	if req.Mode == "" {
		req.Mode = models.RenderModeAll
	}
	if err := sandbox.ValidateExecPath(e.cfg.RenderScript, sandbox.RoleScript); err != nil {
		return nil, errors.Wrap(err, "renderer.render", "invalid render script")
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := requireFile(req.BlendFile, "blend file"); err != nil {
		return nil, err
	}
	if err := requireFile(req.TexturePath, "texture"); err != nil {
		return nil, err
	}
	if err := requireDir(req.OutputDir, "output directory"); err != nil {
		return nil, err
	}

	args := []string{
		"-b", req.BlendFile,
		"--python", e.cfg.RenderScript,
		"--",
		contracts.FlagTexture, req.TexturePath,
		contracts.FlagOutputDir, req.OutputDir,
		contracts.FlagSamples, strconv.Itoa(req.Samples),
		contracts.FlagMode, string(req.Mode),
	}
	if req.Colors.Fabric != "" {
		args = append(args, contracts.FlagFabricColor, req.Colors.Fabric)
	}
	if req.Colors.Background != "" {
		args = append(args, contracts.FlagBackgroundColor, req.Colors.Background)
	}

	var images []string
	var animation string
	stdout := newCapture(func(line string) {
		if p, ok := markerPath(line, contracts.MarkerImage); ok {
			if e.produced(ctx, req.OutputDir, p) && !slices.Contains(images, p) {
				images = append(images, p)
			}
			return
		}
		if p, ok := markerPath(line, contracts.MarkerAnimation); ok && req.Mode.WantsAnimation() {
			if e.produced(ctx, req.OutputDir, p) {
				animation = p
			}
		}
	})

	res, err := e.run(ctx, ToolRender, e.cfg.Blender, args, stdout, newCapture(nil))
	if err != nil {
		return nil, err
	}
	// Markers are only trusted once the files they name are regular files
	// inside OutputDir after symlinks are resolved.
	for _, img := range images {
		if e.resolved(ctx, req.OutputDir, img) {
			res.Images = append(res.Images, img)
		}
	}
	if animation != "" && e.resolved(ctx, req.OutputDir, animation) {
		res.Animation = animation
	}
	return res, nil
}

func (e *Executor) resolved(ctx context.Context, outputDir, p string) bool {
	if _, err := sandbox.ResolveFile(outputDir, p); err != nil {
		e.log.FromContext(ctx).Warn("ignoring reported output", "path", p, "error", err.Error())
		return false
	}
	return true
}

// produced reports whether a marker path names a file the render may keep.
func (e *Executor) produced(ctx context.Context, outputDir, p string) bool {
	if !filepath.IsAbs(p) || filepath.Clean(p) != p || !sandbox.Within(outputDir, p) || p == outputDir {
		e.log.FromContext(ctx).Warn("ignoring output outside the output directory", "path", p)
		return false
	}
	return true
}

func markerPath(line, marker string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), marker)
	if !ok {
		return "", false
	}
	p := strings.TrimSpace(rest)
	return p, p != ""
}

func (r CompositeRequest) validate() error {
	if err := sandbox.ValidateExecPath(r.TemplatePath, sandbox.RoleImage); err != nil {
		return errors.Wrap(err, "renderer.composite", "invalid template path")
	}
	if err := sandbox.ValidateExecPath(r.DesignPath, sandbox.RoleImage); err != nil {
		return errors.Wrap(err, "renderer.composite", "invalid design path")
	}
	if err := sandbox.ValidateExecPath(r.OutputPath, sandbox.RoleImage); err != nil {
		return errors.Wrap(err, "renderer.composite", "invalid output path")
	}
	if !r.Preset.Valid() {
		return errors.InvalidField("preset", "unknown preset").WithField("preset", string(r.Preset))
	}
	return ValidateColor("fabric_color", r.FabricColor, false)
}

func (r RenderRequest) validate() error {
	if err := sandbox.ValidateExecPath(r.BlendFile, sandbox.RoleProject); err != nil {
		return errors.Wrap(err, "renderer.render", "invalid blend file path")
	}
	if err := sandbox.ValidateExecPath(r.TexturePath, sandbox.RoleImage); err != nil {
		return errors.Wrap(err, "renderer.render", "invalid texture path")
	}
	if err := sandbox.ValidateExecPath(r.OutputDir, sandbox.RoleOutputDir); err != nil {
		return errors.Wrap(err, "renderer.render", "invalid output directory")
	}
	if r.Samples < MinSamples || r.Samples > MaxSamples {
		return errors.InvalidField("samples", "samples must be between 1 and 4096").WithField("samples", r.Samples)
	}
	if !r.Mode.Valid() {
		return errors.InvalidField("render_mode", "unknown render mode").WithField("render_mode", string(r.Mode))
	}
	if err := ValidateColor("fabric_color", r.Colors.Fabric, false); err != nil {
		return err
	}
	return ValidateColor("background_color", r.Colors.Background, true)
}

func requireFile(p, what string) error {
	st, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound(what, p)
		}
		return errors.Wrap(err, "renderer.stat", "cannot access "+what)
	}
	if st.IsDir() {
		return errors.InvalidInput(what + " is a directory").WithField("path", p)
	}
	return nil
}

func requireDir(p, what string) error {
	st, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound(what, p)
		}
		return errors.Wrap(err, "renderer.stat", "cannot access "+what)
	}
	if !st.IsDir() {
		return errors.InvalidInput(what + " is not a directory").WithField("path", p)
	}
	return nil
}
