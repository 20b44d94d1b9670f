// Package v0 is the command-line contract between the worker and the
// composite and render scripts: the flags each script accepts and the lines
// the render script prints on stdout for every file it produces.
package v0

// Composite script flags.
const (
	FlagTemplate    = "--template"
	FlagDesign      = "--design"
	FlagPreset      = "--preset"
	FlagOutput      = "--output"
	FlagFabricColor = "--fabric-color"
)

// Render script flags, passed after Blender's "--" separator.
const (
	FlagTexture         = "--texture"
	FlagOutputDir       = "--output-dir"
	FlagSamples         = "--samples"
	FlagMode            = "--mode"
	FlagBackgroundColor = "--background-color"
)

// Stdout markers. Each is followed by a single space and an absolute path.
const (
	MarkerImage     = "IMAGE_PRODUCED:"
	MarkerAnimation = "ANIMATION_PRODUCED:"
)
