package models

// Template is a garment template: the flat image the design is composited
// onto and the scene file used for the 3D render.
type Template struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`
	BlendFile string `json:"blend_file"`
}
