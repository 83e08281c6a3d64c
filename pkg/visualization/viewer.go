// Package visualization exports sampled patches as image files so that
// augmentation behavior can be inspected by eye.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"empatch/pkg/patch"
)

// PatchViewer renders the z-slices of one sampled patch.
type PatchViewer struct {
	p *patch.Patch
}

// NewPatchViewer creates a viewer over the given patch.
func NewPatchViewer(p *patch.Patch) *PatchViewer {
	return &PatchViewer{p: p}
}

// ImageSlice renders one z-slice of the intensity data as a grayscale image.
func (v *PatchViewer) ImageSlice(z int) (image.Image, error) {
	dims := v.p.SpatialShape()
	if z < 0 || z >= dims[0] {
		return nil, fmt.Errorf("slice %d outside depth %d", z, dims[0])
	}

	img := image.NewGray16(image.Rect(0, 0, dims[2], dims[1]))
	for y := 0; y < dims[1]; y++ {
		for x := 0; x < dims[2]; x++ {
			value := v.p.Image[v.p.Index(z, y, x)]
			if value < 0 {
				value = 0
			}
			if value > 1 {
				value = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(value * 65535)})
		}
	}
	return img, nil
}

// LabelSlice renders one z-slice of the segment identifiers, mapping each
// identifier to a stable pseudo-random color so neighboring segments are
// distinguishable. Identifier zero (background) renders black.
func (v *PatchViewer) LabelSlice(z int) (image.Image, error) {
	dims := v.p.SpatialShape()
	if z < 0 || z >= dims[0] {
		return nil, fmt.Errorf("slice %d outside depth %d", z, dims[0])
	}

	img := image.NewNRGBA(image.Rect(0, 0, dims[2], dims[1]))
	for y := 0; y < dims[1]; y++ {
		for x := 0; x < dims[2]; x++ {
			img.SetNRGBA(x, y, labelColor(v.p.Label[v.p.Index(z, y, x)]))
		}
	}
	return img, nil
}

// labelColor hashes a segment identifier to a color.
func labelColor(id uint64) color.NRGBA {
	if id == 0 {
		return color.NRGBA{A: 255}
	}
	h := id * 0x9e3779b97f4a7c15
	return color.NRGBA{
		R: uint8(h>>40) | 0x40,
		G: uint8(h>>24) | 0x40,
		B: uint8(h>>8) | 0x40,
		A: 255,
	}
}

// SaveSliceSequence writes every z-slice of the patch into outputDir as PNG
// files, image_z000.png alongside label_z000.png.
func (v *PatchViewer) SaveSliceSequence(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	depth := v.p.SpatialShape()[0]
	for z := 0; z < depth; z++ {
		img, err := v.ImageSlice(z)
		if err != nil {
			return err
		}
		if err := imaging.Save(img, filepath.Join(outputDir, fmt.Sprintf("image_z%03d.png", z))); err != nil {
			return fmt.Errorf("saving image slice %d: %w", z, err)
		}

		lab, err := v.LabelSlice(z)
		if err != nil {
			return err
		}
		if err := imaging.Save(lab, filepath.Join(outputDir, fmt.Sprintf("label_z%03d.png", z))); err != nil {
			return fmt.Errorf("saving label slice %d: %w", z, err)
		}
	}
	return nil
}
