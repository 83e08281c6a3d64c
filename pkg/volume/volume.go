// Package volume holds the ground-truth volumes that patches are sampled
// from: co-registered image/label stacks loaded once at dataset construction
// and treated as read-only afterwards.
package volume

import (
	"fmt"

	"golang.org/x/exp/rand"

	"empatch/pkg/patch"
)

// SizeError reports a requested patch size that exceeds a volume's extent on
// some axis. It is raised on the first sampling attempt from that volume and
// is not recoverable without reconfiguring the patch size or excluding the
// volume.
type SizeError struct {
	Requested [3]int
	Extent    [3]int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("requested patch size %v exceeds volume extent %v", e.Requested, e.Extent)
}

// Volume is one co-registered (image, label) pair. Image intensities are
// normalized into [0, 1]; labels are integer segment identifiers. Both
// buffers are flat in z-major order over the shared spatial extent and are
// immutable for sampling purposes.
type Volume struct {
	Image []float64
	Label []uint64

	dims [3]int // (z, y, x)
}

// NewVolume wraps the given buffers as a volume with spatial extent
// dims (z, y, x). Both buffers must cover the extent exactly.
func NewVolume(image []float64, label []uint64, dims [3]int) (*Volume, error) {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, fmt.Errorf("volume extent %v must be positive on every axis", dims)
	}
	n := dims[0] * dims[1] * dims[2]
	if len(image) != n {
		return nil, fmt.Errorf("image buffer has %d voxels, extent %v needs %d", len(image), dims, n)
	}
	if len(label) != n {
		return nil, fmt.Errorf("label buffer has %d voxels, extent %v needs %d", len(label), dims, n)
	}
	return &Volume{Image: image, Label: label, dims: dims}, nil
}

// Dims returns the spatial extent (z, y, x).
func (v *Volume) Dims() [3]int { return v.dims }

func (v *Volume) index(z, y, x int) int {
	return (z*v.dims[1]+y)*v.dims[2] + x
}

// GroundTruthVolume pairs a volume with the oversized patch size configured
// for it (the target size plus the pipeline's total shrink). It is
// constructed once at dataset load time and only read from after that.
type GroundTruthVolume struct {
	vol       *Volume
	patchSize [3]int
}

// NewGroundTruthVolume creates a sampling view over vol that draws patches
// of the given pre-transform size.
func NewGroundTruthVolume(vol *Volume, patchSize [3]int) *GroundTruthVolume {
	return &GroundTruthVolume{vol: vol, patchSize: patchSize}
}

// PatchSize returns the configured oversized patch size.
func (g *GroundTruthVolume) PatchSize() [3]int { return g.patchSize }

// Dims returns the extent of the underlying volume.
func (g *GroundTruthVolume) Dims() [3]int { return g.vol.Dims() }

// randomCorner draws a uniformly random valid top-left corner for a patch of
// the configured size. Every valid corner is equally likely.
func (g *GroundTruthVolume) randomCorner(rng *rand.Rand) ([3]int, error) {
	var corner [3]int
	for a := 0; a < 3; a++ {
		slack := g.vol.dims[a] - g.patchSize[a]
		if slack < 0 || g.patchSize[a] <= 0 {
			return corner, &SizeError{Requested: g.patchSize, Extent: g.vol.dims}
		}
		corner[a] = rng.Intn(slack + 1)
	}
	return corner, nil
}

// RandomPatch slices a patch of exactly the configured oversized size from a
// uniformly random valid offset. The returned patch owns independent copies
// of the data, so pipeline mutations never touch the source volume.
func (g *GroundTruthVolume) RandomPatch(rng *rand.Rand) (*patch.Patch, error) {
	corner, err := g.randomCorner(rng)
	if err != nil {
		return nil, err
	}

	size := g.patchSize
	image := make([]float64, size[0]*size[1]*size[2])
	label := make([]uint64, len(image))
	for z := 0; z < size[0]; z++ {
		for y := 0; y < size[1]; y++ {
			srcBase := g.vol.index(corner[0]+z, corner[1]+y, corner[2])
			dstBase := (z*size[1] + y) * size[2]
			copy(image[dstBase:dstBase+size[2]], g.vol.Image[srcBase:srcBase+size[2]])
			copy(label[dstBase:dstBase+size[2]], g.vol.Label[srcBase:srcBase+size[2]])
		}
	}

	return patch.New(image, label, size)
}
