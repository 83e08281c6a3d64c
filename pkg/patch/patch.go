// Package patch provides the mutable image/label unit that flows through the
// augmentation pipeline, together with the delayed-shrink bookkeeping that
// lets transforms reserve border margin now and have it cropped exactly once
// at the end of the pipeline.
package patch

import (
	"fmt"
)

// Shrink describes how many voxels are consumed from each face of a patch,
// ordered (z-low, y-low, x-low, z-high, y-high, x-high). Shrink amounts of
// independent transforms are additive per face.
type Shrink [6]int

// Add returns the elementwise sum of two shrink vectors.
func (s Shrink) Add(o Shrink) Shrink {
	for i := range s {
		s[i] += o[i]
	}
	return s
}

// Low returns the low-side margin for the given spatial axis (0=z, 1=y, 2=x).
func (s Shrink) Low(axis int) int { return s[axis] }

// High returns the high-side margin for the given spatial axis.
func (s Shrink) High(axis int) int { return s[3+axis] }

// Total returns the combined low+high margin for the given spatial axis.
func (s Shrink) Total(axis int) int { return s[axis] + s[3+axis] }

// IsZero reports whether no margin is reserved on any face.
func (s Shrink) IsZero() bool {
	return s == Shrink{}
}

// MaxShrink returns the elementwise maximum of two shrink vectors. It is the
// reservation needed to cover whichever of two mutually exclusive transforms
// fires on a call.
func MaxShrink(a, b Shrink) Shrink {
	for i := range a {
		if b[i] > a[i] {
			a[i] = b[i]
		}
	}
	return a
}

// ShapeError reports a patch whose spatial shape is incompatible with the
// operation being applied to it. It indicates a misconfigured patch size or
// shrink accounting mismatch and is never retried.
type ShapeError struct {
	// Op names the operation that rejected the patch.
	Op string

	// Shape is the spatial shape the patch had at the time.
	Shape [3]int

	// Msg describes the incompatibility.
	Msg string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: incompatible patch shape %v: %s", e.Op, e.Shape, e.Msg)
}

// PostconditionError reports a final cropped patch whose spatial shape does
// not match the requested size. It signals a shrink-accounting bug and must
// surface to the caller rather than be tolerated.
type PostconditionError struct {
	Got  [3]int
	Want [3]int
}

func (e *PostconditionError) Error() string {
	return fmt.Sprintf("cropped patch shape %v does not match requested size %v", e.Got, e.Want)
}

// Patch is one sampled training or validation example: co-registered image
// and label buffers plus the shrink margin still pending removal. The
// buffers are owned exclusively by the patch; transforms mutate them in
// place and must not retain references after returning.
//
// Spatial data is stored flat in z-major order. The logical shape carries a
// leading batch and channel axis, so Shape reports (1, 1, z, y, x).
type Patch struct {
	// Image holds intensities, normalized into [0, 1].
	Image []float64

	// Label holds integer segment identifiers, co-registered with Image.
	Label []uint64

	dims    [3]int // spatial extent (z, y, x)
	pending Shrink
}

// New creates a patch over the given buffers with spatial dimensions
// dims (z, y, x). Both buffers must match the spatial volume exactly.
func New(image []float64, label []uint64, dims [3]int) (*Patch, error) {
	n := dims[0] * dims[1] * dims[2]
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return nil, &ShapeError{Op: "patch.New", Shape: dims, Msg: "spatial dimensions must be positive"}
	}
	if len(image) != n {
		return nil, &ShapeError{Op: "patch.New", Shape: dims,
			Msg: fmt.Sprintf("image buffer has %d voxels, want %d", len(image), n)}
	}
	if len(label) != n {
		return nil, &ShapeError{Op: "patch.New", Shape: dims,
			Msg: fmt.Sprintf("label buffer has %d voxels, want %d", len(label), n)}
	}
	return &Patch{Image: image, Label: label, dims: dims}, nil
}

// SpatialShape returns the current spatial extent (z, y, x).
func (p *Patch) SpatialShape() [3]int { return p.dims }

// Shape returns the full logical shape (batch, channel, z, y, x).
func (p *Patch) Shape() [5]int {
	return [5]int{1, 1, p.dims[0], p.dims[1], p.dims[2]}
}

// NumVoxels returns the number of spatial voxels currently held.
func (p *Patch) NumVoxels() int { return p.dims[0] * p.dims[1] * p.dims[2] }

// Index converts spatial coordinates to a flat buffer index.
func (p *Patch) Index(z, y, x int) int {
	return (z*p.dims[1]+y)*p.dims[2] + x
}

// Pending returns the shrink margin accumulated so far and not yet cropped.
func (p *Patch) Pending() Shrink { return p.pending }

// AddPendingShrink records margin a transform has consumed. The margin is
// removed later, by a single ApplyDelayedShrink call, so that transforms
// further down the chain still see the uncropped border region. Margins must
// be non-negative; a negative face fails with a ShapeError before it can
// reach the crop.
func (p *Patch) AddPendingShrink(s Shrink) error {
	for face, v := range s {
		if v < 0 {
			return &ShapeError{Op: "patch.AddPendingShrink", Shape: p.dims,
				Msg: fmt.Sprintf("margin %v is negative on face %d", s, face)}
		}
	}
	p.pending = p.pending.Add(s)
	return nil
}

// SwapPendingAxes exchanges the pending low and high margins of two spatial
// axes. Transforms that permute axes call it so recorded margins stay
// attached to the faces they were declared for.
func (p *Patch) SwapPendingAxes(a, b int) {
	p.pending[a], p.pending[b] = p.pending[b], p.pending[a]
	p.pending[3+a], p.pending[3+b] = p.pending[3+b], p.pending[3+a]
}

// Reshape replaces both buffers and the spatial dimensions together. It is
// used by geometric transforms that rebuild the patch (for example axis
// transposition). Pending shrink is preserved.
func (p *Patch) Reshape(image []float64, label []uint64, dims [3]int) error {
	n := dims[0] * dims[1] * dims[2]
	if len(image) != n || len(label) != n {
		return &ShapeError{Op: "patch.Reshape", Shape: dims,
			Msg: fmt.Sprintf("buffers of %d/%d voxels do not match %d", len(image), len(label), n)}
	}
	p.Image = image
	p.Label = label
	p.dims = dims
	return nil
}

// ApplyDelayedShrink crops the image and label buffers per face according to
// the accumulated pending margin and resets the pending vector to zero.
// Calling it again on an already-cropped patch is a no-op. It fails with a
// ShapeError if the pending margin leaves no voxels on some axis.
func (p *Patch) ApplyDelayedShrink() error {
	if p.pending.IsZero() {
		return nil
	}

	var newDims [3]int
	for a := 0; a < 3; a++ {
		if p.pending.Low(a) < 0 || p.pending.High(a) < 0 {
			return &ShapeError{Op: "patch.ApplyDelayedShrink", Shape: p.dims,
				Msg: fmt.Sprintf("pending shrink %v is negative on axis %d", p.pending, a)}
		}
		newDims[a] = p.dims[a] - p.pending.Total(a)
		if newDims[a] <= 0 {
			return &ShapeError{Op: "patch.ApplyDelayedShrink", Shape: p.dims,
				Msg: fmt.Sprintf("pending shrink %v consumes all of axis %d", p.pending, a)}
		}
	}

	image := make([]float64, newDims[0]*newDims[1]*newDims[2])
	label := make([]uint64, len(image))
	z0, y0, x0 := p.pending.Low(0), p.pending.Low(1), p.pending.Low(2)
	for z := 0; z < newDims[0]; z++ {
		for y := 0; y < newDims[1]; y++ {
			srcBase := p.Index(z0+z, y0+y, x0)
			dstBase := (z*newDims[1] + y) * newDims[2]
			copy(image[dstBase:dstBase+newDims[2]], p.Image[srcBase:srcBase+newDims[2]])
			copy(label[dstBase:dstBase+newDims[2]], p.Label[srcBase:srcBase+newDims[2]])
		}
	}

	p.Image = image
	p.Label = label
	p.dims = newDims
	p.pending = Shrink{}
	return nil
}

// Clone returns a deep copy of the patch with independent buffers.
func (p *Patch) Clone() *Patch {
	image := make([]float64, len(p.Image))
	copy(image, p.Image)
	label := make([]uint64, len(p.Label))
	copy(label, p.Label)
	return &Patch{Image: image, Label: label, dims: p.dims, pending: p.pending}
}
