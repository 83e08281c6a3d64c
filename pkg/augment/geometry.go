package augment

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"empatch/pkg/patch"
)

// Flip mirrors the patch along each spatial axis independently with
// probability 1/2, image and label together.
type Flip struct {
	Probability float64
}

func NewFlip() *Flip {
	return &Flip{Probability: defaultProbability}
}

func (t *Flip) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *Flip) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *Flip) execute(p *patch.Patch, rng *rand.Rand) error {
	for axis := 0; axis < 3; axis++ {
		if rng.Float64() < 0.5 {
			reverseAxis(p, axis)
		}
	}
	return nil
}

// reverseAxis mirrors image and label in place along one spatial axis.
func reverseAxis(p *patch.Patch, axis int) {
	dims := p.SpatialShape()
	n := dims[axis]
	for z := 0; z < dims[0]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[2]; x++ {
				c := [3]int{z, y, x}
				m := c
				m[axis] = n - 1 - c[axis]
				if c[axis] >= m[axis] {
					continue
				}
				i, j := p.Index(c[0], c[1], c[2]), p.Index(m[0], m[1], m[2])
				p.Image[i], p.Image[j] = p.Image[j], p.Image[i]
				p.Label[i], p.Label[j] = p.Label[j], p.Label[i]
			}
		}
	}
}

// Transpose swaps the y and x axes of image and label. The two axes must
// have equal size at the time the transform runs.
type Transpose struct {
	Probability float64
}

func NewTranspose() *Transpose {
	return &Transpose{Probability: defaultProbability}
}

func (t *Transpose) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *Transpose) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *Transpose) execute(p *patch.Patch, _ *rand.Rand) error {
	dims := p.SpatialShape()
	if dims[1] != dims[2] {
		return &patch.ShapeError{Op: "augment.Transpose", Shape: dims,
			Msg: "y and x extents must match to transpose"}
	}

	nz, ny, nx := dims[0], dims[1], dims[2]
	image := make([]float64, len(p.Image))
	label := make([]uint64, len(p.Label))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				src := p.Index(z, y, x)
				dst := (z*nx+x)*ny + y
				image[dst] = p.Image[src]
				label[dst] = p.Label[src]
			}
		}
	}
	if err := p.Reshape(image, label, [3]int{nz, nx, ny}); err != nil {
		return err
	}
	// Margins recorded against y/x before the swap move with their faces.
	p.SwapPendingAxes(1, 2)
	return nil
}

// Perspective2D applies one random perspective warp to every z-slice,
// bilinear for the image and nearest-neighbor for the label so segment
// identifiers stay exact. The warp pulls each slice corner inward by up to
// Distortion voxels; the voxels whose preimage falls near the border are
// unreliable, so the transform reserves Distortion per side on the y and x
// axes. The z axis is unaffected and reserves nothing.
type Perspective2D struct {
	Probability float64
	Distortion  int
}

func NewPerspective2D(distortion int) *Perspective2D {
	return &Perspective2D{Probability: defaultProbability, Distortion: distortion}
}

func (t *Perspective2D) ShrinkSize() patch.Shrink {
	d := t.Distortion
	return patch.Shrink{0, d, d, 0, d, d}
}

func (t *Perspective2D) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *Perspective2D) execute(p *patch.Patch, rng *rand.Rand) error {
	dims := p.SpatialShape()
	if dims[1] <= 2*t.Distortion || dims[2] <= 2*t.Distortion {
		return &patch.ShapeError{Op: "augment.Perspective2D", Shape: dims,
			Msg: "y/x extents too small for the declared margin"}
	}

	h, err := t.randomHomography(dims[1], dims[2], rng)
	if err != nil {
		return err
	}

	nz, ny, nx := dims[0], dims[1], dims[2]
	imgScratch := make([]float64, ny*nx)
	labScratch := make([]uint64, ny*nx)

	for z := 0; z < nz; z++ {
		img := p.Image[z*ny*nx : (z+1)*ny*nx]
		lab := p.Label[z*ny*nx : (z+1)*ny*nx]
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				sx, sy := h.project(float64(x), float64(y))
				imgScratch[y*nx+x] = bilinear(img, ny, nx, sx, sy)
				labScratch[y*nx+x] = nearest(lab, ny, nx, sx, sy)
			}
		}
		copy(img, imgScratch)
		copy(lab, labScratch)
	}
	return nil
}

// homography holds the eight parameters of a plane projective map; the
// ninth is fixed at 1.
type homography [8]float64

func (h homography) project(x, y float64) (sx, sy float64) {
	denom := h[6]*x + h[7]*y + 1
	sx = (h[0]*x + h[1]*y + h[2]) / denom
	sy = (h[3]*x + h[4]*y + h[5]) / denom
	return sx, sy
}

// randomHomography maps the full (y, x) slice rectangle onto a quadrilateral
// whose corners are jittered inward by up to Distortion voxels, and solves
// the standard eight-equation system for the map from output to source
// coordinates.
func (t *Perspective2D) randomHomography(ny, nx int, rng *rand.Rand) (homography, error) {
	d := float64(t.Distortion)
	w, hgt := float64(nx-1), float64(ny-1)

	jitter := func() float64 { return rng.Float64() * d }
	dst := [4][2]float64{{0, 0}, {w, 0}, {w, hgt}, {0, hgt}}
	src := [4][2]float64{
		{jitter(), jitter()},
		{w - jitter(), jitter()},
		{w - jitter(), hgt - jitter()},
		{jitter(), hgt - jitter()},
	}

	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		xd, yd := dst[i][0], dst[i][1]
		xs, ys := src[i][0], src[i][1]
		a.SetRow(2*i, []float64{xd, yd, 1, 0, 0, 0, -xd * xs, -yd * xs})
		b.SetVec(2*i, xs)
		a.SetRow(2*i+1, []float64{0, 0, 0, xd, yd, 1, -xd * ys, -yd * ys})
		b.SetVec(2*i+1, ys)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return homography{}, err
	}
	var h homography
	copy(h[:], sol.RawVector().Data)
	return h, nil
}

// bilinear samples a (ny, nx) float plane at fractional coordinates,
// clamping to the border.
func bilinear(plane []float64, ny, nx int, x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	at := func(yy, xx int) float64 {
		return plane[clampIndex(yy, ny)*nx+clampIndex(xx, nx)]
	}
	top := at(y0, x0)*(1-fx) + at(y0, x0+1)*fx
	bot := at(y0+1, x0)*(1-fx) + at(y0+1, x0+1)*fx
	return top*(1-fy) + bot*fy
}

// nearest samples a (ny, nx) label plane at the nearest voxel, clamping to
// the border.
func nearest(plane []uint64, ny, nx int, x, y float64) uint64 {
	xx := clampIndex(int(math.Round(x)), nx)
	yy := clampIndex(int(math.Round(y)), ny)
	return plane[yy*nx+xx]
}

// MissAlignment mimics the section misalignment of serial-section EM: all
// z-slices above a random section are shifted together by small integer
// offsets in y and x, image and label alike. The invalidated border is
// covered by the declared margin and removed by the final crop.
type MissAlignment struct {
	Probability float64
	MaxShift    int
}

func NewMissAlignment(maxShift int) *MissAlignment {
	return &MissAlignment{Probability: defaultProbability, MaxShift: maxShift}
}

func (t *MissAlignment) ShrinkSize() patch.Shrink {
	s := t.MaxShift
	return patch.Shrink{0, s, s, 0, s, s}
}

func (t *MissAlignment) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *MissAlignment) execute(p *patch.Patch, rng *rand.Rand) error {
	dims := p.SpatialShape()
	if dims[1] <= 2*t.MaxShift || dims[2] <= 2*t.MaxShift {
		return &patch.ShapeError{Op: "augment.MissAlignment", Shape: dims,
			Msg: "y/x extents too small for the declared margin"}
	}
	nz, ny, nx := dims[0], dims[1], dims[2]
	if nz < 2 {
		return nil
	}

	zcut := 1 + rng.Intn(nz-1)
	dy := rng.Intn(2*t.MaxShift+1) - t.MaxShift
	dx := rng.Intn(2*t.MaxShift+1) - t.MaxShift
	if dy == 0 && dx == 0 {
		return nil
	}

	imgScratch := make([]float64, ny*nx)
	labScratch := make([]uint64, ny*nx)
	for z := zcut; z < nz; z++ {
		img := p.Image[z*ny*nx : (z+1)*ny*nx]
		lab := p.Label[z*ny*nx : (z+1)*ny*nx]
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				sy, sx := y-dy, x-dx
				if sy < 0 || sy >= ny || sx < 0 || sx >= nx {
					imgScratch[y*nx+x] = 0
					labScratch[y*nx+x] = 0
					continue
				}
				imgScratch[y*nx+x] = img[sy*nx+sx]
				labScratch[y*nx+x] = lab[sy*nx+sx]
			}
		}
		copy(img, imgScratch)
		copy(lab, labScratch)
	}
	return nil
}
