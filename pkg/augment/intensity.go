package augment

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"empatch/pkg/patch"
)

// NormalizeTo01 rescales image intensities into [0, 1] when they stray
// outside it. Patches loaded from uint8 volumes are already normalized, so
// this usually leaves the data untouched; it protects the rest of the chain
// after transforms or loaders with a wider range.
type NormalizeTo01 struct {
	Probability float64
}

func (t *NormalizeTo01) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *NormalizeTo01) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *NormalizeTo01) execute(p *patch.Patch, _ *rand.Rand) error {
	lo, hi := p.Image[0], p.Image[0]
	for _, v := range p.Image {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if lo >= 0 && hi <= 1 {
		return nil
	}
	span := hi - lo
	if span == 0 {
		for i := range p.Image {
			p.Image[i] = 0
		}
		return nil
	}
	for i, v := range p.Image {
		p.Image[i] = (v - lo) / span
	}
	return nil
}

// AdjustBrightness shifts all intensities by a random delta, clamped back
// into [0, 1].
type AdjustBrightness struct {
	Probability float64

	// MaxDelta bounds the shift: the delta is uniform in [-MaxDelta, MaxDelta].
	MaxDelta float64
}

func NewAdjustBrightness(maxDelta float64) *AdjustBrightness {
	return &AdjustBrightness{Probability: defaultProbability, MaxDelta: maxDelta}
}

func (t *AdjustBrightness) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *AdjustBrightness) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *AdjustBrightness) execute(p *patch.Patch, rng *rand.Rand) error {
	delta := (2*rng.Float64() - 1) * t.MaxDelta
	for i, v := range p.Image {
		p.Image[i] = clamp01(v + delta)
	}
	return nil
}

// AdjustContrast scales intensities about the patch mean by a random factor,
// clamped back into [0, 1].
type AdjustContrast struct {
	Probability float64

	// MaxFactor bounds the change: the factor is uniform in
	// [1-MaxFactor, 1+MaxFactor].
	MaxFactor float64
}

func NewAdjustContrast(maxFactor float64) *AdjustContrast {
	return &AdjustContrast{Probability: defaultProbability, MaxFactor: maxFactor}
}

func (t *AdjustContrast) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *AdjustContrast) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *AdjustContrast) execute(p *patch.Patch, rng *rand.Rand) error {
	factor := 1 + (2*rng.Float64()-1)*t.MaxFactor
	mean := stat.Mean(p.Image, nil)
	for i, v := range p.Image {
		p.Image[i] = clamp01(mean + (v-mean)*factor)
	}
	return nil
}

// Gamma applies a random power-law intensity curve. The exponent is
// log-uniform in [1/MaxGamma, MaxGamma], so brightening and darkening are
// equally likely.
type Gamma struct {
	Probability float64
	MaxGamma    float64
}

func NewGamma(maxGamma float64) *Gamma {
	return &Gamma{Probability: defaultProbability, MaxGamma: maxGamma}
}

func (t *Gamma) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *Gamma) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *Gamma) execute(p *patch.Patch, rng *rand.Rand) error {
	exponent := math.Exp((2*rng.Float64() - 1) * math.Log(t.MaxGamma))
	for i, v := range p.Image {
		p.Image[i] = math.Pow(clamp01(v), exponent)
	}
	return nil
}

// Noise adds zero-mean Gaussian noise with a random level, clamped back
// into [0, 1]. Labels are untouched.
type Noise struct {
	Probability float64

	// MaxSigma bounds the noise level: sigma is uniform in (0, MaxSigma].
	MaxSigma float64
}

func NewNoise(maxSigma float64) *Noise {
	return &Noise{Probability: defaultProbability, MaxSigma: maxSigma}
}

func (t *Noise) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *Noise) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *Noise) execute(p *patch.Patch, rng *rand.Rand) error {
	sigma := rng.Float64() * t.MaxSigma
	if sigma <= 0 {
		return nil
	}
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: rng}
	for i, v := range p.Image {
		p.Image[i] = clamp01(v + dist.Rand())
	}
	return nil
}

// GaussianBlur2D blurs every z-slice of the image with a separable Gaussian
// kernel of random width. Edges are clamped, so no margin is consumed.
// Labels are untouched: blurring segment identifiers would invent values.
type GaussianBlur2D struct {
	Probability float64
	MinSigma    float64
	MaxSigma    float64
}

func NewGaussianBlur2D(maxSigma float64) *GaussianBlur2D {
	return &GaussianBlur2D{Probability: defaultProbability, MinSigma: 0.1, MaxSigma: maxSigma}
}

func (t *GaussianBlur2D) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *GaussianBlur2D) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *GaussianBlur2D) execute(p *patch.Patch, rng *rand.Rand) error {
	sigma := t.MinSigma + rng.Float64()*(t.MaxSigma-t.MinSigma)
	kernel := gaussianKernel(sigma)

	dims := p.SpatialShape()
	nz, ny, nx := dims[0], dims[1], dims[2]
	scratch := make([]float64, ny*nx)

	for z := 0; z < nz; z++ {
		slice := p.Image[z*ny*nx : (z+1)*ny*nx]

		// Horizontal pass into scratch.
		for y := 0; y < ny; y++ {
			row := slice[y*nx : (y+1)*nx]
			for x := 0; x < nx; x++ {
				var sum float64
				for k, w := range kernel {
					sx := clampIndex(x+k-len(kernel)/2, nx)
					sum += w * row[sx]
				}
				scratch[y*nx+x] = sum
			}
		}

		// Vertical pass back into the slice.
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				var sum float64
				for k, w := range kernel {
					sy := clampIndex(y+k-len(kernel)/2, ny)
					sum += w * scratch[sy*nx+x]
				}
				slice[y*nx+x] = sum
			}
		}
	}
	return nil
}

// gaussianKernel builds a normalized 1D kernel truncated at three sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(3*sigma + 0.5)
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// BlackBox erases a random cuboid of the image (labels are untouched),
// simulating occluded or missing data.
type BlackBox struct {
	Probability float64

	// MaxFraction bounds each box dimension relative to the patch extent.
	MaxFraction float64
}

func NewBlackBox(maxFraction float64) *BlackBox {
	return &BlackBox{Probability: defaultProbability, MaxFraction: maxFraction}
}

func (t *BlackBox) ShrinkSize() patch.Shrink { return patch.Shrink{} }

func (t *BlackBox) Apply(p *patch.Patch, rng *rand.Rand) error {
	if !fires(t.Probability, rng) {
		return nil
	}
	return t.execute(p, rng)
}

func (t *BlackBox) execute(p *patch.Patch, rng *rand.Rand) error {
	dims := p.SpatialShape()
	var size, origin [3]int
	for a := 0; a < 3; a++ {
		limit := int(t.MaxFraction * float64(dims[a]))
		if limit < 1 {
			limit = 1
		}
		size[a] = 1 + rng.Intn(limit)
		origin[a] = rng.Intn(dims[a] - size[a] + 1)
	}
	for z := origin[0]; z < origin[0]+size[0]; z++ {
		for y := origin[1]; y < origin[1]+size[1]; y++ {
			base := p.Index(z, y, origin[2])
			for x := 0; x < size[2]; x++ {
				p.Image[base+x] = 0
			}
		}
	}
	return nil
}
