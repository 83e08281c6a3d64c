// Package augment implements the stochastic transform chain applied to every
// sampled patch: intensity adjustments, noise, blur, and geometric warps.
// Each transform declares up front how much border margin it may consume;
// margins are additive across the chain and are removed once, after the
// whole chain has run, by the patch's delayed-shrink crop. Cropping is
// deferred so that transforms later in the chain still see the border
// region they may themselves need.
package augment

import (
	"golang.org/x/exp/rand"

	"empatch/pkg/patch"
)

// defaultProbability is the chance an optional transform fires on a call.
const defaultProbability = 0.5

// Transform is one stochastic operation on a patch. Apply draws fresh
// randomness from rng on every call and mutates the patch in place; it never
// changes the patch's outer shape beyond margin declared by ShrinkSize.
// Transforms hold only construction-time parameters, so one value can be
// shared by concurrent samplers as long as each uses its own rng.
type Transform interface {
	// ShrinkSize reports the per-face margin the transform may consume.
	ShrinkSize() patch.Shrink

	// Apply decides via the transform's own probability whether to act on
	// this call, then applies the effect.
	Apply(p *patch.Patch, rng *rand.Rand) error
}

// executor is implemented by transforms whose effect can be forced,
// bypassing the probability gate. OneOf uses it so the selected branch
// always acts.
type executor interface {
	execute(p *patch.Patch, rng *rand.Rand) error
}

// fires draws the probability gate shared by all transforms.
func fires(probability float64, rng *rand.Rand) bool {
	return rng.Float64() < probability
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Compose is the fixed ordered chain of transforms applied to every sampled
// patch. Its structure is immutable once built; each Apply call uses only
// the randomness passed in.
type Compose struct {
	transforms []Transform
}

// NewCompose builds a pipeline that applies the given transforms in order.
func NewCompose(transforms ...Transform) *Compose {
	return &Compose{transforms: transforms}
}

// ShrinkSize is the elementwise sum of all member transforms' shrink sizes.
// The empty pipeline reserves nothing.
func (c *Compose) ShrinkSize() patch.Shrink {
	var total patch.Shrink
	for _, t := range c.transforms {
		total = total.Add(t.ShrinkSize())
	}
	return total
}

// Apply runs every transform in declared order on the same patch. Each
// transform independently decides whether to act, but its declared margin is
// recorded on the patch either way: the oversampling was sized for the worst
// case, so the final crop always removes the full reservation and the patch
// comes out at the exact target shape regardless of which transforms fired.
func (c *Compose) Apply(p *patch.Patch, rng *rand.Rand) error {
	for _, t := range c.transforms {
		if err := t.Apply(p, rng); err != nil {
			return err
		}
		if err := p.AddPendingShrink(t.ShrinkSize()); err != nil {
			return err
		}
	}
	return nil
}

// OneOf executes exactly one of its member transforms, chosen uniformly at
// random, per call. It is used for mutually exclusive augmentations such as
// noise versus blur. The chosen member always acts; its own probability gate
// is bypassed.
type OneOf struct {
	// Probability is the chance any member runs at all.
	Probability float64

	Transforms []Transform
}

// NewOneOf builds an always-on uniform selection over the given transforms.
func NewOneOf(transforms ...Transform) *OneOf {
	return &OneOf{Probability: 1.0, Transforms: transforms}
}

// ShrinkSize is the elementwise maximum over the members, covering whichever
// branch is selected on a call.
func (o *OneOf) ShrinkSize() patch.Shrink {
	var m patch.Shrink
	for _, t := range o.Transforms {
		m = patch.MaxShrink(m, t.ShrinkSize())
	}
	return m
}

// Apply selects one member uniformly and forces its effect.
func (o *OneOf) Apply(p *patch.Patch, rng *rand.Rand) error {
	if len(o.Transforms) == 0 || !fires(o.Probability, rng) {
		return nil
	}
	t := o.Transforms[rng.Intn(len(o.Transforms))]
	if ex, ok := t.(executor); ok {
		return ex.execute(p, rng)
	}
	return t.Apply(p, rng)
}

// PipelineParams collects the tunable parameters of the default
// augmentation chain.
type PipelineParams struct {
	// BrightnessMaxDelta bounds the additive brightness shift.
	BrightnessMaxDelta float64

	// ContrastMaxFactor bounds the relative contrast change about the mean.
	ContrastMaxFactor float64

	// GammaMax bounds the gamma exponent to [1/GammaMax, GammaMax].
	GammaMax float64

	// NoiseMaxSigma bounds the additive Gaussian noise level.
	NoiseMaxSigma float64

	// BlurMaxSigma bounds the per-slice Gaussian blur width.
	BlurMaxSigma float64

	// BlackBoxMaxFraction bounds the erased cuboid relative to the patch.
	BlackBoxMaxFraction float64

	// PerspectiveDistortion is the corner jitter, in voxels, of the 2D
	// perspective warp. It doubles as the warp's per-side margin.
	PerspectiveDistortion int

	// MisalignMaxShift is the largest section offset, in voxels, of the
	// misalignment transform. It doubles as its per-side margin.
	MisalignMaxShift int
}

// DefaultParams returns the parameters of the reference chain.
func DefaultParams() PipelineParams {
	return PipelineParams{
		BrightnessMaxDelta:    0.3,
		ContrastMaxFactor:     0.3,
		GammaMax:              2.0,
		NoiseMaxSigma:         0.1,
		BlurMaxSigma:          2.0,
		BlackBoxMaxFraction:   0.3,
		PerspectiveDistortion: 2,
		MisalignMaxShift:      2,
	}
}

// NewDefaultPipeline builds the reference augmentation chain. Intensity and
// noise transforms run before the geometric ones so that geometric
// distortions do not amplify noise statistics, and flips and transposition
// run late so the 2D warp's margin assumptions hold in the canonical axis
// orientation.
func NewDefaultPipeline(params PipelineParams) *Compose {
	return NewCompose(
		&NormalizeTo01{Probability: 1.0},
		NewAdjustBrightness(params.BrightnessMaxDelta),
		NewAdjustContrast(params.ContrastMaxFactor),
		NewGamma(params.GammaMax),
		NewOneOf(
			NewNoise(params.NoiseMaxSigma),
			NewGaussianBlur2D(params.BlurMaxSigma),
		),
		NewBlackBox(params.BlackBoxMaxFraction),
		NewPerspective2D(params.PerspectiveDistortion),
		NewFlip(),
		NewTranspose(),
		NewMissAlignment(params.MisalignMaxShift),
	)
}

// DefaultPipeline builds the reference chain with default parameters.
func DefaultPipeline() *Compose {
	return NewDefaultPipeline(DefaultParams())
}
