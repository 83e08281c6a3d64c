// Package dataset wires the sampling pipeline together: it owns the training
// and validation volumes, the shared augmentation chain, and the oversize
// arithmetic that hands transforms exactly the margin they declared.
package dataset

import (
	"fmt"

	"golang.org/x/exp/rand"

	"empatch/pkg/augment"
	"empatch/pkg/patch"
	"empatch/pkg/volume"
)

// ConfigError reports invalid construction parameters. It is raised before
// any volume is touched and is never retried.
type ConfigError struct {
	Param string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Msg)
}

// Params configures a dataset.
type Params struct {
	// TrainingSplitRatio must lie in the open interval (0.5, 1.0). The first
	// loaded volume is held out for validation and the remainder train.
	TrainingSplitRatio float64

	// PatchSize is the exact spatial shape of returned patches: either a
	// single positive integer, broadcast to a cube, or three positive
	// integers (z, y, x).
	PatchSize []int

	// Seed initializes the dataset's random stream.
	Seed uint64
}

// Dataset owns disjoint training and validation volume sets and one shared
// transform chain. Volumes are sampled uniformly at random per request; each
// raw patch is drawn oversized by the chain's total shrink, run through the
// chain, and cropped back to the exact requested size.
//
// A Dataset value uses a single random stream and is not safe for concurrent
// use; callers wanting parallel sampling derive one view per goroutine with
// WithRand. The underlying volumes and chain structure are read-only and
// shared safely.
type Dataset struct {
	training   []*volume.GroundTruthVolume
	validation []*volume.GroundTruthVolume
	transform  *augment.Compose
	patchSize  [3]int
	rng        *rand.Rand
}

// New builds a dataset over already-loaded volumes. The first volume becomes
// the validation set and the rest the training set, as in the reference
// CREMI split. transform may be nil for an empty chain.
func New(volumes []*volume.Volume, transform *augment.Compose, params Params) (*Dataset, error) {
	patchSize, err := normalizePatchSize(params.PatchSize)
	if err != nil {
		return nil, err
	}
	if params.TrainingSplitRatio <= 0.5 || params.TrainingSplitRatio >= 1.0 {
		return nil, &ConfigError{Param: "training split ratio",
			Msg: fmt.Sprintf("%v is outside the open interval (0.5, 1.0)", params.TrainingSplitRatio)}
	}
	if len(volumes) < 2 {
		return nil, &ConfigError{Param: "volumes",
			Msg: fmt.Sprintf("need at least 2 volumes to split, got %d", len(volumes))}
	}
	if transform == nil {
		transform = augment.NewCompose()
	}

	// Oversample by the chain's total reservation so the post-transform crop
	// lands exactly on the requested size.
	shrink := transform.ShrinkSize()
	var oversized [3]int
	for a := 0; a < 3; a++ {
		oversized[a] = patchSize[a] + shrink.Total(a)
	}

	d := &Dataset{
		transform: transform,
		patchSize: patchSize,
		rng:       rand.New(rand.NewSource(params.Seed)),
	}
	for i, vol := range volumes {
		gtv := volume.NewGroundTruthVolume(vol, oversized)
		if i == 0 {
			d.validation = append(d.validation, gtv)
		} else {
			d.training = append(d.training, gtv)
		}
	}
	return d, nil
}

// Load opens each path as an HDF5 volume and builds a dataset over them.
// imageDataset and labelDataset name the datasets inside each file; empty
// strings select the CREMI defaults.
func Load(paths []string, imageDataset, labelDataset string, transform *augment.Compose, params Params) (*Dataset, error) {
	if len(paths) == 0 {
		return nil, &ConfigError{Param: "volumes", Msg: "no volume files given"}
	}
	if imageDataset == "" {
		imageDataset = volume.DefaultImageDataset
	}
	if labelDataset == "" {
		labelDataset = volume.DefaultLabelDataset
	}
	volumes := make([]*volume.Volume, 0, len(paths))
	for _, path := range paths {
		vol, err := volume.Load(path, imageDataset, labelDataset)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		volumes = append(volumes, vol)
	}
	return New(volumes, transform, params)
}

func normalizePatchSize(size []int) ([3]int, error) {
	var out [3]int
	switch len(size) {
	case 1:
		out = [3]int{size[0], size[0], size[0]}
	case 3:
		copy(out[:], size)
	default:
		return out, &ConfigError{Param: "patch size",
			Msg: fmt.Sprintf("want one or three dimensions, got %d", len(size))}
	}
	for _, s := range out {
		if s <= 0 {
			return out, &ConfigError{Param: "patch size",
				Msg: fmt.Sprintf("%v has a non-positive dimension", out)}
		}
	}
	return out, nil
}

// PatchSize returns the exact spatial shape of returned patches.
func (d *Dataset) PatchSize() [3]int { return d.patchSize }

// OversizedPatchSize returns the pre-transform sampling shape.
func (d *Dataset) OversizedPatchSize() [3]int {
	shrink := d.transform.ShrinkSize()
	var out [3]int
	for a := 0; a < 3; a++ {
		out[a] = d.patchSize[a] + shrink.Total(a)
	}
	return out
}

// NumTrainingVolumes returns the size of the training set.
func (d *Dataset) NumTrainingVolumes() int { return len(d.training) }

// NumValidationVolumes returns the size of the validation set.
func (d *Dataset) NumValidationVolumes() int { return len(d.validation) }

// WithRand returns a view of the dataset using the given random stream.
// The volumes and transform chain are shared; only the stream differs, so
// each goroutine of a parallel sampler gets its own view.
func (d *Dataset) WithRand(rng *rand.Rand) *Dataset {
	view := *d
	view.rng = rng
	return &view
}

// RandomTrainingPatch draws one augmented training patch of exactly
// PatchSize.
func (d *Dataset) RandomTrainingPatch() (*patch.Patch, error) {
	return d.sample(d.training)
}

// RandomValidationPatch draws one augmented validation patch of exactly
// PatchSize.
func (d *Dataset) RandomValidationPatch() (*patch.Patch, error) {
	return d.sample(d.validation)
}

func (d *Dataset) sample(volumes []*volume.GroundTruthVolume) (*patch.Patch, error) {
	gtv := volumes[d.rng.Intn(len(volumes))]

	p, err := gtv.RandomPatch(d.rng)
	if err != nil {
		return nil, err
	}
	if err := d.transform.Apply(p, d.rng); err != nil {
		return nil, err
	}
	if err := p.ApplyDelayedShrink(); err != nil {
		return nil, err
	}
	if p.SpatialShape() != d.patchSize {
		return nil, &patch.PostconditionError{Got: p.SpatialShape(), Want: d.patchSize}
	}
	return p, nil
}
