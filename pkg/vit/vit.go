// Package vit defines the patch-to-patch Vision Transformer consumed by the
// sampling pipeline: it accepts tokens of flattened input patches and
// returns tokens of the declared output patch shape. Only the shape contract
// matters to the pipeline; training is out of scope.
package vit

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"empatch/pkg/patch"
)

// Config describes the model geometry.
type Config struct {
	// PatchSize is the spatial shape (z, y, x) of one input/output patch.
	PatchSize [3]int

	// InChannels and OutChannels are the per-voxel channel counts of the
	// input and output patches.
	InChannels  int
	OutChannels int

	// EmbedDim is the token embedding width.
	EmbedDim int

	// Depth is the number of transformer blocks.
	Depth int

	// Heads and DimHead shape the attention; MLPDim is the feed-forward
	// hidden width.
	Heads   int
	DimHead int
	MLPDim  int
}

func (c Config) validate() error {
	for _, s := range c.PatchSize {
		if s <= 0 {
			return fmt.Errorf("patch size %v must be positive on every axis", c.PatchSize)
		}
	}
	for name, v := range map[string]int{
		"in channels":  c.InChannels,
		"out channels": c.OutChannels,
		"embed dim":    c.EmbedDim,
		"depth":        c.Depth,
		"heads":        c.Heads,
		"head dim":     c.DimHead,
		"mlp dim":      c.MLPDim,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

func (c Config) patchVolume() int {
	return c.PatchSize[0] * c.PatchSize[1] * c.PatchSize[2]
}

// InDim is the flattened width of one input token.
func (c Config) InDim() int { return c.patchVolume() * c.InChannels }

// OutDim is the flattened width of one output token.
func (c Config) OutDim() int { return c.patchVolume() * c.OutChannels }

// ViT is a pre-norm transformer mapping flattened input patches to
// flattened output patches. Weights are fixed at construction; the model is
// read-only afterwards and safe to share.
type ViT struct {
	cfg     Config
	embed   *linear
	blocks  []*block
	unembed *linear
}

// New builds a model with small random weights drawn from rng.
func New(cfg Config, rng *rand.Rand) (*ViT, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("vit config: %w", err)
	}

	dist := distuv.Normal{Mu: 0, Sigma: 0.02, Src: rng}
	inner := cfg.Heads * cfg.DimHead

	v := &ViT{
		cfg:     cfg,
		embed:   newLinear(cfg.InDim(), cfg.EmbedDim, dist),
		unembed: newLinear(cfg.EmbedDim, cfg.OutDim(), dist),
	}
	for i := 0; i < cfg.Depth; i++ {
		v.blocks = append(v.blocks, &block{
			norm1: newLayerNorm(cfg.EmbedDim),
			attn: &attention{
				heads:   cfg.Heads,
				dimHead: cfg.DimHead,
				toQKV:   newLinear(cfg.EmbedDim, 3*inner, dist),
				toOut:   newLinear(inner, cfg.EmbedDim, dist),
			},
			norm2: newLayerNorm(cfg.EmbedDim),
			ff: &feedForward{
				expand:   newLinear(cfg.EmbedDim, cfg.MLPDim, dist),
				contract: newLinear(cfg.MLPDim, cfg.EmbedDim, dist),
			},
		})
	}
	return v, nil
}

// Config returns the model geometry.
func (v *ViT) Config() Config { return v.cfg }

// Forward maps a (tokens × InDim) matrix to a (tokens × OutDim) matrix.
func (v *ViT) Forward(tokens *mat.Dense) (*mat.Dense, error) {
	rows, cols := tokens.Dims()
	if cols != v.cfg.InDim() {
		return nil, fmt.Errorf("input tokens are %d wide, model expects %d", cols, v.cfg.InDim())
	}
	if rows == 0 {
		return nil, fmt.Errorf("no tokens given")
	}

	x := v.embed.forward(tokens)
	for _, b := range v.blocks {
		x = b.forward(x)
	}
	return v.unembed.forward(x), nil
}

// ForwardPatch flattens a sampled patch's image into a single token and runs
// the model on it. The patch's spatial shape must match the configured patch
// size, and the model must be configured for one input channel.
func (v *ViT) ForwardPatch(p *patch.Patch) (*mat.Dense, error) {
	if v.cfg.InChannels != 1 {
		return nil, fmt.Errorf("ForwardPatch needs a single-channel model, have %d channels", v.cfg.InChannels)
	}
	if p.SpatialShape() != v.cfg.PatchSize {
		return nil, fmt.Errorf("patch shape %v does not match model patch size %v",
			p.SpatialShape(), v.cfg.PatchSize)
	}
	token := mat.NewDense(1, v.cfg.InDim(), append([]float64(nil), p.Image...))
	return v.Forward(token)
}

// block is one pre-norm transformer layer with residual connections.
type block struct {
	norm1 *layerNorm
	attn  *attention
	norm2 *layerNorm
	ff    *feedForward
}

func (b *block) forward(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Add(x, b.attn.forward(b.norm1.forward(x)))
	var final mat.Dense
	final.Add(&out, b.ff.forward(b.norm2.forward(&out)))
	return &final
}

// linear is a dense layer with bias; rows are tokens.
type linear struct {
	weight *mat.Dense // in × out
	bias   []float64
}

func newLinear(in, out int, dist distuv.Normal) *linear {
	data := make([]float64, in*out)
	for i := range data {
		data[i] = dist.Rand()
	}
	return &linear{
		weight: mat.NewDense(in, out, data),
		bias:   make([]float64, out),
	}
}

func (l *linear) forward(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(x, l.weight)
	rows, cols := out.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, out.At(r, c)+l.bias[c])
		}
	}
	return &out
}

// layerNorm normalizes each token to zero mean and unit variance, then
// applies a learned affine (identity at initialization).
type layerNorm struct {
	gamma []float64
	beta  []float64
}

func newLayerNorm(dim int) *layerNorm {
	gamma := make([]float64, dim)
	for i := range gamma {
		gamma[i] = 1
	}
	return &layerNorm{gamma: gamma, beta: make([]float64, dim)}
}

func (ln *layerNorm) forward(x *mat.Dense) *mat.Dense {
	const eps = 1e-5
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		row := x.RawRowView(r)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+eps)
		for c, v := range row {
			out.Set(r, c, (v-mean)*inv*ln.gamma[c]+ln.beta[c])
		}
	}
	return out
}

// attention is standard multi-head scaled dot-product attention.
type attention struct {
	heads   int
	dimHead int
	toQKV   *linear
	toOut   *linear
}

func (a *attention) forward(x *mat.Dense) *mat.Dense {
	qkv := a.toQKV.forward(x)
	n, _ := x.Dims()
	inner := a.heads * a.dimHead
	scale := 1 / math.Sqrt(float64(a.dimHead))

	concat := mat.NewDense(n, inner, nil)
	for h := 0; h < a.heads; h++ {
		q := qkv.Slice(0, n, h*a.dimHead, (h+1)*a.dimHead)
		k := qkv.Slice(0, n, inner+h*a.dimHead, inner+(h+1)*a.dimHead)
		v := qkv.Slice(0, n, 2*inner+h*a.dimHead, 2*inner+(h+1)*a.dimHead)

		var scores mat.Dense
		scores.Mul(q, k.T())
		scores.Scale(scale, &scores)
		softmaxRows(&scores)

		var headOut mat.Dense
		headOut.Mul(&scores, v)
		for r := 0; r < n; r++ {
			for c := 0; c < a.dimHead; c++ {
				concat.Set(r, h*a.dimHead+c, headOut.At(r, c))
			}
		}
	}
	return a.toOut.forward(concat)
}

// softmaxRows applies a numerically stable softmax to each row in place.
func softmaxRows(m *mat.Dense) {
	rows, cols := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		max := row[0]
		for _, v := range row {
			max = math.Max(max, v)
		}
		var sum float64
		for c := 0; c < cols; c++ {
			row[c] = math.Exp(row[c] - max)
			sum += row[c]
		}
		for c := 0; c < cols; c++ {
			row[c] /= sum
		}
	}
}

// feedForward is the two-layer MLP with GELU activation.
type feedForward struct {
	expand   *linear
	contract *linear
}

func (f *feedForward) forward(x *mat.Dense) *mat.Dense {
	hidden := f.expand.forward(x)
	rows, cols := hidden.Dims()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			hidden.Set(r, c, gelu(hidden.At(r, c)))
		}
	}
	return f.contract.forward(hidden)
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}
