package vit

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"empatch/pkg/patch"
)

func testConfig() Config {
	return Config{
		PatchSize:   [3]int{4, 4, 4},
		InChannels:  1,
		OutChannels: 2,
		EmbedDim:    16,
		Depth:       2,
		Heads:       2,
		DimHead:     8,
		MLPDim:      32,
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(testConfig(), rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := testConfig()
	bad.Depth = 0
	if _, err := New(bad, rand.New(rand.NewSource(1))); err == nil {
		t.Error("zero depth accepted")
	}

	bad = testConfig()
	bad.PatchSize = [3]int{4, 0, 4}
	if _, err := New(bad, rand.New(rand.NewSource(1))); err == nil {
		t.Error("zero patch axis accepted")
	}
}

func TestForwardShapeContract(t *testing.T) {
	cfg := testConfig()
	model, err := New(cfg, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const tokens = 5
	in := mat.NewDense(tokens, cfg.InDim(), nil)
	for r := 0; r < tokens; r++ {
		for c := 0; c < cfg.InDim(); c++ {
			in.Set(r, c, float64(r*c%7)/7)
		}
	}

	out, err := model.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	rows, cols := out.Dims()
	if rows != tokens || cols != cfg.OutDim() {
		t.Fatalf("output is %dx%d, want %dx%d", rows, cols, tokens, cfg.OutDim())
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if math.IsNaN(out.At(r, c)) || math.IsInf(out.At(r, c), 0) {
				t.Fatalf("non-finite output at (%d,%d)", r, c)
			}
		}
	}
}

func TestForwardRejectsWrongWidth(t *testing.T) {
	model, err := New(testConfig(), rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := model.Forward(mat.NewDense(1, 10, nil)); err == nil {
		t.Error("wrong token width accepted")
	}
}

func TestForwardDeterministic(t *testing.T) {
	cfg := testConfig()
	model, err := New(cfg, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	in := mat.NewDense(2, cfg.InDim(), nil)
	for c := 0; c < cfg.InDim(); c++ {
		in.Set(0, c, 0.5)
		in.Set(1, c, float64(c%3)/3)
	}

	a, err := model.Forward(in)
	if err != nil {
		t.Fatalf("first Forward failed: %v", err)
	}
	b, err := model.Forward(in)
	if err != nil {
		t.Fatalf("second Forward failed: %v", err)
	}
	if !mat.EqualApprox(a, b, 1e-12) {
		t.Error("Forward is not deterministic for fixed weights and input")
	}
}

func TestForwardPatch(t *testing.T) {
	cfg := testConfig()
	model, err := New(cfg, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	n := cfg.PatchSize[0] * cfg.PatchSize[1] * cfg.PatchSize[2]
	image := make([]float64, n)
	for i := range image {
		image[i] = float64(i) / float64(n)
	}
	p, err := patch.New(image, make([]uint64, n), cfg.PatchSize)
	if err != nil {
		t.Fatalf("patch.New failed: %v", err)
	}

	out, err := model.ForwardPatch(p)
	if err != nil {
		t.Fatalf("ForwardPatch failed: %v", err)
	}
	rows, cols := out.Dims()
	if rows != 1 || cols != cfg.OutDim() {
		t.Fatalf("output is %dx%d, want 1x%d", rows, cols, cfg.OutDim())
	}

	wrong, err := patch.New(make([]float64, 8), make([]uint64, 8), [3]int{2, 2, 2})
	if err != nil {
		t.Fatalf("patch.New failed: %v", err)
	}
	if _, err := model.ForwardPatch(wrong); err == nil {
		t.Error("mismatched patch shape accepted")
	}
}
