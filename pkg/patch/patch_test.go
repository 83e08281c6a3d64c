package patch

import (
	"errors"
	"testing"
)

// sequentialPatch builds a patch whose image voxels hold their own flat index
// and whose labels mirror it, so crops can be verified positionally.
func sequentialPatch(t *testing.T, dims [3]int) *Patch {
	t.Helper()
	n := dims[0] * dims[1] * dims[2]
	image := make([]float64, n)
	label := make([]uint64, n)
	for i := 0; i < n; i++ {
		image[i] = float64(i)
		label[i] = uint64(i)
	}
	p, err := New(image, label, dims)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestNewValidation(t *testing.T) {
	if _, err := New(make([]float64, 8), make([]uint64, 8), [3]int{2, 2, 2}); err != nil {
		t.Errorf("valid construction failed: %v", err)
	}

	var shapeErr *ShapeError
	if _, err := New(make([]float64, 7), make([]uint64, 8), [3]int{2, 2, 2}); !errors.As(err, &shapeErr) {
		t.Errorf("expected ShapeError for short image buffer, got %v", err)
	}
	if _, err := New(make([]float64, 8), make([]uint64, 9), [3]int{2, 2, 2}); !errors.As(err, &shapeErr) {
		t.Errorf("expected ShapeError for mismatched label buffer, got %v", err)
	}
	if _, err := New(nil, nil, [3]int{0, 2, 2}); !errors.As(err, &shapeErr) {
		t.Errorf("expected ShapeError for zero dimension, got %v", err)
	}
}

func TestShrinkArithmetic(t *testing.T) {
	a := Shrink{1, 0, 2, 1, 0, 2}
	b := Shrink{0, 3, 1, 0, 3, 1}

	sum := a.Add(b)
	want := Shrink{1, 3, 3, 1, 3, 3}
	if sum != want {
		t.Errorf("Add: got %v, want %v", sum, want)
	}

	max := MaxShrink(a, b)
	wantMax := Shrink{1, 3, 2, 1, 3, 2}
	if max != wantMax {
		t.Errorf("MaxShrink: got %v, want %v", max, wantMax)
	}

	if !(Shrink{}).IsZero() {
		t.Error("zero shrink should report IsZero")
	}
	if a.IsZero() {
		t.Error("nonzero shrink should not report IsZero")
	}
	if got := a.Total(2); got != 4 {
		t.Errorf("Total(x): got %d, want 4", got)
	}
}

func TestApplyDelayedShrink(t *testing.T) {
	dims := [3]int{6, 8, 10}
	p := sequentialPatch(t, dims)

	shrink := Shrink{1, 2, 3, 1, 2, 3}
	if err := p.AddPendingShrink(shrink); err != nil {
		t.Fatalf("AddPendingShrink failed: %v", err)
	}

	if err := p.ApplyDelayedShrink(); err != nil {
		t.Fatalf("ApplyDelayedShrink failed: %v", err)
	}

	wantDims := [3]int{4, 4, 4}
	if p.SpatialShape() != wantDims {
		t.Fatalf("cropped shape %v, want %v", p.SpatialShape(), wantDims)
	}
	if !p.Pending().IsZero() {
		t.Errorf("pending shrink not cleared: %v", p.Pending())
	}

	// The first retained voxel sits at offset (1, 2, 3) of the original.
	wantFirst := float64((1*dims[1]+2)*dims[2] + 3)
	if p.Image[0] != wantFirst {
		t.Errorf("first cropped voxel = %v, want %v", p.Image[0], wantFirst)
	}
	if p.Label[0] != uint64(wantFirst) {
		t.Errorf("first cropped label = %v, want %v", p.Label[0], uint64(wantFirst))
	}

	// Last retained voxel sits at original offset (4, 5, 6).
	wantLast := float64((4*dims[1]+5)*dims[2] + 6)
	if got := p.Image[len(p.Image)-1]; got != wantLast {
		t.Errorf("last cropped voxel = %v, want %v", got, wantLast)
	}

	// Shape carries the batch and channel axes.
	if shape := p.Shape(); shape != [5]int{1, 1, 4, 4, 4} {
		t.Errorf("Shape() = %v", shape)
	}
}

func TestApplyDelayedShrinkIdempotent(t *testing.T) {
	p := sequentialPatch(t, [3]int{6, 6, 6})
	if err := p.AddPendingShrink(Shrink{1, 1, 1, 1, 1, 1}); err != nil {
		t.Fatalf("AddPendingShrink failed: %v", err)
	}

	if err := p.ApplyDelayedShrink(); err != nil {
		t.Fatalf("first crop failed: %v", err)
	}
	shape := p.SpatialShape()
	snapshot := append([]float64(nil), p.Image...)

	if err := p.ApplyDelayedShrink(); err != nil {
		t.Fatalf("second crop errored: %v", err)
	}
	if p.SpatialShape() != shape {
		t.Errorf("second crop changed shape to %v", p.SpatialShape())
	}
	for i, v := range p.Image {
		if v != snapshot[i] {
			t.Fatalf("second crop mutated voxel %d: %v != %v", i, v, snapshot[i])
		}
	}
}

func TestApplyDelayedShrinkOverconsumed(t *testing.T) {
	p := sequentialPatch(t, [3]int{4, 4, 4})
	if err := p.AddPendingShrink(Shrink{2, 0, 0, 2, 0, 0}); err != nil {
		t.Fatalf("AddPendingShrink failed: %v", err)
	}

	var shapeErr *ShapeError
	if err := p.ApplyDelayedShrink(); !errors.As(err, &shapeErr) {
		t.Errorf("expected ShapeError when shrink consumes an axis, got %v", err)
	}
}

func TestAddPendingShrinkRejectsNegative(t *testing.T) {
	p := sequentialPatch(t, [3]int{6, 6, 6})

	var shapeErr *ShapeError
	if err := p.AddPendingShrink(Shrink{0, -1, -1, 0, -1, -1}); !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError for negative margin, got %v", err)
	}
	if !p.Pending().IsZero() {
		t.Errorf("rejected margin was still recorded: %v", p.Pending())
	}

	// The crop must stay a clean error path, never an index panic.
	if err := p.ApplyDelayedShrink(); err != nil {
		t.Fatalf("crop after rejected margin failed: %v", err)
	}
	if p.SpatialShape() != [3]int{6, 6, 6} {
		t.Errorf("crop changed shape to %v with no pending margin", p.SpatialShape())
	}
}

func TestSwapPendingAxes(t *testing.T) {
	p := sequentialPatch(t, [3]int{4, 4, 4})
	if err := p.AddPendingShrink(Shrink{0, 3, 1, 0, 2, 0}); err != nil {
		t.Fatalf("AddPendingShrink failed: %v", err)
	}

	p.SwapPendingAxes(1, 2)
	if want := (Shrink{0, 1, 3, 0, 0, 2}); p.Pending() != want {
		t.Errorf("pending after swap = %v, want %v", p.Pending(), want)
	}
}

func TestCloneIsolation(t *testing.T) {
	p := sequentialPatch(t, [3]int{3, 3, 3})
	q := p.Clone()

	q.Image[0] = -1
	q.Label[0] = 999
	if p.Image[0] == -1 || p.Label[0] == 999 {
		t.Error("mutating a clone affected the original patch")
	}
	if q.SpatialShape() != p.SpatialShape() {
		t.Errorf("clone shape %v differs from original %v", q.SpatialShape(), p.SpatialShape())
	}
}
