package visualization

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"empatch/pkg/patch"
)

func testPatch(t *testing.T, dims [3]int) *patch.Patch {
	t.Helper()
	n := dims[0] * dims[1] * dims[2]
	image := make([]float64, n)
	label := make([]uint64, n)
	for i := 0; i < n; i++ {
		image[i] = float64(i) / float64(n)
		label[i] = uint64(i % 5)
	}
	p, err := patch.New(image, label, dims)
	if err != nil {
		t.Fatalf("patch.New failed: %v", err)
	}
	return p
}

func TestImageSlice(t *testing.T) {
	p := testPatch(t, [3]int{3, 4, 5})
	v := NewPatchViewer(p)

	img, err := v.ImageSlice(1)
	if err != nil {
		t.Fatalf("ImageSlice failed: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != 5 || bounds.Dy() != 4 {
		t.Errorf("slice is %dx%d, want 5x4", bounds.Dx(), bounds.Dy())
	}

	if _, err := v.ImageSlice(3); err == nil {
		t.Error("out-of-range slice accepted")
	}
	if _, err := v.ImageSlice(-1); err == nil {
		t.Error("negative slice accepted")
	}
}

func TestLabelSliceColors(t *testing.T) {
	p := testPatch(t, [3]int{1, 2, 5})
	v := NewPatchViewer(p)

	img, err := v.LabelSlice(0)
	if err != nil {
		t.Fatalf("LabelSlice failed: %v", err)
	}

	// Label zero is background black; distinct identifiers get distinct colors.
	if got := img.At(0, 0); got != (color.NRGBA{A: 255}) {
		t.Errorf("background color = %v, want opaque black", got)
	}
	if img.At(1, 0) == img.At(2, 0) {
		t.Error("distinct labels rendered with the same color")
	}
}

func TestSaveSliceSequence(t *testing.T) {
	p := testPatch(t, [3]int{3, 4, 4})
	dir := filepath.Join(t.TempDir(), "snapshots")

	if err := NewPatchViewer(p).SaveSliceSequence(dir); err != nil {
		t.Fatalf("SaveSliceSequence failed: %v", err)
	}

	for z := 0; z < 3; z++ {
		for _, prefix := range []string{"image", "label"} {
			name := filepath.Join(dir, fmt.Sprintf("%s_z%03d.png", prefix, z))
			info, err := os.Stat(name)
			if err != nil {
				t.Fatalf("missing snapshot %s: %v", name, err)
			}
			if info.Size() == 0 {
				t.Errorf("snapshot %s is empty", name)
			}
		}
	}
}
