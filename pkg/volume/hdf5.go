package volume

import (
	"fmt"

	"github.com/robert-malhotra/go-hdf5/hdf5"
)

// Dataset paths used by the CREMI ground-truth files.
const (
	DefaultImageDataset = "volumes/raw"
	DefaultLabelDataset = "volumes/labels/neuron_ids"
)

// Open loads a volume from an HDF5 file using the CREMI dataset layout:
// uint8 raw intensities under volumes/raw and uint64 segment identifiers
// under volumes/labels/neuron_ids.
func Open(path string) (*Volume, error) {
	return Load(path, DefaultImageDataset, DefaultLabelDataset)
}

// Load loads a volume from an HDF5 file, reading raw uint8 intensities from
// imageDataset and uint64 segment identifiers from labelDataset. Raw
// intensities are normalized into [0, 1] by dividing by 255. Both datasets
// must be 3-dimensional with identical extents.
func Load(path, imageDataset, labelDataset string) (*Volume, error) {
	f, err := hdf5.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening volume %s: %w", path, err)
	}
	defer f.Close()

	imageDims, raw, err := readUint8Dataset(f, imageDataset)
	if err != nil {
		return nil, fmt.Errorf("reading image dataset of %s: %w", path, err)
	}
	labelDims, label, err := readUint64Dataset(f, labelDataset)
	if err != nil {
		return nil, fmt.Errorf("reading label dataset of %s: %w", path, err)
	}
	if imageDims != labelDims {
		return nil, fmt.Errorf("volume %s: image extent %v and label extent %v are not co-registered",
			path, imageDims, labelDims)
	}

	image := make([]float64, len(raw))
	for i, v := range raw {
		image[i] = float64(v) / 255.
	}

	return NewVolume(image, label, imageDims)
}

func datasetDims(ds *hdf5.Dataset, name string) ([3]int, error) {
	var dims [3]int
	shape := ds.Shape()
	if len(shape) != 3 {
		return dims, fmt.Errorf("dataset %s has rank %d, want 3", name, len(shape))
	}
	for i, d := range shape {
		dims[i] = int(d)
	}
	return dims, nil
}

func readUint8Dataset(f *hdf5.File, name string) ([3]int, []uint8, error) {
	ds, err := f.Root().OpenDataset(name)
	if err != nil {
		return [3]int{}, nil, fmt.Errorf("opening dataset %s: %w", name, err)
	}
	dims, err := datasetDims(ds, name)
	if err != nil {
		return dims, nil, err
	}
	data, err := ds.ReadUint8()
	if err != nil {
		return dims, nil, fmt.Errorf("reading dataset %s: %w", name, err)
	}
	return dims, data, nil
}

func readUint64Dataset(f *hdf5.File, name string) ([3]int, []uint64, error) {
	ds, err := f.Root().OpenDataset(name)
	if err != nil {
		return [3]int{}, nil, fmt.Errorf("opening dataset %s: %w", name, err)
	}
	dims, err := datasetDims(ds, name)
	if err != nil {
		return dims, nil, err
	}
	data, err := ds.ReadUint64()
	if err != nil {
		return dims, nil, fmt.Errorf("reading dataset %s: %w", name, err)
	}
	return dims, data, nil
}
