// Package dataset splits the extracted features into train, test and validation sets, and reads them back
// as tensors for training.
package dataset

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/audioclassifier/pkg/features"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Subset of the dataset.
type Subset string

const (
	Train      Subset = "train"
	Test       Subset = "test"
	Validation Subset = "validation"
)

// Subsets in the order they are reported.
var Subsets = []Subset{Train, Test, Validation}

const (
	// MetadataFileName is the name of the file describing the split dataset.
	MetadataFileName = "classes.json"

	// LabelsKey is the name of the labels array in each subset file.
	LabelsKey = "labels"
)

// FileName returns the name of the file storing the subset.
func (s Subset) FileName() string { return string(s) + ".npz" }

// Metadata describes a split dataset.
type Metadata struct {
	Classes  []string        `json:"classes"`
	Frames   int             `json:"frames"`
	Settings config.Features `json:"settings"`
	Counts   map[Subset]int  `json:"counts"`
}

// LoadMetadata reads the metadata of the dataset stored in dir.
func LoadMetadata(dir string) (*Metadata, error) {
	path := filepath.Join(dir, MetadataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read dataset metadata %q, was the dataset split?", path)
	}
	m := &Metadata{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse dataset metadata %q", path)
	}
	return m, nil
}

// Partition assigns entries to subsets: it returns the indices of the entries in each subset.
//
// The test set takes testSize of the examples, and the validation set takes validationSize of the examples
// left after the test set is taken. If stratify is set, the proportions are kept per class.
// Any group (class, or all entries if not stratified) with at least 3 entries contributes at least one example
// to each subset. Smaller groups go to the train set first.
func Partition(entries []features.Entry, testSize, validationSize float64, stratify bool, seed int64) map[Subset][]int {
	var groups [][]int
	if stratify {
		byLabel := make(map[int][]int)
		maxLabel := -1
		for ii, entry := range entries {
			byLabel[entry.Label] = append(byLabel[entry.Label], ii)
			maxLabel = max(maxLabel, entry.Label)
		}
		for label := 0; label <= maxLabel; label++ {
			if len(byLabel[label]) > 0 {
				groups = append(groups, byLabel[label])
			}
		}
	} else {
		all := make([]int, len(entries))
		for ii := range all {
			all[ii] = ii
		}
		groups = [][]int{all}
	}

	rng := newRand(seed)
	parts := make(map[Subset][]int, len(Subsets))
	for _, group := range groups {
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		n := len(group)
		numTest := int(math.Round(float64(n) * testSize))
		numVal := int(math.Round(float64(n-numTest) * validationSize))
		if n >= 3 {
			numTest, numVal = max(numTest, 1), max(numVal, 1)
		}
		for numTest+numVal >= n && numTest+numVal > 0 {
			// Keep at least one example for training.
			if numVal >= numTest {
				numVal--
			} else {
				numTest--
			}
		}
		parts[Test] = append(parts[Test], group[:numTest]...)
		parts[Validation] = append(parts[Validation], group[numTest:numTest+numVal]...)
		parts[Train] = append(parts[Train], group[numTest+numVal:]...)
	}
	return parts
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Split reads the features extracted into cfg.Paths.FeaturesDir, partitions them into train, test and
// validation sets, and stores them in cfg.Paths.DatasetDir.
//
// Every example is padded with zeros or truncated to the same number of frames: cfg.Dataset.Frames, or
// the largest number of frames of the stored features if it is 0.
func Split(cfg *config.Config) (*Metadata, error) {
	featuresDir, datasetDir := cfg.Paths.FeaturesDir, cfg.Paths.DatasetDir
	index, err := features.LoadIndex(featuresDir)
	if err != nil {
		return nil, err
	}
	if len(index.Entries) == 0 {
		return nil, errors.Errorf("features index in %q has no entries", featuresDir)
	}
	frames := cfg.Dataset.Frames
	if frames <= 0 {
		for _, entry := range index.Entries {
			frames = max(frames, entry.Frames)
		}
	}

	parts := Partition(index.Entries, cfg.Dataset.TestSize, cfg.Dataset.ValidationSize, cfg.Dataset.Stratify, cfg.Dataset.Seed)
	for _, subset := range Subsets {
		if len(parts[subset]) == 0 {
			return nil, errors.Errorf("%s subset is empty, there are not enough examples (%d) to split", subset, len(index.Entries))
		}
	}
	if err := os.MkdirAll(datasetDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create dataset directory %q", datasetDir)
	}

	meta := &Metadata{
		Classes:  index.Classes,
		Frames:   frames,
		Settings: index.Settings,
		Counts:   make(map[Subset]int, len(Subsets)),
	}
	for _, subset := range Subsets {
		indices := parts[subset]
		arrays, err := buildSubset(featuresDir, index, indices, frames)
		if err != nil {
			return nil, errors.WithMessagef(err, "while building %s subset", subset)
		}
		path := filepath.Join(datasetDir, subset.FileName())
		if err := numpy.ToNpzFile(arrays, path); err != nil {
			return nil, errors.WithMessagef(err, "failed to save %s subset to %q", subset, path)
		}
		meta.Counts[subset] = len(indices)
		klog.Infof("%s subset: %d examples saved to %q", subset, len(indices), path)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode dataset metadata")
	}
	metaPath := filepath.Join(datasetDir, MetadataFileName)
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write dataset metadata %q", metaPath)
	}
	return meta, nil
}

// buildSubset loads the features of the given entries and stacks them into fixed size arrays.
func buildSubset(featuresDir string, index *features.Index, indices []int, frames int) (map[string]*tensors.Tensor, error) {
	n := len(indices)
	melBins, numCoeffs := index.Settings.MelBins, index.Settings.MFCCCoefficients
	spec := make([]float32, n*frames*melBins)
	mfcc := make([]float32, n*frames*numCoeffs)
	labels := make([]int64, n)
	for ii, entryIdx := range indices {
		entry := index.Entries[entryIdx]
		f, err := features.LoadFeatures(featuresDir, entry)
		if err != nil {
			return nil, err
		}
		if err := CopyFixedFrames(spec[ii*frames*melBins:(ii+1)*frames*melBins], f.Spec, melBins); err != nil {
			return nil, errors.WithMessagef(err, "spectrogram of %q", entry.Audio)
		}
		if err := CopyFixedFrames(mfcc[ii*frames*numCoeffs:(ii+1)*frames*numCoeffs], f.MFCC, numCoeffs); err != nil {
			return nil, errors.WithMessagef(err, "MFCC of %q", entry.Audio)
		}
		labels[ii] = int64(entry.Label)
	}
	return map[string]*tensors.Tensor{
		features.SpecKey: tensors.FromFlatDataAndDimensions(spec, n, frames, melBins),
		features.MFCCKey: tensors.FromFlatDataAndDimensions(mfcc, n, frames, numCoeffs),
		LabelsKey:        tensors.FromFlatDataAndDimensions(labels, n),
	}, nil
}

// CopyFixedFrames copies the rows of m (frames of width values) into dst, truncating the frames that don't fit.
// Missing frames are left as zeros.
func CopyFixedFrames(dst []float32, m [][]float32, width int) error {
	for row := 0; row < len(m) && (row+1)*width <= len(dst); row++ {
		if len(m[row]) != width {
			return errors.Errorf("frame %d has %d values, expected %d", row, len(m[row]), width)
		}
		copy(dst[row*width:], m[row])
	}
	return nil
}
