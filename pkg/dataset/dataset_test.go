package dataset

import (
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/audioclassifier/pkg/features"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEntries(perClass ...int) []features.Entry {
	var entries []features.Entry
	for label, n := range perClass {
		for ii := range n {
			entries = append(entries, features.Entry{
				Audio: fmt.Sprintf("c%d/%d.wav", label, ii),
				Path:  fmt.Sprintf("c%d/%d.npz", label, ii),
				Class: fmt.Sprintf("c%d", label),
				Label: label,
			})
		}
	}
	return entries
}

func TestPartition(t *testing.T) {
	entries := makeEntries(10, 20, 1, 2)
	parts := Partition(entries, 0.1, 0.2, true, 42)

	var all []int
	for _, subset := range Subsets {
		all = append(all, parts[subset]...)
	}
	slices.Sort(all)
	require.Len(t, all, len(entries))
	for ii := range all {
		require.Equal(t, ii, all[ii], "every entry must be in exactly one subset")
	}

	countLabel := func(subset Subset, label int) (count int) {
		for _, idx := range parts[subset] {
			if entries[idx].Label == label {
				count++
			}
		}
		return
	}
	assert.Equal(t, 1, countLabel(Test, 0))
	assert.Equal(t, 2, countLabel(Validation, 0))
	assert.Equal(t, 7, countLabel(Train, 0))
	assert.Equal(t, 2, countLabel(Test, 1))
	assert.Equal(t, 4, countLabel(Validation, 1))
	// Classes too small to split go to training.
	assert.Equal(t, 1, countLabel(Train, 2))
	assert.Equal(t, 2, countLabel(Train, 3))

	// Deterministic for a seed.
	assert.Equal(t, parts, Partition(entries, 0.1, 0.2, true, 42))
}

func TestPartitionMinimumPerSubset(t *testing.T) {
	parts := Partition(makeEntries(3), 0.01, 0.01, true, 1)
	assert.Len(t, parts[Test], 1)
	assert.Len(t, parts[Validation], 1)
	assert.Len(t, parts[Train], 1)

	parts = Partition(makeEntries(5, 5), 0.2, 0.2, false, 1)
	assert.Len(t, parts[Test], 2)
	assert.Len(t, parts[Validation], 2)
	assert.Len(t, parts[Train], 6)
}

func TestPartitionValidationFromRemainder(t *testing.T) {
	parts := Partition(makeEntries(100), 0.2, 0.25, true, 3)
	assert.Len(t, parts[Test], 20)
	assert.Len(t, parts[Validation], 20, "validation is a fraction of the examples left after test")
	assert.Len(t, parts[Train], 60)
}

// writeFeatures stores synthetic features for the given number of files per class, where every frame value
// of a file is its label, and the number of frames varies.
func writeFeatures(t *testing.T, dir string, settings config.Features, perClass ...int) *features.Index {
	index := &features.Index{Settings: settings}
	for label, n := range perClass {
		class := fmt.Sprintf("class%d", label)
		index.Classes = append(index.Classes, class)
		for ii := range n {
			frames := 3 + ii%4
			f := &features.Features{}
			for range frames {
				specRow := make([]float32, settings.MelBins)
				mfccRow := make([]float32, settings.MFCCCoefficients)
				for jj := range specRow {
					specRow[jj] = float32(label + 1)
				}
				for jj := range mfccRow {
					mfccRow[jj] = -float32(label + 1)
				}
				f.Spec = append(f.Spec, specRow)
				f.MFCC = append(f.MFCC, mfccRow)
			}
			entry := features.Entry{
				Audio:  filepath.Join(class, fmt.Sprintf("%d.wav", ii)),
				Path:   filepath.Join(class, fmt.Sprintf("%d.npz", ii)),
				Class:  class,
				Label:  label,
				Frames: frames,
			}
			_, err := features.Save(filepath.Join(dir, entry.Path), f)
			require.NoError(t, err)
			index.Entries = append(index.Entries, entry)
		}
	}
	require.NoError(t, index.Save(dir))
	return index
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Paths.FeaturesDir = t.TempDir()
	cfg.Paths.DatasetDir = t.TempDir()
	cfg.Features.MelBins = 8
	cfg.Features.MFCCCoefficients = 4
	cfg.Dataset.TestSize = 0.2
	cfg.Dataset.ValidationSize = 0.2
	return cfg
}

func TestSplitAndRead(t *testing.T) {
	cfg := testConfig(t)
	writeFeatures(t, cfg.Paths.FeaturesDir, cfg.Features, 5, 10)

	meta, err := Split(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"class0", "class1"}, meta.Classes)
	assert.Equal(t, 6, meta.Frames) // Longest file.
	assert.Equal(t, 15, meta.Counts[Train]+meta.Counts[Test]+meta.Counts[Validation])
	assert.Equal(t, 3, meta.Counts[Test])

	data, err := Read(cfg.Paths.DatasetDir, ChoiceSpec)
	require.NoError(t, err)
	assert.Equal(t, 2, data.NumClasses())
	assert.Equal(t, []int{6, 8, 1}, data.InputShape())
	assert.Equal(t, []int{meta.Counts[Train], 6, 8, 1}, data.XTrain.Shape().Dimensions)
	assert.Equal(t, []int{meta.Counts[Test], 1}, data.YTest.Shape().Dimensions)
	assert.Equal(t, []int{meta.Counts[Validation], 6, 8, 1}, data.XVal.Shape().Dimensions)

	// Values match the labels, and shorter files are zero padded.
	x := tensors.MustCopyFlatData[float32](data.XTrain)
	y := tensors.MustCopyFlatData[int64](data.YTrain)
	const exampleSize = 6 * 8
	for ii, label := range y {
		example := x[ii*exampleSize : (ii+1)*exampleSize]
		assert.Equal(t, float32(label+1), example[0])
		assert.Contains(t, []float32{0, float32(label + 1)}, example[exampleSize-1])
	}

	data, err = Read(cfg.Paths.DatasetDir, ChoiceMFCC)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, data.InputShape())

	_, err = Read(cfg.Paths.DatasetDir, "waveform")
	require.ErrorContains(t, err, "invalid dataset choice")
}

func TestSplitTruncates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dataset.Frames = 2
	writeFeatures(t, cfg.Paths.FeaturesDir, cfg.Features, 4, 4)
	meta, err := Split(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Frames)

	data, err := Read(cfg.Paths.DatasetDir, ChoiceMFCC)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, data.InputShape())
	for _, v := range tensors.MustCopyFlatData[float32](data.XTest) {
		assert.NotZero(t, v)
	}
}

func TestSplitErrors(t *testing.T) {
	cfg := testConfig(t)
	_, err := Split(cfg)
	require.Error(t, err, "no index")

	writeFeatures(t, cfg.Paths.FeaturesDir, cfg.Features, 1, 1)
	_, err = Split(cfg)
	require.ErrorContains(t, err, "subset is empty")

	_, err = Read(t.TempDir(), ChoiceSpec)
	require.Error(t, err)
}

func TestDatasets(t *testing.T) {
	cfg := testConfig(t)
	writeFeatures(t, cfg.Paths.FeaturesDir, cfg.Features, 6, 6)
	_, err := Split(cfg)
	require.NoError(t, err)
	data, err := Read(cfg.Paths.DatasetDir, ChoiceSpec)
	require.NoError(t, err)

	backend := graphtest.BuildTestBackend()
	ds, err := data.Datasets(backend, 2, 0, 7)
	require.NoError(t, err)
	_, inputs, labels, err := ds.Train.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	assert.Equal(t, []int{2, 6, 8, 1}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, data.XTest.Shape().Dimensions[0], ds.Test.NumExamples())

	_, err = data.Datasets(backend, 0, 0, 0)
	require.Error(t, err)
}
