package dataset

import (
	"path/filepath"
	"slices"

	"github.com/gomlx/audioclassifier/pkg/features"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// Feature choices accepted by Read.
const (
	ChoiceSpec = features.SpecKey
	ChoiceMFCC = features.MFCCKey
)

// Choices lists the valid feature choices.
var Choices = []string{ChoiceSpec, ChoiceMFCC}

// Data holds the split dataset for one feature choice, as tensors.
//
// Inputs are float32, shaped [N, frames, mel_bins, 1] for "spec" and [N, frames, mfcc_coefficients] for "mfcc".
// Labels are the class ids, int64 shaped [N, 1].
type Data struct {
	Choice   string
	Metadata *Metadata

	XTrain, XTest, XVal *tensors.Tensor
	YTrain, YTest, YVal *tensors.Tensor
}

// Read loads the dataset stored in dir by Split, for the features given by choice ("spec" or "mfcc").
func Read(dir, choice string) (*Data, error) {
	if !slices.Contains(Choices, choice) {
		return nil, errors.Errorf("invalid dataset choice %q, valid values are %v", choice, Choices)
	}
	meta, err := LoadMetadata(dir)
	if err != nil {
		return nil, err
	}
	data := &Data{Choice: choice, Metadata: meta}
	targets := map[Subset][2]**tensors.Tensor{
		Train:      {&data.XTrain, &data.YTrain},
		Test:       {&data.XTest, &data.YTest},
		Validation: {&data.XVal, &data.YVal},
	}
	for _, subset := range Subsets {
		path := filepath.Join(dir, subset.FileName())
		x, y, err := readSubset(path, choice)
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading %s subset", subset)
		}
		*targets[subset][0], *targets[subset][1] = x, y
	}
	return data, nil
}

func readSubset(path, choice string) (x, y *tensors.Tensor, err error) {
	arrays, err := numpy.FromNpzFile(path)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to read %q", path)
	}
	inputs, found := arrays[choice]
	if !found {
		return nil, nil, errors.Errorf("%q has no %q array", path, choice)
	}
	labels, found := arrays[LabelsKey]
	if !found {
		return nil, nil, errors.Errorf("%q has no %q array", path, LabelsKey)
	}
	dims := inputs.Shape().Dimensions
	if len(dims) != 3 {
		return nil, nil, errors.Errorf("%q array %q should be shaped [examples, frames, values], got %s",
			path, choice, inputs.Shape())
	}
	numExamples := dims[0]
	if labels.Shape().Rank() != 1 || labels.Shape().Dimensions[0] != numExamples {
		return nil, nil, errors.Errorf("%q has %d examples, but labels are shaped %s", path, numExamples, labels.Shape())
	}

	flat := tensors.MustCopyFlatData[float32](inputs)
	if choice == ChoiceSpec {
		// The convolutional model takes the spectrogram as a single channel image.
		x = tensors.FromFlatDataAndDimensions(flat, numExamples, dims[1], dims[2], 1)
	} else {
		x = tensors.FromFlatDataAndDimensions(flat, dims...)
	}
	y = tensors.FromFlatDataAndDimensions(tensors.MustCopyFlatData[int64](labels), numExamples, 1)
	return x, y, nil
}

// NumClasses in the dataset.
func (d *Data) NumClasses() int { return len(d.Metadata.Classes) }

// Classes names, indexed by label.
func (d *Data) Classes() []string { return d.Metadata.Classes }

// InputShape returns the dimensions of one example, without the batch axis.
func (d *Data) InputShape() []int {
	return slices.Clone(d.XTrain.Shape().Dimensions[1:])
}

// Datasets holds the datasets used for training and evaluation.
type Datasets struct {
	// Train is shuffled and batched, it goes once over the training examples per epoch.
	Train *datasets.InMemoryDataset

	// TrainEval, Validation and Test go once over their examples.
	TrainEval, Validation, Test *datasets.InMemoryDataset
}

// Datasets creates the in-memory datasets used for training and evaluation.
// If seed != 0 the training examples are shuffled with a fixed seed.
func (d *Data) Datasets(backend backends.Backend, batchSize, evalBatchSize int, seed int64) (*Datasets, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	baseTrain, err := datasets.InMemoryFromData(backend, "Training", []any{d.XTrain}, []any{d.YTrain})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create training dataset")
	}
	baseVal, err := datasets.InMemoryFromData(backend, "Validation", []any{d.XVal}, []any{d.YVal})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create validation dataset")
	}
	baseTest, err := datasets.InMemoryFromData(backend, "Test", []any{d.XTest}, []any{d.YTest})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create test dataset")
	}
	ds := &Datasets{
		Train:      baseTrain.Copy().BatchSize(batchSize, false).Shuffle(),
		TrainEval:  baseTrain.BatchSize(evalBatchSize, false),
		Validation: baseVal.BatchSize(evalBatchSize, false),
		Test:       baseTest.BatchSize(evalBatchSize, false),
	}
	if seed != 0 {
		ds.Train.WithRand(newRand(seed))
	}
	return ds, nil
}
