// Package classifier classifies audio files with a trained model.
//
// The model type, its hyperparameters, the feature extraction settings and the class names are all read
// from the checkpoint, so New only needs the directory where the weights were saved.
package classifier

import (
	"slices"

	"github.com/gomlx/audioclassifier/pkg/dataset"
	"github.com/gomlx/audioclassifier/pkg/features"
	"github.com/gomlx/audioclassifier/pkg/models"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// Classifier holds a trained model compiled for inference.
//
// It is not safe for concurrent use, since it reuses the feature extractor.
type Classifier struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec

	params    models.DataParams
	extractor *features.Extractor
}

// Prediction for one audio file.
type Prediction struct {
	Path    string
	ClassID int
	Class   string

	// Probabilities of each class, indexed by class id.
	Probabilities []float32
}

// New loads the model saved in checkpointDir. It uses the default backend if backend is nil.
func New(checkpointDir string, backend backends.Backend) (c *Classifier, err error) {
	c = &Classifier{backend: backend, ctx: context.New()}
	_, err = checkpoints.Load(c.ctx).Dir(checkpointDir).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse()

	c.params, err = models.DataParamsFromContext(c.ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", checkpointDir)
	}
	if len(c.params.InputShape) < 2 {
		return nil, errors.Errorf("checkpoint %q has an invalid input shape %v", checkpointDir, c.params.InputShape)
	}
	c.extractor, err = features.NewExtractor(c.params.Features)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", checkpointDir)
	}
	modelFn, err := models.SelectModelFn(c.ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot build model from checkpoint %q", checkpointDir)
	}

	err = exceptions.TryCatch[error](func() {
		if c.backend == nil {
			c.backend = backends.MustNew()
		}
	})
	if err != nil {
		return nil, err
	}
	c.exec, err = context.NewExec(c.backend, c.ctx.In("model"), func(ctx *context.Context, x *graph.Node) *graph.Node {
		logits := modelFn(ctx, nil, []*graph.Node{x})[0]
		return graph.Softmax(logits)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the model executor")
	}
	return c, nil
}

// Classes returns the names of the classes, indexed by class id.
func (c *Classifier) Classes() []string { return slices.Clone(c.params.Classes) }

// Feature returns the feature choice of the model, "spec" or "mfcc".
func (c *Classifier) Feature() string { return c.params.Feature }

// ClassifyFile extracts the features of the WAV file at path and classifies it.
func (c *Classifier) ClassifyFile(path string) (*Prediction, error) {
	samples, err := features.Decode(path, c.params.Features.SampleRate, c.params.Features.MaxDuration)
	if err != nil {
		return nil, err
	}
	input, err := c.Input(samples)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", path)
	}
	probs, err := c.exec.Exec1(input)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to classify %q", path)
	}
	prediction := &Prediction{Path: path, Probabilities: tensors.MustCopyFlatData[float32](probs)}
	probs.MustFinalizeAll()
	for ii, p := range prediction.Probabilities {
		if p > prediction.Probabilities[prediction.ClassID] {
			prediction.ClassID = ii
		}
	}
	prediction.Class = c.params.Classes[prediction.ClassID]
	return prediction, nil
}

// Input converts samples (mono, at the model sample rate) to the input of the model: a batch of one
// example with the number of frames the model was trained with.
func (c *Classifier) Input(samples []float64) (*tensors.Tensor, error) {
	var m [][]float32
	switch c.params.Feature {
	case dataset.ChoiceSpec:
		m = c.extractor.Spectrogram(samples)
	case dataset.ChoiceMFCC:
		m = c.extractor.MFCC(samples)
	default:
		return nil, errors.Errorf("unknown feature %q", c.params.Feature)
	}
	frames, width := c.params.InputShape[0], c.params.InputShape[1]
	flat := make([]float32, frames*width)
	if err := dataset.CopyFixedFrames(flat, m, width); err != nil {
		return nil, err
	}
	dims := append([]int{1}, c.params.InputShape...)
	return tensors.FromFlatDataAndDimensions(flat, dims...), nil
}
