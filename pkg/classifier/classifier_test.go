package classifier

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/audioclassifier/pkg/dataset"
	"github.com/gomlx/audioclassifier/pkg/features"
	"github.com/gomlx/audioclassifier/pkg/models"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFeatures = config.Features{
	SampleRate:       8000,
	WindowSize:       256,
	HopSize:          128,
	MelBins:          16,
	MFCCCoefficients: 8,
	MaxFrequency:     4000,
	MaxDuration:      2 * time.Second,
}

const testFrames = 20

// saveUntrainedModel initializes a model with random weights and saves it as a checkpoint in dir.
func saveUntrainedModel(t *testing.T, dir, feature string) {
	ctx := context.New()
	backend := graphtest.BuildTestBackend()
	var inputShape []int
	switch feature {
	case dataset.ChoiceSpec:
		inputShape = []int{testFrames, testFeatures.MelBins, 1}
		ctx.SetParam(models.ParamModel, models.CNN)
		spec := &models.CNNSpec{
			Layers: []models.ConvLayer{{Filters: 2, KernelSize: []int{3, 3}, PoolSize: []int{2, 2}, Padding: models.PadSame}},
		}
		require.NoError(t, spec.Normalize())
		spec.DenseUnits = 4
		spec.SetParams(ctx)
	case dataset.ChoiceMFCC:
		inputShape = []int{testFrames, testFeatures.MFCCCoefficients}
		ctx.SetParam(models.ParamModel, models.LSTM)
		(&models.LSTMSpec{Units: []int{4}}).SetParams(ctx)
	}
	models.SetDataParams(ctx, models.DataParams{
		Feature:    feature,
		Classes:    []string{"cat", "dog", "bird"},
		InputShape: inputShape,
		Features:   testFeatures,
	})
	modelFn, err := models.SelectModelFn(ctx)
	require.NoError(t, err)
	numValues := 1
	for _, dim := range inputShape {
		numValues *= dim
	}
	x := tensors.FromFlatDataAndDimensions(make([]float32, numValues), append([]int{1}, inputShape...)...)
	_ = context.MustExecOnce(backend, ctx.In("model"), func(ctx *context.Context, x *graph.Node) *graph.Node {
		return modelFn(ctx, nil, []*graph.Node{x})[0]
	}, x)
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
}

func writeTone(t *testing.T, path string, freq float64, duration time.Duration) {
	n := int(duration.Seconds() * float64(testFeatures.SampleRate))
	samples := make([]float64, n)
	for ii := range samples {
		samples[ii] = 0.5 * math.Sin(2*math.Pi*freq*float64(ii)/float64(testFeatures.SampleRate))
	}
	require.NoError(t, features.WriteMono(path, samples, testFeatures.SampleRate))
}

func TestClassifyFile(t *testing.T) {
	for _, feature := range dataset.Choices {
		t.Run(feature, func(t *testing.T) {
			dir := t.TempDir()
			checkpointDir := filepath.Join(dir, "weights")
			saveUntrainedModel(t, checkpointDir, feature)

			c, err := New(checkpointDir, graphtest.BuildTestBackend())
			require.NoError(t, err)
			assert.Equal(t, []string{"cat", "dog", "bird"}, c.Classes())
			assert.Equal(t, feature, c.Feature())

			// One short file (padded) and one long file (truncated).
			for _, duration := range []time.Duration{300 * time.Millisecond, 3 * time.Second} {
				wavPath := filepath.Join(dir, "tone.wav")
				writeTone(t, wavPath, 440, duration)
				prediction, err := c.ClassifyFile(wavPath)
				require.NoError(t, err)
				require.Len(t, prediction.Probabilities, 3)
				var sum float32
				for _, p := range prediction.Probabilities {
					assert.GreaterOrEqual(t, p, float32(0))
					assert.GreaterOrEqual(t, prediction.Probabilities[prediction.ClassID], p)
					sum += p
				}
				assert.InDelta(t, 1.0, sum, 1e-4)
				assert.Equal(t, c.Classes()[prediction.ClassID], prediction.Class)
				assert.Equal(t, wavPath, prediction.Path)
			}
		})
	}
}

func TestInputShape(t *testing.T) {
	dir := t.TempDir()
	saveUntrainedModel(t, dir, dataset.ChoiceSpec)
	c, err := New(dir, graphtest.BuildTestBackend())
	require.NoError(t, err)
	numSamples := testFeatures.SampleRate / 10
	input, err := c.Input(make([]float64, numSamples))
	require.NoError(t, err)
	assert.Equal(t, []int{1, testFrames, testFeatures.MelBins, 1}, input.Shape().Dimensions)

	// Missing frames are zeros.
	flat := tensors.MustCopyFlatData[float32](input)
	numFrames := c.extractor.NumFrames(numSamples)
	require.Less(t, numFrames, testFrames)
	for _, v := range flat[numFrames*testFeatures.MelBins:] {
		require.Equal(t, float32(0), v)
	}
}

func TestNewErrors(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), graphtest.BuildTestBackend())
	require.Error(t, err)

	// A checkpoint without the data parameters.
	dir := t.TempDir()
	ctx := context.New()
	ctx.SetParam(models.ParamModel, models.CNN)
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())
	_, err = New(dir, graphtest.BuildTestBackend())
	require.Error(t, err)
}
