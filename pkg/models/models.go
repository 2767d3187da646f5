// Package models builds the audio classification models (a CNN over spectrograms and an LSTM over MFCCs).
//
// All hyperparameters are stored as context parameters, so a checkpoint holds everything needed to rebuild
// the model it was trained with.
package models

import (
	"slices"
	"time"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Context parameters shared by all models.
const (
	// ParamModel selects the model type, one of ValidModels.
	ParamModel = "model"

	// ParamModelID identifies the trained model, and names its log directory.
	ParamModelID = "model_id"

	// ParamFeature is the feature choice the model was trained on, "spec" or "mfcc".
	ParamFeature = "feature"

	ParamNumClasses = "num_classes"
	ParamClassNames = "class_names"

	// ParamInputShape is the shape of one example, without the batch axis.
	ParamInputShape = "input_shape"

	ParamSampleRate       = "features_sample_rate"
	ParamWindowSize       = "features_window_size"
	ParamHopSize          = "features_hop_size"
	ParamMelBins          = "features_mel_bins"
	ParamMFCCCoefficients = "features_mfcc_coefficients"
	ParamMinFrequency     = "features_min_frequency"
	ParamMaxFrequency     = "features_max_frequency"
	ParamMaxDurationMs    = "features_max_duration_ms"
)

// Model types.
const (
	CNN  = "cnn"
	LSTM = "lstm"
)

// ValidModels is the list of model types supported.
var ValidModels = []string{CNN, LSTM}

// Models maps the model type to its graph building function.
var Models = map[string]train.ModelFn{
	CNN:  CNNModelGraph,
	LSTM: LSTMModelGraph,
}

// SelectModelFn based on hyperparameter "model" in the context.
func SelectModelFn(ctx *context.Context) (train.ModelFn, error) {
	modelType := context.GetParamOr(ctx, ParamModel, "")
	modelFn, found := Models[modelType]
	if !found {
		return nil, errors.Errorf("parameter %q must take one value from %v, got %q", ParamModel, ValidModels, modelType)
	}
	return modelFn, nil
}

// DataParams describes the data a model is trained on.
type DataParams struct {
	Feature    string
	Classes    []string
	InputShape []int
	Features   config.Features
}

// SetDataParams stores in the context the description of the data the model is trained on.
func SetDataParams(ctx *context.Context, p DataParams) {
	f := p.Features
	ctx.SetParams(map[string]any{
		ParamFeature:          p.Feature,
		ParamNumClasses:       len(p.Classes),
		ParamClassNames:       slices.Clone(p.Classes),
		ParamInputShape:       slices.Clone(p.InputShape),
		ParamSampleRate:       f.SampleRate,
		ParamWindowSize:       f.WindowSize,
		ParamHopSize:          f.HopSize,
		ParamMelBins:          f.MelBins,
		ParamMFCCCoefficients: f.MFCCCoefficients,
		ParamMinFrequency:     f.MinFrequency,
		ParamMaxFrequency:     f.MaxFrequency,
		ParamMaxDurationMs:    int(f.MaxDuration.Milliseconds()),
	})
}

// DataParamsFromContext reads the parameters set with SetDataParams.
func DataParamsFromContext(ctx *context.Context) (DataParams, error) {
	p := DataParams{
		Feature:    context.GetParamOr(ctx, ParamFeature, ""),
		Classes:    context.GetParamOr(ctx, ParamClassNames, []string(nil)),
		InputShape: context.GetParamOr(ctx, ParamInputShape, []int(nil)),
		Features: config.Features{
			SampleRate:       context.GetParamOr(ctx, ParamSampleRate, 0),
			WindowSize:       context.GetParamOr(ctx, ParamWindowSize, 0),
			HopSize:          context.GetParamOr(ctx, ParamHopSize, 0),
			MelBins:          context.GetParamOr(ctx, ParamMelBins, 0),
			MFCCCoefficients: context.GetParamOr(ctx, ParamMFCCCoefficients, 0),
			MinFrequency:     context.GetParamOr(ctx, ParamMinFrequency, 0.0),
			MaxFrequency:     context.GetParamOr(ctx, ParamMaxFrequency, 0.0),
		},
	}
	p.Features.MaxDuration = time.Duration(context.GetParamOr(ctx, ParamMaxDurationMs, 0)) * time.Millisecond
	if p.Feature == "" || len(p.Classes) == 0 || len(p.InputShape) == 0 {
		return p, errors.Errorf("context is missing the data parameters (%q, %q, %q)",
			ParamFeature, ParamClassNames, ParamInputShape)
	}
	return p, nil
}

// numClasses returns the number of classes the model outputs, it panics if not set.
func numClasses(ctx *context.Context) int {
	n := context.GetParamOr(ctx, ParamNumClasses, 0)
	if n <= 0 {
		exceptions.Panicf("parameter %q must be set to a value > 0, got %d", ParamNumClasses, n)
	}
	return n
}
