package models

import (
	"slices"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/pkg/errors"
)

// Context parameters of the LSTM model.
const (
	ParamLSTMUnits         = "lstm_units"
	ParamLSTMDropout       = "lstm_dropout"
	ParamLSTMBidirectional = "lstm_bidirectional"
	ParamLSTMDenseUnits    = "lstm_dense_units"
)

// LSTMSpec describes the recurrent model.
type LSTMSpec struct {
	// Units of each stacked LSTM layer. All but the last one feed their full sequence to the next layer.
	Units []int `json:"units"`

	// Dropout applied to the output of every LSTM layer (and of the hidden dense layer).
	Dropout       float64 `json:"dropout"`
	Bidirectional bool    `json:"bidirectional"`

	// DenseUnits of the hidden dense layer before the output, 0 disables it.
	DenseUnits int `json:"dense_units"`
}

// LSTMSpecFromConfig creates the model description from the lstm configuration section.
func LSTMSpecFromConfig(cfg config.LSTM) *LSTMSpec {
	return &LSTMSpec{
		Units:         slices.Clone(cfg.Units),
		Dropout:       cfg.Dropout,
		Bidirectional: cfg.Bidirectional,
		DenseUnits:    cfg.DenseUnits,
	}
}

// Validate the description.
func (spec *LSTMSpec) Validate() error {
	if len(spec.Units) == 0 {
		return errors.New("LSTM model must have at least one layer")
	}
	for _, units := range spec.Units {
		if units <= 0 {
			return errors.Errorf("LSTM units must be > 0, got %v", spec.Units)
		}
	}
	if spec.Dropout < 0 || spec.Dropout >= 1 {
		return errors.Errorf("LSTM dropout must be in [0, 1), got %g", spec.Dropout)
	}
	if spec.DenseUnits < 0 {
		return errors.Errorf("LSTM dense_units must be >= 0, got %d", spec.DenseUnits)
	}
	return nil
}

// SetParams stores the LSTM description in the context, and sets the model type to LSTM.
func (spec *LSTMSpec) SetParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamModel:             LSTM,
		ParamLSTMUnits:         slices.Clone(spec.Units),
		ParamLSTMDropout:       spec.Dropout,
		ParamLSTMBidirectional: spec.Bidirectional,
		ParamLSTMDenseUnits:    spec.DenseUnits,
	})
}

// LSTMSpecFromContext rebuilds the description stored with LSTMSpec.SetParams.
func LSTMSpecFromContext(ctx *context.Context) (*LSTMSpec, error) {
	spec := &LSTMSpec{
		Units:         context.GetParamOr(ctx, ParamLSTMUnits, []int(nil)),
		Dropout:       context.GetParamOr(ctx, ParamLSTMDropout, 0.0),
		Bidirectional: context.GetParamOr(ctx, ParamLSTMBidirectional, false),
		DenseUnits:    context.GetParamOr(ctx, ParamLSTMDenseUnits, 0),
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// LSTMModelGraph implements train.ModelFn and returns the logits, given the MFCCs shaped
// [batchSize, frames, coefficients].
func LSTMModelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	spec, err := LSTMSpecFromContext(ctx)
	if err != nil {
		panic(err)
	}
	x := inputs[0]
	g := x.Graph()
	dtype := x.DType()
	if x.Rank() != 3 {
		exceptions.Panicf("LSTM model expects inputs shaped [batch, frames, coefficients], got %s", x.Shape())
	}
	batchSize, seqLen := x.Shape().Dimensions[0], x.Shape().Dimensions[1]
	direction := lstm.DirForward
	if spec.Bidirectional {
		direction = lstm.DirBidirectional
	}

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	dropout := func(x *graph.Node) *graph.Node {
		if spec.Dropout <= 0 {
			return x
		}
		return layers.DropoutNormalize(nextCtx("dropout"), x, graph.Scalar(g, dtype, spec.Dropout), true)
	}

	for ii, units := range spec.Units {
		layer := lstm.New(nextCtx("lstm"), x, units).Direction(direction)
		numDirections := layer.NumDirections()
		allHidden, lastHidden, _ := layer.Done()
		if ii < len(spec.Units)-1 {
			// [seq, directions, batch, units] -> [batch, seq, directions*units]
			x = graph.TransposeAllDims(allHidden, 2, 0, 1, 3)
			x = graph.Reshape(x, batchSize, seqLen, numDirections*units)
		} else {
			// [directions, batch, units] -> [batch, directions*units]
			x = graph.TransposeAllDims(lastHidden, 1, 0, 2)
			x = graph.Reshape(x, batchSize, numDirections*units)
		}
		x = dropout(x)
	}

	if spec.DenseUnits > 0 {
		x = layers.Dense(nextCtx("dense"), x, true, spec.DenseUnits)
		x = activations.Relu(x)
		x = dropout(x)
	}
	logits := layers.Dense(nextCtx("dense"), x, true, numClasses(ctx))
	return []*graph.Node{logits}
}
