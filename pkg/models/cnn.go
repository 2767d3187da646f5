package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Padding values of a convolution layer.
const (
	PadSame  = "same"
	PadValid = "valid"
)

// Context parameters of the CNN model. Per-layer values are stored as lists, with the kernel and pool
// sizes flattened (two values per layer).
const (
	ParamCNNFilters      = "cnn_filters"
	ParamCNNKernelSizes  = "cnn_kernel_sizes"
	ParamCNNPoolSizes    = "cnn_pool_sizes"
	ParamCNNPaddings     = "cnn_paddings"
	ParamCNNDropouts     = "cnn_dropouts"
	ParamCNNDenseUnits   = "cnn_dense_units"
	ParamCNNDenseDropout = "cnn_dense_dropout"
)

// Defaults of the CNN head.
const (
	DefaultDenseUnits   = 512
	DefaultDenseDropout = 0.5
)

// ConvLayer is one block of the CNN: a convolution, followed by a ReLU, a max-pooling and
// optionally a dropout.
type ConvLayer struct {
	Filters    int     `json:"filters" yaml:"filters"`
	KernelSize []int   `json:"kernel_size" yaml:"kernel_size"`
	PoolSize   []int   `json:"pool_size" yaml:"pool_size"`
	Padding    string  `json:"padding" yaml:"padding"`
	Dropout    float64 `json:"dropout" yaml:"dropout"`
}

// CNNSpec describes the CNN model.
type CNNSpec struct {
	// ID of the model, it names the log directory of the training. Optional.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	Layers       []ConvLayer `json:"layers" yaml:"layers"`
	DenseUnits   int         `json:"dense_units" yaml:"dense_units"`
	DenseDropout float64     `json:"dense_dropout" yaml:"dense_dropout"`
}

// rawCNNSpec is the on-disk format: ID may be a number, and layers may be given as a list
// or keyed as "layer1", "layer2", etc.
type rawCNNSpec struct {
	ID           any         `json:"id" yaml:"id"`
	Layers       []ConvLayer `json:"layers" yaml:"layers"`
	DenseUnits   *int        `json:"dense_units" yaml:"dense_units"`
	DenseDropout *float64    `json:"dense_dropout" yaml:"dense_dropout"`
}

var layerKeyRegexp = regexp.MustCompile(`^layer(\d+)$`)

// LoadCNNSpec reads the description of the CNN from a .json or .yaml file.
func LoadCNNSpec(path string) (*CNNSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model file %q", path)
	}
	var marshal func(any) ([]byte, error)
	var unmarshal func([]byte, any) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		marshal, unmarshal = json.Marshal, json.Unmarshal
	default:
		marshal, unmarshal = yaml.Marshal, yaml.Unmarshal
	}
	spec, err := parseCNNSpec(data, marshal, unmarshal)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid model file %q", path)
	}
	return spec, nil
}

// ParseCNNSpec parses a YAML or JSON description of the CNN.
func ParseCNNSpec(data []byte) (*CNNSpec, error) {
	return parseCNNSpec(data, yaml.Marshal, yaml.Unmarshal)
}

func parseCNNSpec(data []byte, marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) (*CNNSpec, error) {
	var raw rawCNNSpec
	if err := unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse model description")
	}
	spec := &CNNSpec{
		Layers:       raw.Layers,
		DenseUnits:   DefaultDenseUnits,
		DenseDropout: DefaultDenseDropout,
	}
	if raw.ID != nil {
		spec.ID = fmt.Sprint(raw.ID)
	}
	if raw.DenseUnits != nil {
		spec.DenseUnits = *raw.DenseUnits
	}
	if raw.DenseDropout != nil {
		spec.DenseDropout = *raw.DenseDropout
	}

	if len(spec.Layers) == 0 {
		var keyed map[string]any
		if err := unmarshal(data, &keyed); err != nil {
			return nil, errors.Wrap(err, "failed to parse model description")
		}
		type numberedLayer struct {
			n     int
			layer ConvLayer
		}
		var numbered []numberedLayer
		for key, value := range keyed {
			matches := layerKeyRegexp.FindStringSubmatch(key)
			if matches == nil {
				continue
			}
			n, _ := strconv.Atoi(matches[1])
			encoded, err := marshal(value)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to re-encode %q", key)
			}
			var layer ConvLayer
			if err := unmarshal(encoded, &layer); err != nil {
				return nil, errors.Wrapf(err, "failed to parse %q", key)
			}
			numbered = append(numbered, numberedLayer{n: n, layer: layer})
		}
		slices.SortFunc(numbered, func(a, b numberedLayer) int { return a.n - b.n })
		for _, nl := range numbered {
			spec.Layers = append(spec.Layers, nl.layer)
		}
	}
	if err := spec.Normalize(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Normalize fills in defaults (square kernel and pool sizes given as one value, pool size 2x2,
// "valid" padding) and validates the description.
func (spec *CNNSpec) Normalize() error {
	if len(spec.Layers) == 0 {
		return errors.New("CNN model must have at least one convolution layer")
	}
	for ii := range spec.Layers {
		l := &spec.Layers[ii]
		if l.Filters <= 0 {
			return errors.Errorf("layer #%d: filters must be > 0, got %d", ii+1, l.Filters)
		}
		var err error
		if l.KernelSize, err = pair(l.KernelSize, nil); err != nil {
			return errors.WithMessagef(err, "layer #%d: kernel_size", ii+1)
		}
		if l.PoolSize, err = pair(l.PoolSize, []int{2, 2}); err != nil {
			return errors.WithMessagef(err, "layer #%d: pool_size", ii+1)
		}
		l.Padding = strings.ToLower(l.Padding)
		if l.Padding == "" {
			l.Padding = PadValid
		}
		if l.Padding != PadSame && l.Padding != PadValid {
			return errors.Errorf("layer #%d: padding must be %q or %q, got %q", ii+1, PadSame, PadValid, l.Padding)
		}
		if l.Dropout < 0 || l.Dropout >= 1 {
			return errors.Errorf("layer #%d: dropout must be in [0, 1), got %g", ii+1, l.Dropout)
		}
	}
	if spec.DenseUnits <= 0 {
		return errors.Errorf("dense_units must be > 0, got %d", spec.DenseUnits)
	}
	if spec.DenseDropout < 0 || spec.DenseDropout >= 1 {
		return errors.Errorf("dense_dropout must be in [0, 1), got %g", spec.DenseDropout)
	}
	return nil
}

// pair returns a 2D size from one or two positive values, or defaultValue if sizes is empty.
func pair(sizes, defaultValue []int) ([]int, error) {
	switch len(sizes) {
	case 0:
		if defaultValue == nil {
			return nil, errors.New("missing value")
		}
		return slices.Clone(defaultValue), nil
	case 1:
		sizes = []int{sizes[0], sizes[0]}
	case 2:
	default:
		return nil, errors.Errorf("expected 1 or 2 values, got %v", sizes)
	}
	if sizes[0] <= 0 || sizes[1] <= 0 {
		return nil, errors.Errorf("values must be > 0, got %v", sizes)
	}
	return sizes, nil
}

// SetParams stores the CNN description in the context, and sets the model type to CNN.
func (spec *CNNSpec) SetParams(ctx *context.Context) {
	n := len(spec.Layers)
	filters := make([]int, 0, n)
	kernels := make([]int, 0, 2*n)
	pools := make([]int, 0, 2*n)
	paddings := make([]string, 0, n)
	dropouts := make([]float64, 0, n)
	for _, l := range spec.Layers {
		filters = append(filters, l.Filters)
		kernels = append(kernels, l.KernelSize...)
		pools = append(pools, l.PoolSize...)
		paddings = append(paddings, l.Padding)
		dropouts = append(dropouts, l.Dropout)
	}
	ctx.SetParams(map[string]any{
		ParamModel:           CNN,
		ParamCNNFilters:      filters,
		ParamCNNKernelSizes:  kernels,
		ParamCNNPoolSizes:    pools,
		ParamCNNPaddings:     paddings,
		ParamCNNDropouts:     dropouts,
		ParamCNNDenseUnits:   spec.DenseUnits,
		ParamCNNDenseDropout: spec.DenseDropout,
	})
}

// CNNSpecFromContext rebuilds the CNN description stored with CNNSpec.SetParams.
func CNNSpecFromContext(ctx *context.Context) (*CNNSpec, error) {
	filters := context.GetParamOr(ctx, ParamCNNFilters, []int(nil))
	kernels := context.GetParamOr(ctx, ParamCNNKernelSizes, []int(nil))
	pools := context.GetParamOr(ctx, ParamCNNPoolSizes, []int(nil))
	paddings := context.GetParamOr(ctx, ParamCNNPaddings, []string(nil))
	dropouts := context.GetParamOr(ctx, ParamCNNDropouts, []float64(nil))
	n := len(filters)
	if n == 0 || len(kernels) != 2*n || len(pools) != 2*n || len(paddings) != n || len(dropouts) != n {
		return nil, errors.Errorf("inconsistent CNN parameters in context: %d filters, %d kernel sizes, "+
			"%d pool sizes, %d paddings and %d dropouts", n, len(kernels), len(pools), len(paddings), len(dropouts))
	}
	spec := &CNNSpec{
		DenseUnits:   context.GetParamOr(ctx, ParamCNNDenseUnits, DefaultDenseUnits),
		DenseDropout: context.GetParamOr(ctx, ParamCNNDenseDropout, DefaultDenseDropout),
	}
	for ii := range n {
		spec.Layers = append(spec.Layers, ConvLayer{
			Filters:    filters[ii],
			KernelSize: kernels[2*ii : 2*ii+2],
			PoolSize:   pools[2*ii : 2*ii+2],
			Padding:    paddings[ii],
			Dropout:    dropouts[ii],
		})
	}
	if err := spec.Normalize(); err != nil {
		return nil, err
	}
	return spec, nil
}

// CNNModelGraph implements train.ModelFn and returns the logits, given the spectrograms shaped
// [batchSize, frames, melBins, 1].
//
// Each configured layer is a convolution, ReLU, max-pooling and dropout (if > 0). They are
// followed by a hidden dense layer with ReLU and dropout, and the output dense layer.
func CNNModelGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	spec, err := CNNSpecFromContext(ctx)
	if err != nil {
		panic(err)
	}
	x := inputs[0]
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]
	if x.Rank() != 4 {
		exceptions.Panicf("CNN model expects inputs shaped [batch, frames, bins, channels], got %s", x.Shape())
	}

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	for _, l := range spec.Layers {
		conv := layers.Convolution(nextCtx("conv"), x).
			Channels(l.Filters).
			KernelSizePerAxis(l.KernelSize...)
		if l.Padding == PadSame {
			conv = conv.PadSame()
		} else {
			conv = conv.NoPadding()
		}
		x = conv.Done()
		x = activations.Relu(x)
		x = graph.MaxPool(x).WindowPerAxis(l.PoolSize...).Done()
		if l.Dropout > 0 {
			x = layers.DropoutNormalize(nextCtx("dropout"), x, graph.Scalar(g, dtype, l.Dropout), true)
		}
	}

	x = graph.Reshape(x, batchSize, -1)
	x = layers.Dense(nextCtx("dense"), x, true, spec.DenseUnits)
	x = activations.Relu(x)
	if spec.DenseDropout > 0 {
		x = layers.DropoutNormalize(nextCtx("dropout"), x, graph.Scalar(g, dtype, spec.DenseDropout), true)
	}
	logits := layers.Dense(nextCtx("dense"), x, true, numClasses(ctx))
	return []*graph.Node{logits}
}
