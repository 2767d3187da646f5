package models

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// LayerInfo describes one layer of a model.
type LayerInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Shape []int  `json:"output_shape"`

	// Params is the number of trainable parameters.
	Params int `json:"params"`

	// Config holds the layer hyperparameters.
	Config map[string]any `json:"config,omitempty"`
}

// Architecture describes a model: its layers, their output shapes (without the batch axis) and
// number of parameters.
type Architecture struct {
	Model       string      `json:"model"`
	ID          string      `json:"id,omitempty"`
	InputShape  []int       `json:"input_shape"`
	NumClasses  int         `json:"num_classes"`
	Layers      []LayerInfo `json:"layers"`
	TotalParams int         `json:"total_params"`
}

// Describe the model configured in the context, for an input shaped inputShape (without the batch axis).
func Describe(ctx *context.Context, inputShape []int) (*Architecture, error) {
	modelType := context.GetParamOr(ctx, ParamModel, "")
	arch := &Architecture{
		Model:      modelType,
		ID:         context.GetParamOr(ctx, ParamModelID, ""),
		InputShape: inputShape,
		NumClasses: context.GetParamOr(ctx, ParamNumClasses, 0),
	}
	if arch.NumClasses <= 0 {
		return nil, errors.Errorf("parameter %q must be set to a value > 0", ParamNumClasses)
	}
	var err error
	switch modelType {
	case CNN:
		err = arch.describeCNN(ctx)
	case LSTM:
		err = arch.describeLSTM(ctx)
	default:
		err = errors.Errorf("parameter %q must take one value from %v, got %q", ParamModel, ValidModels, modelType)
	}
	if err != nil {
		return nil, err
	}
	for _, l := range arch.Layers {
		arch.TotalParams += l.Params
	}
	return arch, nil
}

func (arch *Architecture) add(typ string, shape []int, params int, config map[string]any) {
	arch.Layers = append(arch.Layers, LayerInfo{
		Name:   fmt.Sprintf("%s_%d", typ, len(arch.Layers)),
		Type:   typ,
		Shape:  shape,
		Params: params,
		Config: config,
	})
}

func (arch *Architecture) describeCNN(ctx *context.Context) error {
	spec, err := CNNSpecFromContext(ctx)
	if err != nil {
		return err
	}
	if len(arch.InputShape) != 3 {
		return errors.Errorf("CNN model expects inputs shaped [frames, bins, channels], got %v", arch.InputShape)
	}
	h, w, c := arch.InputShape[0], arch.InputShape[1], arch.InputShape[2]
	for ii, l := range spec.Layers {
		kh, kw := l.KernelSize[0], l.KernelSize[1]
		if l.Padding == PadValid {
			h, w = h-kh+1, w-kw+1
		}
		if h <= 0 || w <= 0 {
			return errors.Errorf("layer #%d: convolution with kernel %v and %q padding leaves no output (%dx%d)",
				ii+1, l.KernelSize, l.Padding, h, w)
		}
		arch.add("conv2d", []int{h, w, l.Filters}, kh*kw*c*l.Filters+l.Filters, map[string]any{
			"filters": l.Filters, "kernel_size": l.KernelSize, "padding": l.Padding, "activation": "relu"})
		c = l.Filters
		h, w = h/l.PoolSize[0], w/l.PoolSize[1]
		if h <= 0 || w <= 0 {
			return errors.Errorf("layer #%d: max-pooling with pool size %v leaves no output", ii+1, l.PoolSize)
		}
		arch.add("max_pooling2d", []int{h, w, c}, 0, map[string]any{"pool_size": l.PoolSize})
		if l.Dropout > 0 {
			arch.add("dropout", []int{h, w, c}, 0, map[string]any{"rate": l.Dropout})
		}
	}
	flat := h * w * c
	arch.add("flatten", []int{flat}, 0, nil)
	arch.add("dense", []int{spec.DenseUnits}, flat*spec.DenseUnits+spec.DenseUnits, map[string]any{
		"units": spec.DenseUnits, "activation": "relu"})
	if spec.DenseDropout > 0 {
		arch.add("dropout", []int{spec.DenseUnits}, 0, map[string]any{"rate": spec.DenseDropout})
	}
	arch.add("dense", []int{arch.NumClasses}, spec.DenseUnits*arch.NumClasses+arch.NumClasses, map[string]any{
		"units": arch.NumClasses, "activation": "softmax"})
	return nil
}

func (arch *Architecture) describeLSTM(ctx *context.Context) error {
	spec, err := LSTMSpecFromContext(ctx)
	if err != nil {
		return err
	}
	if len(arch.InputShape) != 2 {
		return errors.Errorf("LSTM model expects inputs shaped [frames, coefficients], got %v", arch.InputShape)
	}
	seqLen, features := arch.InputShape[0], arch.InputShape[1]
	numDirections := 1
	if spec.Bidirectional {
		numDirections = 2
	}
	for ii, units := range spec.Units {
		// Input and recurrent weights for the 4 gates, and 8 biases (input and recurrent) per direction.
		params := numDirections * (4*units*features + 4*units*units + 8*units)
		shape := []int{numDirections * units}
		if ii < len(spec.Units)-1 {
			shape = []int{seqLen, numDirections * units}
		}
		arch.add("lstm", shape, params, map[string]any{
			"units": units, "bidirectional": spec.Bidirectional, "return_sequences": len(shape) == 2})
		if spec.Dropout > 0 {
			arch.add("dropout", shape, 0, map[string]any{"rate": spec.Dropout})
		}
		features = numDirections * units
	}
	if spec.DenseUnits > 0 {
		arch.add("dense", []int{spec.DenseUnits}, features*spec.DenseUnits+spec.DenseUnits, map[string]any{
			"units": spec.DenseUnits, "activation": "relu"})
		if spec.Dropout > 0 {
			arch.add("dropout", []int{spec.DenseUnits}, 0, map[string]any{"rate": spec.Dropout})
		}
		features = spec.DenseUnits
	}
	arch.add("dense", []int{arch.NumClasses}, features*arch.NumClasses+arch.NumClasses, map[string]any{
		"units": arch.NumClasses, "activation": "softmax"})
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	rowStyle    = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	dimRowStyle = rowStyle.Foreground(lipgloss.Color("#999"))
)

// Table renders the architecture as a table, one row per layer.
func (arch *Architecture) Table() string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Layer (type)", "Output Shape", "Param #").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			s := rowStyle
			if row%2 == 1 {
				s = dimRowStyle
			}
			if col == 2 {
				return s.Align(lipgloss.Right)
			}
			return s
		})
	for _, l := range arch.Layers {
		table.Row(fmt.Sprintf("%s (%s)", l.Name, l.Type), shapeString(l.Shape), humanize.Comma(int64(l.Params)))
	}
	var sb strings.Builder
	title := fmt.Sprintf("Model %q", arch.Model)
	if arch.ID != "" {
		title = fmt.Sprintf("Model %q (%s)", arch.Model, arch.ID)
	}
	sb.WriteString(title + "\n")
	sb.WriteString(table.Render())
	fmt.Fprintf(&sb, "\nInput shape: %s\nTotal params: %s\n", shapeString(arch.InputShape), humanize.Comma(int64(arch.TotalParams)))
	return sb.String()
}

func shapeString(shape []int) string {
	parts := make([]string, 0, len(shape)+1)
	parts = append(parts, "None")
	for _, d := range shape {
		parts = append(parts, strconv.Itoa(d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// WriteJSON saves the architecture as JSON to path.
func (arch *Architecture) WriteJSON(path string) error {
	data, err := json.MarshalIndent(arch, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode model architecture")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write model architecture to %q", path)
	}
	return nil
}
