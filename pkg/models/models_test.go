package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/audioclassifier/pkg/config"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keyedCNNJSON = `{
  "id": 12,
  "layer2": {"filters": 32, "kernel_size": [3, 3], "pool_size": [2, 2], "padding": "valid", "dropout": 0.25},
  "layer1": {"filters": 16, "kernel_size": [3, 3], "pool_size": [2, 2], "padding": "same"}
}`

const listCNNYAML = `
id: small
layers:
  - filters: 8
    kernel_size: [5]
    padding: same
  - filters: 4
    kernel_size: [3, 1]
    pool_size: [1, 2]
    dropout: 0.1
dense_units: 16
dense_dropout: 0
`

func TestLoadCNNSpec(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "cnn.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(keyedCNNJSON), 0644))
	spec, err := LoadCNNSpec(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "12", spec.ID)
	require.Len(t, spec.Layers, 2)
	assert.Equal(t, 16, spec.Layers[0].Filters)
	assert.Equal(t, PadSame, spec.Layers[0].Padding)
	assert.Equal(t, 0.0, spec.Layers[0].Dropout)
	assert.Equal(t, 32, spec.Layers[1].Filters)
	assert.Equal(t, 0.25, spec.Layers[1].Dropout)
	assert.Equal(t, DefaultDenseUnits, spec.DenseUnits)
	assert.Equal(t, DefaultDenseDropout, spec.DenseDropout)

	yamlPath := filepath.Join(dir, "cnn.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(listCNNYAML), 0644))
	spec, err = LoadCNNSpec(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "small", spec.ID)
	require.Len(t, spec.Layers, 2)
	assert.Equal(t, []int{5, 5}, spec.Layers[0].KernelSize)
	assert.Equal(t, []int{2, 2}, spec.Layers[0].PoolSize)
	assert.Equal(t, PadValid, spec.Layers[1].Padding)
	assert.Equal(t, []int{1, 2}, spec.Layers[1].PoolSize)
	assert.Equal(t, 16, spec.DenseUnits)
	assert.Equal(t, 0.0, spec.DenseDropout)

	_, err = LoadCNNSpec(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}

func TestSampleCNNSpecs(t *testing.T) {
	spec, err := LoadCNNSpec(filepath.Join("..", "..", "configs", "cnn.json"))
	require.NoError(t, err)
	assert.Equal(t, "1", spec.ID)
	require.Len(t, spec.Layers, 4)
	assert.Equal(t, []int{32, 64, 64, 128},
		[]int{spec.Layers[0].Filters, spec.Layers[1].Filters, spec.Layers[2].Filters, spec.Layers[3].Filters})

	spec, err = LoadCNNSpec(filepath.Join("..", "..", "configs", "cnn_small.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, spec.Layers[1].KernelSize)
	assert.Equal(t, []int{2, 4}, spec.Layers[1].PoolSize)
}

func TestParseCNNSpecErrors(t *testing.T) {
	for name, content := range map[string]string{
		"no layers":      `id: 1`,
		"no kernel":      `layers: [{filters: 8}]`,
		"bad padding":    `layers: [{filters: 8, kernel_size: [3], padding: full}]`,
		"bad dropout":    `layers: [{filters: 8, kernel_size: [3], dropout: 1.5}]`,
		"zero filters":   `layers: [{filters: 0, kernel_size: [3]}]`,
		"3d kernel":      `layers: [{filters: 8, kernel_size: [3, 3, 3]}]`,
		"negative dense": `{layers: [{filters: 8, kernel_size: [3]}], dense_units: -1}`,
	} {
		_, err := ParseCNNSpec([]byte(content))
		assert.Error(t, err, name)
	}
}

func TestCNNParamsRoundTrip(t *testing.T) {
	spec, err := ParseCNNSpec([]byte(listCNNYAML))
	require.NoError(t, err)
	ctx := context.New()
	spec.SetParams(ctx)
	assert.Equal(t, CNN, context.GetParamOr(ctx, ParamModel, ""))

	got, err := CNNSpecFromContext(ctx)
	require.NoError(t, err)
	spec.ID = ""
	assert.Equal(t, spec, got)

	// Missing parameters.
	_, err = CNNSpecFromContext(context.New())
	require.Error(t, err)
}

func TestSelectModelFn(t *testing.T) {
	ctx := context.New()
	_, err := SelectModelFn(ctx)
	require.Error(t, err)
	ctx.SetParam(ParamModel, LSTM)
	fn, err := SelectModelFn(ctx)
	require.NoError(t, err)
	require.NotNil(t, fn)
	ctx.SetParam(ParamModel, "transformer")
	_, err = SelectModelFn(ctx)
	require.Error(t, err)
}

func TestDataParams(t *testing.T) {
	ctx := context.New()
	_, err := DataParamsFromContext(ctx)
	require.Error(t, err)

	want := DataParams{
		Feature:    "spec",
		Classes:    []string{"cat", "dog"},
		InputShape: []int{10, 8, 1},
		Features: config.Features{
			SampleRate: 8000, WindowSize: 256, HopSize: 128, MelBins: 8, MFCCCoefficients: 4,
			MaxFrequency: 3000, MaxDuration: 2500 * time.Millisecond,
		},
	}
	SetDataParams(ctx, want)
	assert.Equal(t, 2, context.GetParamOr(ctx, ParamNumClasses, 0))
	got, err := DataParamsFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCNNModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	spec, err := parseJSONSpec(keyedCNNJSON)
	require.NoError(t, err)
	spec.DenseUnits = 64
	spec.SetParams(ctx)
	ctx.SetParam(ParamNumClasses, 3)

	logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 2, 40, 20, 1))
		return CNNModelGraph(ctx, nil, []*Node{x})[0]
	})
	require.NoError(t, logits.Shape().Check(dtypes.Float32, 2, 3))

	arch, err := Describe(ctx, []int{40, 20, 1})
	require.NoError(t, err)
	// conv(same) 40x20x16 -> pool 20x10x16 -> conv(valid) 18x8x32 -> pool 9x4x32 -> dropout -> flatten.
	var layerShapes [][]int
	for _, l := range arch.Layers {
		layerShapes = append(layerShapes, l.Shape)
	}
	assert.Equal(t, [][]int{
		{40, 20, 16}, {20, 10, 16}, {18, 8, 32}, {9, 4, 32}, {9, 4, 32}, {1152}, {64}, {64}, {3},
	}, layerShapes)
	assert.Equal(t, ctx.NumParameters(), arch.TotalParams)
}

func TestLSTMModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, bidirectional := range []bool{false, true} {
		ctx := context.New()
		spec := LSTMSpecFromConfig(config.LSTM{Units: []int{6, 5}, Dropout: 0.2, Bidirectional: bidirectional, DenseUnits: 7})
		require.NoError(t, spec.Validate())
		spec.SetParams(ctx)
		ctx.SetParam(ParamNumClasses, 4)

		logits := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.Float32, 3, 9, 2))
			return LSTMModelGraph(ctx, nil, []*Node{x})[0]
		})
		require.NoError(t, logits.Shape().Check(dtypes.Float32, 3, 4))

		arch, err := Describe(ctx, []int{9, 2})
		require.NoError(t, err)
		assert.Equal(t, ctx.NumParameters(), arch.TotalParams, "bidirectional=%v", bidirectional)
		dirs := 1
		if bidirectional {
			dirs = 2
		}
		assert.Equal(t, []int{9, dirs * 6}, arch.Layers[0].Shape)
		assert.Equal(t, []int{dirs * 5}, arch.Layers[2].Shape)

		got, err := LSTMSpecFromContext(ctx)
		require.NoError(t, err)
		assert.Equal(t, spec, got)
	}
}

func TestDescribeErrors(t *testing.T) {
	ctx := context.New()
	spec, err := ParseCNNSpec([]byte(`layers: [{filters: 4, kernel_size: [5, 5]}, {filters: 4, kernel_size: [5, 5]}]`))
	require.NoError(t, err)
	spec.SetParams(ctx)
	_, err = Describe(ctx, []int{8, 8, 1})
	require.Error(t, err, "missing num_classes")

	ctx.SetParam(ParamNumClasses, 2)
	// 8x8 -> conv valid 4x4 -> pool 2x2 -> conv valid 5x5 kernel collapses.
	_, err = Describe(ctx, []int{8, 8, 1})
	require.ErrorContains(t, err, "layer #2")

	_, err = Describe(ctx, []int{8, 8})
	require.Error(t, err)
}

func TestArchitectureOutput(t *testing.T) {
	ctx := context.New()
	spec, err := parseJSONSpec(keyedCNNJSON)
	require.NoError(t, err)
	spec.SetParams(ctx)
	ctx.SetParams(map[string]any{ParamNumClasses: 3, ParamModelID: "cnn_test"})
	arch, err := Describe(ctx, []int{40, 20, 1})
	require.NoError(t, err)

	table := arch.Table()
	assert.Contains(t, table, "conv2d_0 (conv2d)")
	assert.Contains(t, table, "(None, 40, 20, 16)")
	assert.Contains(t, table, "cnn_test")

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, arch.WriteJSON(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Architecture
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, arch.TotalParams, decoded.TotalParams)
	assert.Equal(t, "cnn", decoded.Model)
	assert.Len(t, decoded.Layers, len(arch.Layers))
}

// parseJSONSpec parses a JSON description, like LoadCNNSpec does for .json files.
func parseJSONSpec(content string) (*CNNSpec, error) {
	return parseCNNSpec([]byte(content), json.Marshal, json.Unmarshal)
}
