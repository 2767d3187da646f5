package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/audioclassifier/pkg/classifier"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagName(t *testing.T) {
	assert.Equal(t, "batch-size", flagName("cnn.batch_size"))
	assert.Equal(t, "epochs", flagName("epochs"))
	assert.Equal(t, "early-stopping-patience", flagName("lstm.early_stopping_patience"))
}

func TestCommandsRequireConfig(t *testing.T) {
	for _, args := range [][]string{{"preprocess"}, {"split"}, {"train", "cnn"}, {"train", "lstm"}} {
		root := newRootCmd()
		root.SetArgs(args)
		root.SetOut(os.Stderr)
		err := root.Execute()
		require.Error(t, err, "command %v", args)
		assert.Contains(t, err.Error(), "--config")
	}

	root := newRootCmd()
	root.SetArgs([]string{"classify", "file.wav"})
	require.ErrorContains(t, root.Execute(), "--checkpoint")
}

func TestSplitCommand(t *testing.T) {
	// A configuration pointing to an empty features directory fails while splitting.
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("paths:\n  features_dir: "+dir+"\n"), 0644))
	root := newRootCmd()
	root.SetArgs([]string{"--config", configPath, "split", "--frames=10"})
	err := root.Execute()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "--config")
}

func TestDeviceFlag(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	root := newRootCmd()
	root.SetArgs([]string{"-v", "1", "split"})
	require.Error(t, root.Execute())
	assert.Equal(t, "1", os.Getenv("CUDA_VISIBLE_DEVICES"))
}

func TestPredictionsTable(t *testing.T) {
	classes := []string{"cat", "dog"}
	predictions := []*classifier.Prediction{
		{Path: "/data/a.wav", ClassID: 1, Class: "dog", Probabilities: []float32{0.25, 0.75}},
		{Path: "/data/b.wav", ClassID: 0, Class: "cat", Probabilities: []float32{0.9, 0.1}},
	}
	table := predictionsTable(classes, predictions, false)
	assert.Contains(t, table, "a.wav")
	assert.Contains(t, table, "dog")
	assert.Contains(t, table, "0.750")
	assert.NotContains(t, table, "/data")

	table = predictionsTable(classes, predictions, true)
	assert.Contains(t, table, "*0.900")
	assert.Contains(t, table, "0.250")
}

func TestMetricsTable(t *testing.T) {
	points := []plots.Point{
		{MetricName: "Validation: Loss", MetricType: "loss", Step: 10, Value: 0.9},
		{MetricName: "Validation: Loss", MetricType: "loss", Step: 20, Value: 0.5},
		{MetricName: "Validation: Loss", MetricType: "loss", Step: 30, Value: 0.7},
		{MetricName: "Validation: Mean Accuracy", MetricType: "accuracy", Step: 10, Value: 0.4},
		{MetricName: "Validation: Mean Accuracy", MetricType: "accuracy", Step: 2000, Value: 0.8},
	}
	table := metricsTable(points)
	assert.Contains(t, table, "0.7000") // Last loss.
	assert.Contains(t, table, "0.5000") // Best loss.
	assert.Contains(t, table, "0.8000")
	assert.Contains(t, table, "2,000")
}
