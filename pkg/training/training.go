// Package training trains the audio classification models.
//
// Train builds the model configured in a GoMLX context, trains it epoch by epoch on a split dataset,
// monitors loss and accuracy on the training and validation sets (with optional early stopping),
// evaluates it on the test set and saves the artifacts: the architecture (model.json), the plots
// (acc.png and loss.png), the metrics points and the final weights.
package training

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/audioclassifier/pkg/dataset"
	"github.com/gomlx/audioclassifier/pkg/models"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamBatchSize is the context parameter with the training batch size.
	ParamBatchSize = "batch_size"

	// ArchitectureFileName is written in the model directory.
	ArchitectureFileName = "model.json"

	// CheckpointsDirName is the sub-directory of the model directory holding the training checkpoints.
	CheckpointsDirName = "checkpoints"

	// IDTimeLayout formats the time used in the ids of models without an explicit id.
	IDTimeLayout = "20060102-150405"
)

// ParamsExcludedFromSaving are parameters that are not saved along the checkpoints, and are not restored
// from a checkpoint: they may change from one training session to the next.
var ParamsExcludedFromSaving = []string{ParamBatchSize, optimizers.ParamLearningRate}

// Options configure Train.
type Options struct {
	// Model is the model type, one of models.ValidModels.
	Model string

	// ModelID names the model: its log directory and its weights.
	ModelID string

	// CNN describes the model if Model is models.CNN.
	CNN *models.CNNSpec

	// LSTM describes the model if Model is models.LSTM.
	LSTM *models.LSTMSpec

	config.Training

	Callbacks config.Callbacks

	// ModelDir holds logs, plots, the architecture and the training checkpoints.
	ModelDir string

	// WeightsDir is where the final weights are saved.
	WeightsDir string

	// Settings overrides context parameters, in the format "param1=value1;param2=value2".
	Settings string

	// Seed shuffles the training examples deterministically if != 0.
	Seed int64

	// Verbosity: < 0 is quiet, 0 prints the summary and a progress bar, 1 or more prints more details.
	Verbosity int

	// Backend used to train. If nil a default backend is created.
	Backend backends.Backend
}

// NewOptions creates the options to train the given model type, with the settings of cfg.
// For models.CNN the layers description must still be set in Options.CNN, since it is loaded from its own file.
func NewOptions(cfg *config.Config, model, modelID string) *Options {
	opts := &Options{
		Model:      model,
		ModelID:    modelID,
		Callbacks:  cfg.Callbacks,
		ModelDir:   cfg.ModelDir(modelID),
		WeightsDir: cfg.WeightsDir(modelID),
		Seed:       cfg.Dataset.Seed,
	}
	switch model {
	case models.CNN:
		opts.Training = cfg.CNN.Training
	case models.LSTM:
		opts.Training = cfg.LSTM.Training
		opts.LSTM = models.LSTMSpecFromConfig(cfg.LSTM)
	}
	return opts
}

// CNNModelID returns the id of a CNN model: "cnn_<id>" if its description has an id, otherwise
// it is based on the current time.
func CNNModelID(spec *models.CNNSpec, now time.Time) string {
	if spec != nil && spec.ID != "" {
		return models.CNN + "_" + spec.ID
	}
	return models.CNN + "_" + now.Format(IDTimeLayout)
}

// LSTMModelID returns the id of the LSTM model given the lstm.id counter.
func LSTMModelID(id int) string {
	return fmt.Sprintf("%s_%d", models.LSTM, id)
}

// Result of a training.
type Result struct {
	ModelID      string
	Architecture *models.Architecture
	History      *History

	// Epochs trained in this session, fewer than requested if early stopping triggered.
	Epochs int

	// StoppedEarly is set if early stopping interrupted the training.
	StoppedEarly bool

	TestLoss, TestAccuracy float64

	// GlobalStep at the end of training.
	GlobalStep int64

	// CheckpointDir and WeightsDir where the model was saved.
	CheckpointDir, WeightsDir string
}

// Validate the options.
func (opts *Options) Validate() error {
	if _, found := models.Models[opts.Model]; !found {
		return errors.Errorf("unknown model %q, valid values are %v", opts.Model, models.ValidModels)
	}
	if opts.ModelID == "" {
		return errors.New("model id must be set")
	}
	switch opts.Model {
	case models.CNN:
		if opts.CNN == nil {
			return errors.New("CNN model requires its layers description")
		}
		if err := opts.CNN.Normalize(); err != nil {
			return err
		}
	case models.LSTM:
		if opts.LSTM == nil {
			return errors.New("LSTM model requires its description")
		}
		if err := opts.LSTM.Validate(); err != nil {
			return err
		}
	}
	if opts.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", opts.BatchSize)
	}
	if opts.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0, got %d", opts.Epochs)
	}
	if _, found := optimizers.KnownOptimizers[opts.Optimizer]; !found {
		return errors.Errorf("unknown optimizer %q", opts.Optimizer)
	}
	if opts.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", opts.LearningRate)
	}
	if opts.ModelDir == "" || opts.WeightsDir == "" {
		return errors.New("model and weights directories must be set")
	}
	return opts.earlyStopping().Validate()
}

func (opts *Options) earlyStopping() *EarlyStopping {
	monitor := opts.Callbacks.EarlyStoppingMonitor
	if monitor == "" {
		monitor = MetricValLoss
	}
	return &EarlyStopping{
		Monitor:  monitor,
		Mode:     opts.Callbacks.EarlyStoppingMode,
		Patience: opts.EarlyStoppingPatience,
	}
}

// SetContextParams stores in ctx the hyperparameters of the model and of its training, and the description of
// the data. It then applies opts.Settings, and returns the list of parameters it set.
func SetContextParams(ctx *context.Context, opts *Options, data *dataset.Data) (paramsSet []string, err error) {
	ctx.SetParams(map[string]any{
		models.ParamModel:            opts.Model,
		models.ParamModelID:          opts.ModelID,
		optimizers.ParamOptimizer:    opts.Optimizer,
		optimizers.ParamLearningRate: opts.LearningRate,
		ParamBatchSize:               opts.BatchSize,
	})
	models.SetDataParams(ctx, models.DataParams{
		Feature:    data.Choice,
		Classes:    data.Classes(),
		InputShape: data.InputShape(),
		Features:   data.Metadata.Settings,
	})
	switch opts.Model {
	case models.CNN:
		opts.CNN.SetParams(ctx)
	case models.LSTM:
		opts.LSTM.SetParams(ctx)
	}
	if opts.Settings == "" {
		return nil, nil
	}
	paramsSet, err = commandline.ParseContextSettings(ctx, opts.Settings)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse context settings %q", opts.Settings)
	}
	return paramsSet, nil
}

// Train the model described by opts on data. Hyperparameters are stored in ctx, which after training holds
// the trained variables.
func Train(ctx *context.Context, opts *Options, data *dataset.Data) (result *Result, err error) {
	if err = opts.Validate(); err != nil {
		return nil, err
	}
	var trainErr error
	err = exceptions.TryCatch[error](func() { result, trainErr = trainModel(ctx, opts, data) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed training model %q", opts.ModelID)
	}
	return result, trainErr
}

func trainModel(ctx *context.Context, opts *Options, data *dataset.Data) (*Result, error) {
	paramsSet, err := SetContextParams(ctx, opts, data)
	if err != nil {
		return nil, err
	}
	if opts.Verbosity >= 1 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	modelFn, err := models.SelectModelFn(ctx)
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		backend = backends.MustNew()
	}
	if opts.Verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	batchSize := context.GetParamOr(ctx, ParamBatchSize, opts.BatchSize)
	ds, err := data.Datasets(backend, batchSize, batchSize, opts.Seed)
	if err != nil {
		return nil, err
	}

	// Log directory: failing to create it doesn't stop the training.
	modelDirOK := true
	if err := os.MkdirAll(opts.ModelDir, 0777); err != nil {
		klog.Warningf("Failed to create model directory %q, logs and plots won't be saved: %v", opts.ModelDir, err)
		modelDirOK = false
	}

	arch, err := models.Describe(ctx, data.InputShape())
	if err != nil {
		return nil, err
	}
	if opts.Verbosity >= 0 {
		fmt.Println(arch.Table())
	}
	if modelDirOK {
		if err := arch.WriteJSON(filepath.Join(opts.ModelDir, ArchitectureFileName)); err != nil {
			klog.Warningf("Failed to save the model architecture: %v", err)
		}
	}

	checkpoint, err := restoreAndCreateCheckpoint(ctx, opts, paramsSet)
	if err != nil {
		return nil, err
	}
	if opts.Verbosity >= 0 {
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Convention scope used for model creation. Global step and saved weights are read through it too,
	// since all scopes share the same variables.
	ctx = ctx.In("model")
	trainer := train.NewTrainer(backend, ctx, modelFn,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})
	if optimizers.GetGlobalStep(ctx) > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if period := opts.Callbacks.CheckpointPeriod; period > 0 {
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(_ *train.Loop, _ []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	var points *pointsWriter
	if opts.Callbacks.WriteMetrics {
		points = newPointsWriter(filepath.Join(checkpoint.Dir(), plots.TrainingPlotFileName))
		defer func() {
			if err := points.close(); err != nil {
				klog.Warningf("Failed to write metrics points: %v", err)
			}
		}()
	}

	result := &Result{
		ModelID:       opts.ModelID,
		Architecture:  arch,
		History:       NewHistory(),
		CheckpointDir: checkpoint.Dir(),
		WeightsDir:    opts.WeightsDir,
	}
	earlyStopping := opts.earlyStopping()
	ev := &evaluator{trainer: trainer, accuracy: meanAccuracyMetric}
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		if _, err := loop.RunEpochs(ds.Train, 1); err != nil {
			return nil, errors.WithMessagef(err, "while training epoch %d", epoch)
		}
		values := make(map[string]float64, len(HistoryMetrics))
		values[MetricLoss], values[MetricAccuracy], err = ev.eval(ds.TrainEval)
		if err != nil {
			return nil, err
		}
		values[MetricValLoss], values[MetricValAccuracy], err = ev.eval(ds.Validation)
		if err != nil {
			return nil, err
		}
		result.History.Add(epoch, values)
		result.Epochs = epoch
		step := optimizers.GetGlobalStep(ctx)
		if opts.Verbosity >= 0 {
			fmt.Printf("Epoch %d/%d (step %d) - %s\n", epoch, opts.Epochs, step, formatValues(values))
		}
		points.write(step, ds.TrainEval.Name(), values[MetricLoss], values[MetricAccuracy])
		points.write(step, ds.Validation.Name(), values[MetricValLoss], values[MetricValAccuracy])
		if earlyStopping.Update(result.History) {
			result.StoppedEarly = true
			if opts.Verbosity >= 0 {
				fmt.Printf("Early stopping: %q did not improve for %d epochs\n",
					earlyStopping.Monitor, earlyStopping.Patience)
			}
			break
		}
	}
	if opts.Verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	if err := points.close(); err != nil {
		klog.Warningf("Failed to write metrics points: %v", err)
	}
	if err := checkpoint.Save(); err != nil {
		return nil, errors.WithMessagef(err, "failed to save checkpoint")
	}

	result.TestLoss, result.TestAccuracy, err = ev.eval(ds.Test)
	if err != nil {
		return nil, err
	}
	result.GlobalStep = optimizers.GetGlobalStep(ctx)
	if opts.Verbosity >= 0 {
		fmt.Printf("Test score: %g\n", result.TestLoss)
		fmt.Printf("Test accuracy: %g\n", result.TestAccuracy)
	}

	if opts.Callbacks.WritePlots && modelDirOK {
		if err := WritePlots(result.History, opts.ModelDir); err != nil {
			klog.Warningf("Failed to write plots: %v", err)
		}
	}
	if err := saveWeights(ctx, opts.WeightsDir, paramsSet); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Model %q weights saved to %q", opts.ModelID, opts.WeightsDir)
	return result, nil
}

// restoreAndCreateCheckpoint optionally restores a previous checkpoint and creates the handler used to save the
// training checkpoints.
func restoreAndCreateCheckpoint(ctx *context.Context, opts *Options, paramsSet []string) (*checkpoints.Handler, error) {
	excluded := append(slices.Clone(paramsSet), ParamsExcludedFromSaving...)
	checkpointDir := filepath.Join(opts.ModelDir, CheckpointsDirName)
	resumeInPlace := false
	if opts.Callbacks.LoadCheckpoint {
		source := opts.Callbacks.CheckpointDir
		if source == "" {
			source = checkpointDir
		}
		found, err := hasCheckpoints(source)
		if err != nil {
			return nil, err
		}
		switch {
		case !found:
			klog.Infof("No checkpoint found in %q, training from scratch", source)
		case filepath.Clean(source) == filepath.Clean(checkpointDir):
			resumeInPlace = true
		default:
			_, err = checkpoints.Load(ctx).Dir(source).
				ExcludeParams(append(excluded, models.ParamModelID)...).
				Immediate().
				Done()
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", source)
			}
			klog.Infof("Loaded checkpoint from %q", source)
		}
	}
	if !resumeInPlace {
		// A new training must not pick up the checkpoints of a previous one.
		found, err := hasCheckpoints(checkpointDir)
		if err != nil {
			return nil, err
		}
		if found {
			checkpointDir = fmt.Sprintf("%s-%s", checkpointDir, uuid.NewString()[:8])
		}
	}
	handler, err := checkpoints.Build(ctx).
		Dir(checkpointDir).
		Keep(opts.Callbacks.CheckpointKeep).
		ExcludeParams(excluded...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", checkpointDir)
	}
	if resumeInPlace {
		klog.Infof("Resuming training from checkpoint in %q", checkpointDir)
	}
	return handler, nil
}

// saveWeights saves the variables and parameters of ctx into dir, replacing any weights saved there before.
func saveWeights(ctx *context.Context, dir string, paramsSet []string) error {
	if err := removeCheckpoints(dir); err != nil {
		return err
	}
	handler, err := checkpoints.Build(ctx).
		Dir(dir).
		Keep(1).
		ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create weights checkpoint in %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save weights to %q", dir)
	}
	return nil
}

// checkpointFiles lists the checkpoint files (json and binary data) in dir. A missing dir has no checkpoints.
func checkpointFiles(dir string) (jsonFiles, allFiles []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "checkpoint-") {
			continue
		}
		switch {
		case strings.HasSuffix(name, checkpoints.JsonNameSuffix):
			jsonFiles = append(jsonFiles, name)
		case strings.HasSuffix(name, checkpoints.BinDataSuffix):
		default:
			continue
		}
		allFiles = append(allFiles, filepath.Join(dir, name))
	}
	return jsonFiles, allFiles, nil
}

func hasCheckpoints(dir string) (bool, error) {
	jsonFiles, _, err := checkpointFiles(dir)
	return len(jsonFiles) > 0, err
}

func removeCheckpoints(dir string) error {
	_, files, err := checkpointFiles(dir)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		klog.Warningf("Overwriting previously saved weights in %q", dir)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return errors.Wrapf(err, "failed to remove previous weights file %q", file)
		}
	}
	return nil
}

// evaluator computes the loss and accuracy of the model over a dataset.
type evaluator struct {
	trainer  *train.Trainer
	accuracy metrics.Interface
}

func (e *evaluator) eval(ds train.Dataset) (loss, accuracy float64, err error) {
	values, err := e.trainer.Eval(ds)
	ds.Reset()
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "failed to evaluate on %q", ds.Name())
	}
	loss, accuracy = math.NaN(), math.NaN()
	for ii, metric := range e.trainer.EvalMetrics() {
		switch {
		case metric.MetricType() == metrics.LossMetricType:
			loss, err = scalarValue(values[ii])
		case metric.ShortName() == e.accuracy.ShortName():
			accuracy, err = scalarValue(values[ii])
		}
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "metric %q on %q", metric.Name(), ds.Name())
		}
	}
	return loss, accuracy, nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a float scalar, got %s", t.Shape())
	}
}

func formatValues(values map[string]float64) string {
	parts := make([]string, 0, len(HistoryMetrics))
	for _, name := range HistoryMetrics {
		parts = append(parts, fmt.Sprintf("%s: %.4f", name, values[name]))
	}
	return strings.Join(parts, " - ")
}

// pointsWriter writes the metrics of each epoch as plots.Point, in the format read by the gomlx_checkpoints tool.
// A nil pointsWriter discards the points.
// pointsWriter writes evaluation metrics as plot points. A nil writer discards them.
type pointsWriter struct {
	points chan<- plots.Point
	errs   <-chan error
	closed bool
}

func newPointsWriter(filePath string) *pointsWriter {
	points, errs := plots.CreatePointsWriter(filePath)
	return &pointsWriter{points: points, errs: errs}
}

func (w *pointsWriter) write(step int64, dsName string, loss, accuracy float64) {
	if w == nil || w.closed {
		return
	}
	w.points <- plots.Point{
		MetricName: dsName + ": Loss", Short: dsName + ": #loss", MetricType: metrics.LossMetricType,
		Step: float64(step), Value: loss,
	}
	w.points <- plots.Point{
		MetricName: dsName + ": Mean Accuracy", Short: dsName + ": #acc", MetricType: "accuracy",
		Step: float64(step), Value: accuracy,
	}
}

// close flushes the points written. Only the first call has any effect.
func (w *pointsWriter) close() error {
	if w == nil || w.closed {
		return nil
	}
	w.closed = true
	close(w.points)
	return <-w.errs
}
