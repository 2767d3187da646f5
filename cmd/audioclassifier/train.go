package main

import (
	"fmt"
	"time"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/gomlx/audioclassifier/pkg/dataset"
	"github.com/gomlx/audioclassifier/pkg/models"
	"github.com/gomlx/audioclassifier/pkg/training"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// trainFlags are the flags of the train sub-commands not stored in the configuration.
type trainFlags struct {
	settings  string
	verbosity int
}

func newTrainCmd(global *globalFlags) *cobra.Command {
	flags := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on the split dataset",
	}
	cmd.PersistentFlags().StringVar(&flags.settings, "set", "",
		`overrides model hyperparameters, e.g. "learning_rate=0.01;cnn_dense_units=256"`)
	cmd.PersistentFlags().IntVar(&flags.verbosity, "verbosity", 0,
		"0 prints the model summary and a progress bar, 1 or more prints details, < 0 is quiet")
	cmd.AddCommand(
		newTrainModelCmd(global, flags, models.CNN, "Train the CNN over spectrograms"),
		newTrainModelCmd(global, flags, models.LSTM, "Train the LSTM over MFCCs"),
	)
	return cmd
}

// trainingKeys are the configuration keys, under the model section, that can be overridden with flags.
var trainingKeys = []string{"batch_size", "epochs", "early_stopping_patience", "optimizer", "learning_rate"}

func newTrainModelCmd(global *globalFlags, flags *trainFlags, model, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   model,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bindings := map[string]string{
				"callbacks.load_checkpoint": "load-checkpoint",
				"callbacks.checkpoint_dir":  "checkpoint-dir",
			}
			for _, key := range trainingKeys {
				bindings[model+"."+key] = flagName(key)
			}
			if model == models.CNN {
				bindings["cnn.model_file"] = "model"
			}
			cfg, err := loadConfig(cmd, global, bindings)
			if err != nil {
				return err
			}
			return trainModel(cfg, model, flags)
		},
	}
	cmd.Flags().Int("batch-size", 0, "batch size")
	cmd.Flags().Int("epochs", 0, "maximum number of epochs")
	cmd.Flags().Int("early-stopping-patience", 0, "epochs without improvement before stopping, 0 disables it")
	cmd.Flags().String("optimizer", "", "optimizer: sgd, adam, adamw, ...")
	cmd.Flags().Float64("learning-rate", 0, "learning rate")
	cmd.Flags().Bool("load-checkpoint", false, "resume training from --checkpoint-dir")
	cmd.Flags().String("checkpoint-dir", "", "checkpoint to resume from")
	if model == models.CNN {
		cmd.Flags().String("model", "", "file describing the convolutional layers (JSON or YAML)")
	}
	return cmd
}

func trainModel(cfg *config.Config, model string, flags *trainFlags) error {
	choice := dataset.ChoiceSpec
	if model == models.LSTM {
		choice = dataset.ChoiceMFCC
	}
	data, err := dataset.Read(cfg.Paths.DatasetDir, choice)
	if err != nil {
		return err
	}
	fmt.Printf("Dataset %q: train %v, validation %v, test %v\n", choice,
		data.XTrain.Shape().Dimensions, data.XVal.Shape().Dimensions, data.XTest.Shape().Dimensions)

	var opts *training.Options
	switch model {
	case models.CNN:
		spec := must.M1(models.LoadCNNSpec(cfg.CNN.ModelFile))
		opts = training.NewOptions(cfg, model, training.CNNModelID(spec, time.Now()))
		opts.CNN = spec
	case models.LSTM:
		id := must.M1(cfg.BumpLSTMID())
		opts = training.NewOptions(cfg, model, training.LSTMModelID(id))
	}
	opts.Settings = flags.settings
	opts.Verbosity = flags.verbosity
	klog.Infof("Training model %q, logs in %q", opts.ModelID, opts.ModelDir)

	result, err := training.Train(context.New(), opts, data)
	if err != nil {
		return err
	}
	fmt.Printf("Model %q trained for %d epochs", result.ModelID, result.Epochs)
	if result.StoppedEarly {
		fmt.Print(" (stopped early)")
	}
	if best, value := result.History.Best(training.MetricValAccuracy, training.ModeMax); best >= 0 {
		fmt.Printf(", best val_acc %.4f at epoch %d", value, result.History.Epochs[best])
	}
	fmt.Printf("\nWeights saved to %q\n", result.WeightsDir)
	return nil
}
