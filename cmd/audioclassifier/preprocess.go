package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/audioclassifier/pkg/dataset"
	"github.com/gomlx/audioclassifier/pkg/features"
	"github.com/spf13/cobra"
)

func newPreprocessCmd(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Extract spectrogram and MFCC features of every audio file",
		Long: `Extracts the log-mel spectrogram and the MFCCs of every .wav file in the class sub-directories of
paths.audio_dir, and saves them in paths.features_dir along with an index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, map[string]string{
				"features.num_workers": "workers",
			})
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()
			index, err := features.ExtractAll(ctx, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Extracted features of %d files (%d classes) into %q\n",
				len(index.Entries), len(index.Classes), cfg.Paths.FeaturesDir)
			return nil
		},
	}
	cmd.Flags().Int("workers", 0, "number of parallel workers, 0 uses one per CPU")
	return cmd
}

func newSplitCmd(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Split the extracted features into train, test and validation datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, global, map[string]string{
				"dataset.frames": "frames",
				"dataset.seed":   "seed",
			})
			if err != nil {
				return err
			}
			meta, err := dataset.Split(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Dataset saved to %q: %d classes, %d frames per example\n",
				cfg.Paths.DatasetDir, len(meta.Classes), meta.Frames)
			for _, subset := range dataset.Subsets {
				fmt.Printf("\t%-10s %d examples\n", subset, meta.Counts[subset])
			}
			return nil
		},
	}
	cmd.Flags().Int("frames", 0, "frames of every example, 0 uses the longest file")
	cmd.Flags().Int64("seed", 0, "seed used to shuffle the examples before splitting")
	return cmd
}
