package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/audioclassifier/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// globalFlags are the flags owned by the root command.
type globalFlags struct {
	configFile string
	device     string
}

func newRootCmd() *cobra.Command {
	global := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "audioclassifier",
		Short: "Train audio classification models",
		Long: `Extracts spectrogram and MFCC features from audio files organised in one directory per class,
splits them into train, test and validation datasets, and trains a CNN (over spectrograms) or an
LSTM (over MFCCs) described by a configuration file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if global.device != "" {
				// Restricts the accelerators visible to the backend.
				if err := os.Setenv("CUDA_VISIBLE_DEVICES", global.device); err != nil {
					return errors.Wrap(err, "failed to set CUDA_VISIBLE_DEVICES")
				}
				klog.V(1).Infof("CUDA_VISIBLE_DEVICES=%s", global.device)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&global.configFile, "config", "c", "",
		fmt.Sprintf("configuration file (YAML, JSON or TOML), values can be overridden with %s_* environment variables",
			config.EnvPrefix))
	rootCmd.PersistentFlags().StringVarP(&global.device, "device", "v", "",
		"accelerator devices to use, sets CUDA_VISIBLE_DEVICES")

	// klog flags (-v is taken by --device, so the verbosity is --log_v).
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	klogFlags.VisitAll(func(f *flag.Flag) {
		pf := pflag.PFlagFromGoFlag(f)
		if f.Name == "v" {
			pf.Name, pf.Shorthand = "log_v", ""
		}
		rootCmd.PersistentFlags().AddFlag(pf)
	})

	rootCmd.AddCommand(
		newPreprocessCmd(global),
		newSplitCmd(global),
		newTrainCmd(global),
		newClassifyCmd(),
		newInspectCmd(),
	)
	return rootCmd
}

// loadConfig loads the configuration file given by --config, overriding the keys in bindings
// (config key -> flag name) with the flags of cmd that were set.
func loadConfig(cmd *cobra.Command, global *globalFlags, bindings map[string]string) (*config.Config, error) {
	if global.configFile == "" {
		return nil, errors.Errorf("command %q requires a configuration file, set it with --config", cmd.Name())
	}
	flags := make([]config.Flag, 0, len(bindings))
	for key, name := range bindings {
		flags = append(flags, config.Flag{Key: key, Flag: cmd.Flags().Lookup(name)})
	}
	cfg, err := config.Load(global.configFile, flags...)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Configuration loaded from %q", cfg.File())
	return cfg, nil
}

// flagName converts a configuration key (e.g. "cnn.batch_size") to the flag name used for it ("batch-size").
func flagName(key string) string {
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		key = key[idx+1:]
	}
	return strings.ReplaceAll(key, "_", "-")
}
