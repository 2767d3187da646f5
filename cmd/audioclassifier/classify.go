package main

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/audioclassifier/pkg/classifier"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newClassifyCmd() *cobra.Command {
	var checkpointDir string
	var showAll bool
	cmd := &cobra.Command{
		Use:   "classify --checkpoint=<dir> <file.wav>...",
		Short: "Classify audio files with a trained model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpointDir == "" {
				return errors.New("--checkpoint is required")
			}
			c, err := classifier.New(checkpointDir, nil)
			if err != nil {
				return err
			}
			klog.V(1).Infof("Model from %q, classes %v", checkpointDir, c.Classes())
			predictions := make([]*classifier.Prediction, 0, len(args))
			for _, path := range args {
				prediction, err := c.ClassifyFile(path)
				if err != nil {
					return err
				}
				predictions = append(predictions, prediction)
			}
			fmt.Println(predictionsTable(c.Classes(), predictions, showAll))
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpointDir, "checkpoint", "", "directory with the trained model weights")
	cmd.Flags().BoolVar(&showAll, "all", false, "show the probabilities of every class")
	return cmd
}

func predictionsTable(classes []string, predictions []*classifier.Prediction, showAll bool) string {
	headers := []string{"File", "Class", "Probability"}
	if showAll {
		headers = append(headers[:1], classes...)
	}
	table := newPlainTable(headers...)
	for _, p := range predictions {
		if !showAll {
			table.Row(filepath.Base(p.Path), p.Class, fmt.Sprintf("%.3f", p.Probabilities[p.ClassID]))
			continue
		}
		row := []string{filepath.Base(p.Path)}
		for ii, prob := range p.Probabilities {
			cell := fmt.Sprintf("%.3f", prob)
			if ii == p.ClassID {
				cell = "*" + cell
			}
			row = append(row, cell)
		}
		table.Row(row...)
	}
	return table.String()
}
