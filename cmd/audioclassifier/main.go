// audioclassifier extracts audio features, splits them into datasets and trains audio classification
// models (a CNN over spectrograms or an LSTM over MFCCs) described by a configuration file.
//
// Typical usage:
//
//	audioclassifier -c config.yaml preprocess
//	audioclassifier -c config.yaml split
//	audioclassifier -c config.yaml train cnn --model=configs/cnn.json
//	audioclassifier -c config.yaml train lstm --set="learning_rate=0.01"
//	audioclassifier classify --checkpoint=output/weights_cnn_1 dog.wav
package main

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}
