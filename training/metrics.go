package training

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// Accuracy returns the fraction of predicted class indices that match
// the labels. Both arguments are [batch] vectors.
func Accuracy(predicted []int, labels *tensor.Tensor) (float64, error) {
	if len(predicted) != labels.NumElems() {
		return 0, fmt.Errorf("got %d predictions for %d labels", len(predicted), labels.NumElems())
	}
	if len(predicted) == 0 {
		return 0, fmt.Errorf("empty prediction batch")
	}
	correct := 0
	for i, p := range predicted {
		if p == int(labels.Data[i]) {
			correct++
		}
	}
	return float64(correct) / float64(len(predicted)), nil
}

// meanAccuracy averages a slice of per-batch or per-testset accuracies.
func meanAccuracy(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}
