// Package training implements the training loops that drive binarized
// networks through sequences of tasks: a base Trainer for gradient
// optimizers and a BayesianTrainer that feeds closures to variational
// optimizers and predicts by Monte-Carlo sampling of the weight
// posterior. Loss functions and learning-rate schedulers live here too.
package training

import (
	"fmt"
	"math"

	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// Loss computes a scalar loss and its gradient with respect to the model
// output. Outputs are [batch, classes]; targets are a [batch] vector of
// class indices, or of {0,1} values for binary losses.
type Loss interface {
	Forward(output, target *tensor.Tensor) (float32, error)
	Backward(output, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

func checkLossShapes(output, target *tensor.Tensor) (rows, cols int, err error) {
	if output.Dim() != 2 {
		return 0, 0, fmt.Errorf("expected 2D output, got %dD", output.Dim())
	}
	rows, cols = output.Shape[0], output.Shape[1]
	if target.NumElems() != rows {
		return 0, 0, fmt.Errorf("output has %d rows but target has %d elements", rows, target.NumElems())
	}
	return rows, cols, nil
}

// NLLLoss is the negative log-likelihood of integer class targets. It
// expects log-probabilities, so it pairs with a log-softmax output.
type NLLLoss struct{}

func NewNLLLoss() *NLLLoss { return &NLLLoss{} }

func (l *NLLLoss) Name() string { return "nll" }

func (l *NLLLoss) Forward(output, target *tensor.Tensor) (float32, error) {
	rows, cols, err := checkLossShapes(output, target)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < rows; i++ {
		class := int(target.Data[i])
		if class < 0 || class >= cols {
			return 0, fmt.Errorf("target class %d out of range [0,%d)", class, cols)
		}
		sum -= float64(output.Data[i*cols+class])
	}
	return float32(sum / float64(rows)), nil
}

func (l *NLLLoss) Backward(output, target *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := checkLossShapes(output, target)
	if err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(output)
	scale := float32(1) / float32(rows)
	for i := 0; i < rows; i++ {
		class := int(target.Data[i])
		if class < 0 || class >= cols {
			return nil, fmt.Errorf("target class %d out of range [0,%d)", class, cols)
		}
		grad.Data[i*cols+class] = -scale
	}
	return grad, nil
}

// BCELoss is binary cross-entropy over probabilities, for single-output
// models with a sigmoid output. Probabilities are clamped away from 0
// and 1 for numerical stability.
type BCELoss struct{}

func NewBCELoss() *BCELoss { return &BCELoss{} }

func (l *BCELoss) Name() string { return "binary_cross_entropy" }

const bceEps = 1e-7

func clampProb(p float32) float64 {
	v := float64(p)
	if v < bceEps {
		return bceEps
	}
	if v > 1-bceEps {
		return 1 - bceEps
	}
	return v
}

func (l *BCELoss) Forward(output, target *tensor.Tensor) (float32, error) {
	rows, cols, err := checkLossShapes(output, target)
	if err != nil {
		return 0, err
	}
	if cols != 1 {
		return 0, fmt.Errorf("binary cross-entropy expects a single output column, got %d", cols)
	}
	var sum float64
	for i := 0; i < rows; i++ {
		p := clampProb(output.Data[i])
		y := float64(target.Data[i])
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return float32(sum / float64(rows)), nil
}

func (l *BCELoss) Backward(output, target *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := checkLossShapes(output, target)
	if err != nil {
		return nil, err
	}
	if cols != 1 {
		return nil, fmt.Errorf("binary cross-entropy expects a single output column, got %d", cols)
	}
	grad := tensor.ZerosLike(output)
	for i := 0; i < rows; i++ {
		p := clampProb(output.Data[i])
		y := float64(target.Data[i])
		grad.Data[i] = float32((p - y) / (p * (1 - p)) / float64(rows))
	}
	return grad, nil
}

// MSELoss is mean squared error against one-hot targets built from the
// class indices.
type MSELoss struct{}

func NewMSELoss() *MSELoss { return &MSELoss{} }

func (l *MSELoss) Name() string { return "mse" }

func (l *MSELoss) Forward(output, target *tensor.Tensor) (float32, error) {
	rows, cols, err := checkLossShapes(output, target)
	if err != nil {
		return 0, err
	}
	oneHot := tensor.ZerosLike(output)
	for i := 0; i < rows; i++ {
		class := int(target.Data[i])
		if class >= 0 && class < cols {
			oneHot.Data[i*cols+class] = 1
		}
	}
	diff, err := tensor.Sub(output, oneHot)
	if err != nil {
		return 0, err
	}
	sq, err := tensor.Mul(diff, diff)
	if err != nil {
		return 0, err
	}
	return tensor.MeanAll(sq), nil
}

func (l *MSELoss) Backward(output, target *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := checkLossShapes(output, target)
	if err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(output)
	scale := float32(2) / float32(rows*cols)
	for i := 0; i < rows; i++ {
		class := int(target.Data[i])
		for j := 0; j < cols; j++ {
			want := float32(0)
			if j == class {
				want = 1
			}
			grad.Data[i*cols+j] = scale * (output.Data[i*cols+j] - want)
		}
	}
	return grad, nil
}
