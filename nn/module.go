// Package nn defines the model collaborator contract consumed by the
// trainers and optimizers, and provides the binarized multi-layer
// perceptron this system trains. The trainer only ever sees the Module
// interface; network internals stay behind it.
package nn

import (
	"fmt"
	"math"

	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// Output function names a Module may declare. The trainer reads this to
// choose its accuracy-decision rule.
const (
	OutputSoftmax    = "softmax"
	OutputLogSoftmax = "log_softmax"
	OutputSigmoid    = "sigmoid"
)

// Parameter is a trainable tensor with its accumulated gradient.
type Parameter struct {
	Name string
	Data *tensor.Tensor
	Grad *tensor.Tensor
}

// NewParameter wraps a tensor as a named trainable parameter with a zero
// gradient of the same shape.
func NewParameter(name string, data *tensor.Tensor) *Parameter {
	return &Parameter{
		Name: name,
		Data: data,
		Grad: tensor.ZerosLike(data),
	}
}

// ZeroGrad resets the gradient in place.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad.Data {
		p.Grad.Data[i] = 0
	}
}

// Module is the contract every trainable network satisfies.
type Module interface {
	// Forward computes the network output for a batch.
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)

	// Backward propagates the loss gradient with respect to the output
	// back through the network, accumulating parameter gradients.
	Backward(gradOutput *tensor.Tensor) error

	// Parameters returns the trainable parameters in a stable order.
	Parameters() []*Parameter

	// OutputFunction reports which output nonlinearity Forward applies.
	OutputFunction() string

	Train()
	Eval()
	IsTraining() bool
}

// ZeroGrad resets the gradients of every parameter.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// StateDict exports parameter data keyed by name.
func StateDict(m Module) map[string]*tensor.Tensor {
	states := make(map[string]*tensor.Tensor)
	for _, p := range m.Parameters() {
		states[p.Name] = p.Data.Clone()
	}
	return states
}

// LoadStateDict copies stored tensors back into matching parameters.
func LoadStateDict(m Module, states map[string]*tensor.Tensor) error {
	for _, p := range m.Parameters() {
		stored, ok := states[p.Name]
		if !ok {
			return fmt.Errorf("missing state for parameter %q", p.Name)
		}
		if err := p.Data.CopyFrom(stored); err != nil {
			return fmt.Errorf("parameter %q: %v", p.Name, err)
		}
	}
	return nil
}

// applyOutputFunction computes the requested output nonlinearity for a 2D
// batch of logits and returns the activated output. The returned tensor is
// also what the matching backward rule expects as cached state.
func applyOutputFunction(logits *tensor.Tensor, fn string) (*tensor.Tensor, error) {
	switch fn {
	case OutputSigmoid:
		return tensor.Sigmoid(logits)
	case OutputSoftmax, OutputLogSoftmax:
		if len(logits.Shape) != 2 {
			return nil, fmt.Errorf("%s requires a 2D batch, got shape %v", fn, logits.Shape)
		}
		rows, cols := logits.Shape[0], logits.Shape[1]
		// Shift each row by its maximum before exponentiating to keep
		// the sums finite.
		shifted := tensor.ZerosLike(logits)
		for i := 0; i < rows; i++ {
			row := logits.Data[i*cols : (i+1)*cols]
			maxVal := row[0]
			for _, v := range row[1:] {
				if v > maxVal {
					maxVal = v
				}
			}
			for j, v := range row {
				shifted.Data[i*cols+j] = v - maxVal
			}
		}
		out, err := tensor.Exp(shifted)
		if err != nil {
			return nil, err
		}
		for i := 0; i < rows; i++ {
			var sum float32
			for j := 0; j < cols; j++ {
				sum += out.Data[i*cols+j]
			}
			for j := 0; j < cols; j++ {
				if fn == OutputSoftmax {
					out.Data[i*cols+j] /= sum
				} else {
					out.Data[i*cols+j] = shifted.Data[i*cols+j] - logf(sum)
				}
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown output function %q", fn)
	}
}

func expf(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

func logf(x float32) float32 {
	return float32(math.Log(float64(x)))
}
