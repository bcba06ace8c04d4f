package nn

import (
	"fmt"
	"math"

	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// Linear is a single fully connected layer with an output nonlinearity,
// the real-valued counterpart to BiNN for baselines and smoke tests.
type Linear struct {
	weight   *Parameter
	bias     *Parameter
	outputFn string

	input    *tensor.Tensor
	output   *tensor.Tensor
	training bool
}

// NewLinear creates a Linear model with Xavier-uniform weights.
func NewLinear(inputSize, outputSize int, outputFn string, withBias bool, ctx *device.RunContext) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid layer sizes %dx%d", inputSize, outputSize)
	}
	switch outputFn {
	case OutputSoftmax, OutputLogSoftmax, OutputSigmoid:
	default:
		return nil, fmt.Errorf("unknown output function %q", outputFn)
	}
	bound := float32(math.Sqrt(6.0 / float64(inputSize+outputSize)))
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, -bound, bound, ctx.Rand())
	if err != nil {
		return nil, err
	}
	weight.Device = ctx.Device
	m := &Linear{
		weight:   NewParameter("weight", weight),
		outputFn: outputFn,
		training: true,
	}
	if withBias {
		biasT, err := tensor.Zeros([]int{outputSize})
		if err != nil {
			return nil, err
		}
		biasT.Device = ctx.Device
		m.bias = NewParameter("bias", biasT)
	}
	return m, nil
}

// Forward computes the activated output for a [batch, features] input.
func (m *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear expects a 2D [batch, features] input, got shape %v", input.Shape)
	}
	z, err := tensor.MatMul(input, m.weight.Data)
	if err != nil {
		return nil, err
	}
	if m.bias != nil {
		addRowBroadcast(z, m.bias.Data)
	}
	out, err := applyOutputFunction(z, m.outputFn)
	if err != nil {
		return nil, err
	}
	m.input, m.output = input, out
	return out, nil
}

// Backward accumulates parameter gradients from the loss gradient.
func (m *Linear) Backward(gradOutput *tensor.Tensor) error {
	if m.output == nil {
		return fmt.Errorf("Backward called before Forward")
	}
	dz, err := outputGrad(m.outputFn, m.output, gradOutput)
	if err != nil {
		return err
	}
	inputT, err := tensor.Transpose2D(m.input)
	if err != nil {
		return err
	}
	dW, err := tensor.MatMul(inputT, dz)
	if err != nil {
		return err
	}
	for i, v := range dW.Data {
		m.weight.Grad.Data[i] += v
	}
	if m.bias != nil {
		accumulateColumnSums(m.bias.Grad, dz)
	}
	return nil
}

func (m *Linear) Parameters() []*Parameter {
	if m.bias != nil {
		return []*Parameter{m.weight, m.bias}
	}
	return []*Parameter{m.weight}
}

func (m *Linear) OutputFunction() string { return m.outputFn }
func (m *Linear) Train()                 { m.training = true }
func (m *Linear) Eval()                  { m.training = false }
func (m *Linear) IsTraining() bool       { return m.training }
