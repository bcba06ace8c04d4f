package nn

import (
	"fmt"
	"math"

	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// BiNNConfig configures a binarized multi-layer perceptron.
type BiNNConfig struct {
	// Layers lists layer sizes, input width first and output width last.
	Layers []int
	// OutputFunction selects the output nonlinearity ("softmax",
	// "log_softmax", or "sigmoid").
	OutputFunction string
	// Bias adds a real-valued bias to every layer.
	Bias bool
}

// DefaultBiNNConfig returns a configuration for a 10-class MNIST-sized
// network.
func DefaultBiNNConfig() BiNNConfig {
	return BiNNConfig{
		Layers:         []int{784, 512, 10},
		OutputFunction: OutputLogSoftmax,
		Bias:           false,
	}
}

type binnLayer struct {
	weight *Parameter
	bias   *Parameter

	// forward caches consumed by Backward
	input  *tensor.Tensor
	preact *tensor.Tensor
	binW   *tensor.Tensor
}

// BiNN is a binarized MLP. Latent weights stay real-valued; the forward
// pass uses their sign, and hidden activations are binarized with a
// straight-through estimator whose gradient is clamped outside [-1, 1].
type BiNN struct {
	layers   []*binnLayer
	outputFn string
	output   *tensor.Tensor
	training bool
}

// NewBiNN builds a binarized MLP with Xavier-uniform latent weights drawn
// from the run context's random source.
func NewBiNN(config BiNNConfig, ctx *device.RunContext) (*BiNN, error) {
	if len(config.Layers) < 2 {
		return nil, fmt.Errorf("BiNN needs at least an input and an output size, got %v", config.Layers)
	}
	switch config.OutputFunction {
	case OutputSoftmax, OutputLogSoftmax, OutputSigmoid:
	default:
		return nil, fmt.Errorf("unknown output function %q", config.OutputFunction)
	}

	net := &BiNN{
		outputFn: config.OutputFunction,
		training: true,
	}
	for i := 0; i < len(config.Layers)-1; i++ {
		in, out := config.Layers[i], config.Layers[i+1]
		bound := float32(math.Sqrt(6.0 / float64(in+out)))
		weight, err := tensor.RandomUniform([]int{in, out}, -bound, bound, ctx.Rand())
		if err != nil {
			return nil, err
		}
		weight.Device = ctx.Device
		layer := &binnLayer{
			weight: NewParameter(fmt.Sprintf("fc%d.weight", i+1), weight),
		}
		if config.Bias {
			biasT, err := tensor.Zeros([]int{out})
			if err != nil {
				return nil, err
			}
			biasT.Device = ctx.Device
			layer.bias = NewParameter(fmt.Sprintf("fc%d.bias", i+1), biasT)
		}
		net.layers = append(net.layers, layer)
	}
	return net, nil
}

// binarize maps latent values to {-1, +1}; zero commits to +1.
func binarize(t *tensor.Tensor) *tensor.Tensor {
	out := tensor.ZerosLike(t)
	for i, v := range t.Data {
		if v >= 0 {
			out.Data[i] = 1
		} else {
			out.Data[i] = -1
		}
	}
	return out
}

// Forward runs the binarized network on a [batch, features] input.
func (m *BiNN) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("BiNN expects a 2D [batch, features] input, got shape %v", input.Shape)
	}
	if input.Shape[1] != m.layers[0].weight.Data.Shape[0] {
		return nil, fmt.Errorf("input width %d does not match first layer width %d",
			input.Shape[1], m.layers[0].weight.Data.Shape[0])
	}

	h := input
	for i, layer := range m.layers {
		binW := binarize(layer.weight.Data)
		z, err := tensor.MatMul(h, binW)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %v", i+1, err)
		}
		if layer.bias != nil {
			addRowBroadcast(z, layer.bias.Data)
		}
		layer.input, layer.binW, layer.preact = h, binW, z

		if i < len(m.layers)-1 {
			h = binarize(z)
		} else {
			out, err := applyOutputFunction(z, m.outputFn)
			if err != nil {
				return nil, err
			}
			m.output = out
			return out, nil
		}
	}
	return nil, fmt.Errorf("BiNN has no layers")
}

// Backward accumulates latent-weight gradients from the loss gradient with
// respect to the network output. Binarization is handled straight-through:
// the binary weight's gradient lands on the latent weight unchanged, and
// hidden sign activations pass gradient only where |preactivation| <= 1.
func (m *BiNN) Backward(gradOutput *tensor.Tensor) error {
	if m.output == nil {
		return fmt.Errorf("Backward called before Forward")
	}
	dz, err := outputGrad(m.outputFn, m.output, gradOutput)
	if err != nil {
		return err
	}

	for i := len(m.layers) - 1; i >= 0; i-- {
		layer := m.layers[i]
		if layer.input == nil {
			return fmt.Errorf("layer %d: Backward called before Forward", i+1)
		}

		inputT, err := tensor.Transpose2D(layer.input)
		if err != nil {
			return err
		}
		dW, err := tensor.MatMul(inputT, dz)
		if err != nil {
			return err
		}
		for j, v := range dW.Data {
			layer.weight.Grad.Data[j] += v
		}
		if layer.bias != nil {
			accumulateColumnSums(layer.bias.Grad, dz)
		}

		if i == 0 {
			break
		}
		binWT, err := tensor.Transpose2D(layer.binW)
		if err != nil {
			return err
		}
		dh, err := tensor.MatMul(dz, binWT)
		if err != nil {
			return err
		}
		// straight-through estimator for the previous sign activation
		prev := m.layers[i-1]
		dz = dh
		for j, z := range prev.preact.Data {
			if z > 1 || z < -1 {
				dz.Data[j] = 0
			}
		}
	}
	return nil
}

// Parameters returns weights and biases in layer order. Weights are 2D and
// take the metaplastic update path; biases are 1D and take the plain path.
func (m *BiNN) Parameters() []*Parameter {
	params := make([]*Parameter, 0, 2*len(m.layers))
	for _, layer := range m.layers {
		params = append(params, layer.weight)
		if layer.bias != nil {
			params = append(params, layer.bias)
		}
	}
	return params
}

func (m *BiNN) OutputFunction() string { return m.outputFn }
func (m *BiNN) Train()                 { m.training = true }
func (m *BiNN) Eval()                  { m.training = false }
func (m *BiNN) IsTraining() bool       { return m.training }

// outputGrad converts the loss gradient with respect to the activated
// output into the gradient with respect to the pre-activation logits.
func outputGrad(fn string, output, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if !sameShape(output.Shape, gradOutput.Shape) {
		return nil, fmt.Errorf("output shape %v does not match gradient shape %v", output.Shape, gradOutput.Shape)
	}
	dz := tensor.ZerosLike(output)
	switch fn {
	case OutputSigmoid:
		for i, s := range output.Data {
			dz.Data[i] = gradOutput.Data[i] * s * (1 - s)
		}
	case OutputLogSoftmax:
		rows, cols := output.Shape[0], output.Shape[1]
		for i := 0; i < rows; i++ {
			var rowSum float32
			for j := 0; j < cols; j++ {
				rowSum += gradOutput.Data[i*cols+j]
			}
			for j := 0; j < cols; j++ {
				idx := i*cols + j
				dz.Data[idx] = gradOutput.Data[idx] - expf(output.Data[idx])*rowSum
			}
		}
	case OutputSoftmax:
		rows, cols := output.Shape[0], output.Shape[1]
		for i := 0; i < rows; i++ {
			var dot float32
			for j := 0; j < cols; j++ {
				idx := i*cols + j
				dot += gradOutput.Data[idx] * output.Data[idx]
			}
			for j := 0; j < cols; j++ {
				idx := i*cols + j
				dz.Data[idx] = output.Data[idx] * (gradOutput.Data[idx] - dot)
			}
		}
	default:
		return nil, fmt.Errorf("unknown output function %q", fn)
	}
	return dz, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// addRowBroadcast adds a [cols] bias to every row of a [rows, cols] tensor
// in place.
func addRowBroadcast(t, bias *tensor.Tensor) {
	cols := bias.NumElems()
	rows := t.NumElems() / cols
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t.Data[i*cols+j] += bias.Data[j]
		}
	}
}

// accumulateColumnSums adds the column sums of a [rows, cols] gradient to a
// [cols] bias gradient.
func accumulateColumnSums(grad, dz *tensor.Tensor) {
	cols := grad.NumElems()
	rows := dz.NumElems() / cols
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			grad.Data[j] += dz.Data[i*cols+j]
		}
	}
}
