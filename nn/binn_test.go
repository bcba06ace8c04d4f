package nn

import (
	"math"
	"testing"

	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

func TestNewBiNNValidation(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 1)

	tests := []struct {
		name    string
		config  BiNNConfig
		wantErr bool
	}{
		{"default", DefaultBiNNConfig(), false},
		{"single width", BiNNConfig{Layers: []int{10}, OutputFunction: OutputLogSoftmax}, true},
		{"unknown output function", BiNNConfig{Layers: []int{4, 2}, OutputFunction: "relu"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBiNN(tt.config, ctx)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewBiNN error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBiNNForwardShapes(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 1)
	net, err := NewBiNN(BiNNConfig{Layers: []int{6, 8, 3}, OutputFunction: OutputLogSoftmax}, ctx)
	if err != nil {
		t.Fatalf("NewBiNN: %v", err)
	}

	input, _ := tensor.RandomNormal([]int{5, 6}, 0, 1, ctx.Rand())
	output, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if output.Shape[0] != 5 || output.Shape[1] != 3 {
		t.Fatalf("output shape = %v, want [5 3]", output.Shape)
	}

	// Log-softmax rows exponentiate to a probability distribution.
	for i := 0; i < 5; i++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += math.Exp(float64(output.Data[i*3+j]))
		}
		if math.Abs(sum-1) > 1e-4 {
			t.Errorf("row %d probabilities sum to %g, want 1", i, sum)
		}
	}

	// Wrong input width must fail.
	bad, _ := tensor.RandomNormal([]int{5, 7}, 0, 1, ctx.Rand())
	if _, err := net.Forward(bad); err == nil {
		t.Error("mismatched input width should fail")
	}
}

func TestBiNNForwardUsesBinarizedWeights(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 1)
	net, err := NewBiNN(BiNNConfig{Layers: []int{2, 1}, OutputFunction: OutputSigmoid}, ctx)
	if err != nil {
		t.Fatalf("NewBiNN: %v", err)
	}
	// Scaling the latent weights must not change the output: only their
	// sign reaches the forward pass.
	input, _ := tensor.New([]int{1, 2}, []float32{0.3, -0.7})
	before, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for _, p := range net.Parameters() {
		for i := range p.Data.Data {
			p.Data.Data[i] *= 17
		}
	}
	after, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !before.Equal(after, 1e-6) {
		t.Errorf("scaling latent weights changed the output: %v -> %v", before.Data, after.Data)
	}
}

func TestBiNNBackward(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 1)
	net, err := NewBiNN(BiNNConfig{Layers: []int{4, 3, 2}, OutputFunction: OutputLogSoftmax, Bias: true}, ctx)
	if err != nil {
		t.Fatalf("NewBiNN: %v", err)
	}

	input, _ := tensor.RandomNormal([]int{3, 4}, 0, 1, ctx.Rand())
	output, err := net.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	grad := tensor.ZerosLike(output)
	for i := 0; i < 3; i++ {
		grad.Data[i*2] = -1.0 / 3 // class 0 target for every sample
	}
	ZeroGrad(net.Parameters())
	if err := net.Backward(grad); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	var nonzero bool
	for _, p := range net.Parameters() {
		if len(p.Grad.Shape) != len(p.Data.Shape) {
			t.Errorf("parameter %s gradient shape %v does not match %v", p.Name, p.Grad.Shape, p.Data.Shape)
		}
		for _, v := range p.Grad.Data {
			if v != 0 {
				nonzero = true
			}
		}
	}
	if !nonzero {
		t.Error("backward pass left every gradient at zero")
	}

	// Backward before Forward is a usage error.
	fresh, _ := NewBiNN(BiNNConfig{Layers: []int{4, 2}, OutputFunction: OutputLogSoftmax}, ctx)
	if err := fresh.Backward(grad); err == nil {
		t.Error("Backward before Forward should fail")
	}
}

func TestBiNNParameterOrder(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 1)
	net, err := NewBiNN(BiNNConfig{Layers: []int{4, 3, 2}, OutputFunction: OutputLogSoftmax, Bias: true}, ctx)
	if err != nil {
		t.Fatalf("NewBiNN: %v", err)
	}
	params := net.Parameters()
	want := []string{"fc1.weight", "fc1.bias", "fc2.weight", "fc2.bias"}
	if len(params) != len(want) {
		t.Fatalf("got %d parameters, want %d", len(params), len(want))
	}
	for i, name := range want {
		if params[i].Name != name {
			t.Errorf("parameter %d = %q, want %q", i, params[i].Name, name)
		}
	}
}

func TestStateDictRoundtrip(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 1)
	a, _ := NewBiNN(BiNNConfig{Layers: []int{4, 2}, OutputFunction: OutputLogSoftmax}, ctx)
	b, _ := NewBiNN(BiNNConfig{Layers: []int{4, 2}, OutputFunction: OutputLogSoftmax}, ctx.Fork(1))

	if err := LoadStateDict(b, StateDict(a)); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	pa, pb := a.Parameters(), b.Parameters()
	for i := range pa {
		if !pa[i].Data.Equal(pb[i].Data, 0) {
			t.Errorf("parameter %s differs after state dict roundtrip", pa[i].Name)
		}
	}

	// Loading into a mismatched architecture must fail.
	c, _ := NewBiNN(BiNNConfig{Layers: []int{4, 3}, OutputFunction: OutputLogSoftmax}, ctx)
	if err := LoadStateDict(c, StateDict(a)); err == nil {
		t.Error("state dict with mismatched shapes should fail")
	}
}

func TestLinearForwardBackward(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 1)
	m, err := NewLinear(3, 1, OutputSigmoid, true, ctx)
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}

	input, _ := tensor.New([]int{2, 3}, []float32{1, 0, -1, 0.5, 0.5, 0.5})
	output, err := m.Forward(input)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for _, v := range output.Data {
		if v <= 0 || v >= 1 {
			t.Errorf("sigmoid output %g outside (0, 1)", v)
		}
	}

	grad := tensor.ZerosLike(output)
	grad.Data[0] = 1
	ZeroGrad(m.Parameters())
	if err := m.Backward(grad); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	var nonzero bool
	for _, p := range m.Parameters() {
		for _, v := range p.Grad.Data {
			if v != 0 {
				nonzero = true
			}
		}
	}
	if !nonzero {
		t.Error("backward pass left every gradient at zero")
	}
}
