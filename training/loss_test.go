package training

import (
	"math"
	"testing"

	"github.com/kellianoy/binarized-neural-networks/tensor"
)

func TestNLLLoss(t *testing.T) {
	criterion := NewNLLLoss()
	// Log-probabilities for two samples over three classes.
	output, _ := tensor.New([]int{2, 3}, []float32{
		-0.5, -1.5, -2.5,
		-2.0, -0.2, -3.0,
	})
	target, _ := tensor.New([]int{2}, []float32{0, 1})

	loss, err := criterion.Forward(output, target)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := (0.5 + 0.2) / 2
	if math.Abs(float64(loss)-want) > 1e-6 {
		t.Errorf("loss = %g, want %g", loss, want)
	}

	grad, err := criterion.Backward(output, target)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	wantGrad := []float32{-0.5, 0, 0, 0, -0.5, 0}
	for i := range wantGrad {
		if math.Abs(float64(grad.Data[i]-wantGrad[i])) > 1e-6 {
			t.Errorf("grad[%d] = %g, want %g", i, grad.Data[i], wantGrad[i])
		}
	}

	t.Run("out of range class fails", func(t *testing.T) {
		bad, _ := tensor.New([]int{2}, []float32{0, 3})
		if _, err := criterion.Forward(output, bad); err == nil {
			t.Error("target class beyond the output width should fail")
		}
	})

	t.Run("target count mismatch fails", func(t *testing.T) {
		bad, _ := tensor.New([]int{3}, []float32{0, 1, 2})
		if _, err := criterion.Forward(output, bad); err == nil {
			t.Error("target length mismatch should fail")
		}
	})
}

func TestBCELoss(t *testing.T) {
	criterion := NewBCELoss()
	if criterion.Name() != "binary_cross_entropy" {
		t.Fatalf("Name = %q", criterion.Name())
	}

	output, _ := tensor.New([]int{2, 1}, []float32{0.9, 0.2})
	target, _ := tensor.New([]int{2}, []float32{1, 0})

	loss, err := criterion.Forward(output, target)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := -(math.Log(0.9) + math.Log(0.8)) / 2
	if math.Abs(float64(loss)-want) > 1e-5 {
		t.Errorf("loss = %g, want %g", loss, want)
	}

	grad, err := criterion.Backward(output, target)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	// d/dp of -(y log p + (1-y) log(1-p)) / n
	wantGrad := []float64{(0.9 - 1) / (0.9 * 0.1) / 2, 0.2 / (0.2 * 0.8) / 2}
	for i := range wantGrad {
		if math.Abs(float64(grad.Data[i])-wantGrad[i]) > 1e-4 {
			t.Errorf("grad[%d] = %g, want %g", i, grad.Data[i], wantGrad[i])
		}
	}

	t.Run("multi-column output fails", func(t *testing.T) {
		wide, _ := tensor.New([]int{2, 2}, []float32{0.5, 0.5, 0.5, 0.5})
		if _, err := criterion.Forward(wide, target); err == nil {
			t.Error("binary cross-entropy over multiple columns should fail")
		}
	})

	t.Run("saturated probabilities stay finite", func(t *testing.T) {
		saturated, _ := tensor.New([]int{2, 1}, []float32{0, 1})
		loss, err := criterion.Forward(saturated, target)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if math.IsInf(float64(loss), 0) || math.IsNaN(float64(loss)) {
			t.Errorf("saturated loss = %g, want a finite clamped value", loss)
		}
	})
}

func TestMSELoss(t *testing.T) {
	criterion := NewMSELoss()
	output, _ := tensor.New([]int{1, 2}, []float32{0.75, 0.25})
	target, _ := tensor.New([]int{1}, []float32{0})

	loss, err := criterion.Forward(output, target)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := (0.25*0.25 + 0.25*0.25) / 2
	if math.Abs(float64(loss)-want) > 1e-6 {
		t.Errorf("loss = %g, want %g", loss, want)
	}

	grad, err := criterion.Backward(output, target)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	wantGrad := []float32{-0.25, 0.25}
	for i := range wantGrad {
		if math.Abs(float64(grad.Data[i]-wantGrad[i])) > 1e-6 {
			t.Errorf("grad[%d] = %g, want %g", i, grad.Data[i], wantGrad[i])
		}
	}
}
