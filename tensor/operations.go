package tensor

import (
	"fmt"
	"math"
)

func binaryOp(name string, t1, t2 *Tensor, f func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, fmt.Errorf("%s: %v", name, err)
	}
	result := ZerosLike(t1)
	for i := range t1.Data {
		result.Data[i] = f(t1.Data[i], t2.Data[i])
	}
	return result, nil
}

func unaryOp(name string, t *Tensor, f func(a float32) float32) (*Tensor, error) {
	if t.IsSparse() {
		return nil, fmt.Errorf("%s requires a dense tensor", name)
	}
	result := ZerosLike(t)
	for i := range t.Data {
		result.Data[i] = f(t.Data[i])
	}
	return result, nil
}

// Add returns t1 + t2 elementwise.
func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Add", t1, t2, func(a, b float32) float32 { return a + b })
}

// Sub returns t1 - t2 elementwise.
func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Sub", t1, t2, func(a, b float32) float32 { return a - b })
}

// Mul returns t1 * t2 elementwise.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Mul", t1, t2, func(a, b float32) float32 { return a * b })
}

// Div returns t1 / t2 elementwise.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Div", t1, t2, func(a, b float32) float32 { return a / b })
}

// Scale returns t * s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unaryOp("Scale", t, func(a float32) float32 { return a * s })
}

// Sqrt returns the elementwise square root.
func Sqrt(t *Tensor) (*Tensor, error) {
	return unaryOp("Sqrt", t, func(a float32) float32 {
		return float32(math.Sqrt(float64(a)))
	})
}

// Sign returns the elementwise sign: -1, 0, or +1.
func Sign(t *Tensor) (*Tensor, error) {
	return unaryOp("Sign", t, func(a float32) float32 {
		switch {
		case a > 0:
			return 1
		case a < 0:
			return -1
		default:
			return 0
		}
	})
}

// Tanh returns the elementwise hyperbolic tangent.
func Tanh(t *Tensor) (*Tensor, error) {
	return unaryOp("Tanh", t, func(a float32) float32 {
		return float32(math.Tanh(float64(a)))
	})
}

// Sigmoid returns the elementwise logistic function.
func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryOp("Sigmoid", t, func(a float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(a))))
	})
}

// Exp returns the elementwise exponential.
func Exp(t *Tensor) (*Tensor, error) {
	return unaryOp("Exp", t, func(a float32) float32 {
		return float32(math.Exp(float64(a)))
	})
}

// Where selects from a where the condition mask is nonzero, otherwise from b.
func Where(cond, a, b *Tensor) (*Tensor, error) {
	if err := checkCompatibility(cond, a); err != nil {
		return nil, fmt.Errorf("Where: %v", err)
	}
	if err := checkCompatibility(a, b); err != nil {
		return nil, fmt.Errorf("Where: %v", err)
	}
	result := ZerosLike(a)
	for i := range cond.Data {
		if cond.Data[i] != 0 {
			result.Data[i] = a.Data[i]
		} else {
			result.Data[i] = b.Data[i]
		}
	}
	return result, nil
}
