package tensor

import (
	"fmt"
	"math/rand"
)

// New creates a dense tensor from the given shape and backing data. The data
// slice is used directly, not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	t := &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Device:  CPU,
		Layout:  Dense,
		Data:    data,
	}
	if len(data) != t.NumElems() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, t.NumElems())
	}
	return t, nil
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return New(shape, make([]float32, n))
}

// Ones creates a tensor filled with ones.
func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Full creates a tensor filled with a constant value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// ZerosLike creates a zero tensor with the same shape and device as t.
func ZerosLike(t *Tensor) *Tensor {
	out, _ := Zeros(t.Shape)
	out.Device = t.Device
	return out
}

// NewSparseCOO creates a sparse tensor holding values at the given flat
// element positions. The engine itself never produces sparse tensors; the
// type exists so that gradient consumers can detect and reject them.
func NewSparseCOO(shape []int, indices []int, values []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if len(indices) != len(values) {
		return nil, fmt.Errorf("indices length %d does not match values length %d", len(indices), len(values))
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Device:  CPU,
		Layout:  SparseCOO,
		Data:    values,
		Indices: append([]int(nil), indices...),
	}, nil
}

// RandomNormal creates a tensor of normally distributed values drawn from
// the given source. Callers thread the RunContext generator through so that
// initialization is reproducible.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())*std + mean
	}
	return t, nil
}

// RandomUniform creates a tensor of values drawn uniformly from [low, high).
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = low + rng.Float32()*(high-low)
	}
	return t, nil
}

// Perm returns a random permutation of [0, n).
func Perm(n int, rng *rand.Rand) []int {
	return rng.Perm(n)
}

// Identity returns the identity permutation of [0, n).
func Identity(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	return perm
}

// Bernoulli draws independent {0,1} samples, one per element of probs.
func Bernoulli(probs *Tensor, rng *rand.Rand) (*Tensor, error) {
	if probs.IsSparse() {
		return nil, fmt.Errorf("Bernoulli requires a dense probability tensor")
	}
	out := ZerosLike(probs)
	for i, p := range probs.Data {
		if rng.Float32() < p {
			out.Data[i] = 1
		}
	}
	return out, nil
}
