package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMul computes the matrix product of two 2D tensors through BLAS.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.IsSparse() || t2.IsSparse() {
		return nil, fmt.Errorf("MatMul requires dense tensors")
	}
	if t1.Device != t2.Device {
		return nil, fmt.Errorf("MatMul: device mismatch: %s vs %s", t1.Device, t2.Device)
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	m, k := t1.Shape[0], t1.Shape[1]
	if t2.Shape[0] != k {
		return nil, fmt.Errorf("MatMul: inner dimensions do not match: %v and %v", t1.Shape, t2.Shape)
	}
	n := t2.Shape[1]

	result, err := Zeros([]int{m, n})
	if err != nil {
		return nil, err
	}
	result.Device = t1.Device

	a := blas32.General{Rows: m, Cols: k, Stride: k, Data: t1.Data}
	b := blas32.General{Rows: k, Cols: n, Stride: n, Data: t2.Data}
	c := blas32.General{Rows: m, Cols: n, Stride: n, Data: result.Data}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, b, 0, c)

	return result, nil
}

// Transpose2D returns the transpose of a 2D tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose2D requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows})
	if err != nil {
		return nil, err
	}
	result.Device = t.Device
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}

// Reshape returns a view of t with the given shape, sharing storage.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if t.IsSparse() {
		return nil, fmt.Errorf("Reshape requires a dense tensor")
	}
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	n := 1
	for _, dim := range newShape {
		n *= dim
	}
	if n != t.NumElems() {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)", t.Shape, t.NumElems(), newShape, n)
	}
	return &Tensor{
		Shape:   append([]int(nil), newShape...),
		Strides: calculateStrides(newShape),
		Device:  t.Device,
		Layout:  t.Layout,
		Data:    t.Data,
	}, nil
}

// FlattenSamples reshapes [N, d1, d2, ...] to [N, d1*d2*...], keeping the
// sample dimension. A squeeze of redundant inner dimensions for models that
// consume flat inputs.
func FlattenSamples(t *Tensor) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("FlattenSamples requires at least 2 dimensions, got %v", t.Shape)
	}
	features := 1
	for _, dim := range t.Shape[1:] {
		features *= dim
	}
	return Reshape(t, []int{t.Shape[0], features})
}

// Squeeze removes a dimension of size 1.
func Squeeze(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("Squeeze: dimension %d out of range for shape %v", dim, t.Shape)
	}
	if t.Shape[dim] != 1 {
		return nil, fmt.Errorf("Squeeze: dimension %d has size %d, expected 1", dim, t.Shape[dim])
	}
	newShape := make([]int, 0, len(t.Shape)-1)
	for i, d := range t.Shape {
		if i != dim {
			newShape = append(newShape, d)
		}
	}
	return Reshape(t, newShape)
}

// SumAll returns the sum over every element.
func SumAll(t *Tensor) float32 {
	var sum float32
	for _, v := range t.Data {
		sum += v
	}
	return sum
}

// MeanAll returns the mean over every element.
func MeanAll(t *Tensor) float32 {
	return SumAll(t) / float32(t.NumElems())
}

// MeanDim0 averages a stack of equally shaped tensors elementwise. Used to
// combine Monte-Carlo prediction samples.
func MeanDim0(stack []*Tensor) (*Tensor, error) {
	if len(stack) == 0 {
		return nil, fmt.Errorf("MeanDim0 requires at least one tensor")
	}
	result := ZerosLike(stack[0])
	for _, t := range stack {
		if err := checkCompatibility(result, t); err != nil {
			return nil, fmt.Errorf("MeanDim0: %v", err)
		}
		for i, v := range t.Data {
			result.Data[i] += v
		}
	}
	inv := 1.0 / float32(len(stack))
	for i := range result.Data {
		result.Data[i] *= inv
	}
	return result, nil
}

// ArgMaxRows returns, for a 2D tensor, the column index of the maximum in
// each row.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("ArgMaxRows requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		bestVal := t.Data[i*cols]
		for j := 1; j < cols; j++ {
			if v := t.Data[i*cols+j]; v > bestVal {
				bestVal = v
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}

// IndexSelect gathers rows along dimension 0.
func IndexSelect(t *Tensor, indices []int) (*Tensor, error) {
	if t.IsSparse() {
		return nil, fmt.Errorf("IndexSelect requires a dense tensor")
	}
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("IndexSelect requires at least 1 dimension")
	}
	rowSize := t.NumElems() / t.Shape[0]
	newShape := append([]int{len(indices)}, t.Shape[1:]...)
	result, err := Zeros(newShape)
	if err != nil {
		return nil, err
	}
	result.Device = t.Device
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[0] {
			return nil, fmt.Errorf("IndexSelect: index %d out of range for dimension 0 (size %d)", idx, t.Shape[0])
		}
		copy(result.Data[i*rowSize:(i+1)*rowSize], t.Data[idx*rowSize:(idx+1)*rowSize])
	}
	return result, nil
}

// PermuteFeatures reorders the flattened per-sample features of t by the
// given permutation and returns the result in t's original shape. This is
// the pixel-permutation transform of permuted-task continual learning.
func PermuteFeatures(t *Tensor, perm []int) (*Tensor, error) {
	if t.IsSparse() {
		return nil, fmt.Errorf("PermuteFeatures requires a dense tensor")
	}
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("PermuteFeatures requires at least 2 dimensions, got %v", t.Shape)
	}
	rowSize := t.NumElems() / t.Shape[0]
	if len(perm) != rowSize {
		return nil, fmt.Errorf("permutation length %d does not match feature count %d", len(perm), rowSize)
	}
	result := ZerosLike(t)
	for s := 0; s < t.Shape[0]; s++ {
		base := s * rowSize
		for j, p := range perm {
			if p < 0 || p >= rowSize {
				return nil, fmt.Errorf("permutation entry %d out of range [0, %d)", p, rowSize)
			}
			result.Data[base+j] = t.Data[base+p]
		}
	}
	return result, nil
}

// Pad2D zero-pads the two trailing spatial dimensions of an image tensor by
// the same amount on every side.
func Pad2D(t *Tensor, padding int) (*Tensor, error) {
	if padding < 0 {
		return nil, fmt.Errorf("Pad2D: padding must be non-negative, got %d", padding)
	}
	if padding == 0 {
		return t, nil
	}
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("Pad2D requires at least 2 dimensions, got %v", t.Shape)
	}
	h := t.Shape[len(t.Shape)-2]
	w := t.Shape[len(t.Shape)-1]
	outer := t.NumElems() / (h * w)
	newH, newW := h+2*padding, w+2*padding

	newShape := append([]int(nil), t.Shape...)
	newShape[len(newShape)-2] = newH
	newShape[len(newShape)-1] = newW
	result, err := Zeros(newShape)
	if err != nil {
		return nil, err
	}
	result.Device = t.Device
	for o := 0; o < outer; o++ {
		srcBase := o * h * w
		dstBase := o * newH * newW
		for row := 0; row < h; row++ {
			src := srcBase + row*w
			dst := dstBase + (row+padding)*newW + padding
			copy(result.Data[dst:dst+w], t.Data[src:src+w])
		}
	}
	return result, nil
}
