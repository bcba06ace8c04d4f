// Package tensor implements the CPU-resident float32 tensor engine used by
// the dataset pipeline, the optimizers, and the trainers. Tensors carry a
// device tag so that datasets can enforce single-device residency, but all
// arithmetic executes synchronously on the calling goroutine.
package tensor

import (
	"fmt"
)

// DeviceType identifies the compute device a tensor resides on. A run uses
// exactly one device; cross-device operations are rejected.
type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// Layout distinguishes dense tensors from the sparse COO form some
// embedding-style layers emit as gradients. The engine computes on dense
// tensors only; consumers that cannot handle sparse data must reject it.
type Layout int

const (
	Dense Layout = iota
	SparseCOO
)

func (l Layout) String() string {
	switch l {
	case Dense:
		return "Dense"
	case SparseCOO:
		return "SparseCOO"
	default:
		return "Unknown"
	}
}

// Tensor is a dense row-major float32 array with shape metadata.
type Tensor struct {
	Shape   []int
	Strides []int
	Device  DeviceType
	Layout  Layout
	Data    []float32

	// Indices holds the flat element positions of Data values when
	// Layout == SparseCOO. Nil for dense tensors.
	Indices []int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, layout=%s)", t.Shape, t.Device, t.Layout)
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// NumElems returns the number of elements the shape describes.
func (t *Tensor) NumElems() int {
	n := 1
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

// IsSparse reports whether the tensor uses a sparse layout.
func (t *Tensor) IsSparse() bool {
	return t.Layout == SparseCOO
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("empty shape")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
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

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.Device != t2.Device {
		return fmt.Errorf("device mismatch: %s vs %s", t1.Device, t2.Device)
	}
	if t1.IsSparse() || t2.IsSparse() {
		return fmt.Errorf("operation requires dense tensors")
	}
	if !sameShape(t1.Shape, t2.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t1.Shape, t2.Shape)
	}
	return nil
}

// Clone returns a deep copy sharing no storage with the receiver.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	out := &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
		Device:  t.Device,
		Layout:  t.Layout,
		Data:    data,
	}
	if t.Indices != nil {
		out.Indices = append([]int(nil), t.Indices...)
	}
	return out
}

// CopyFrom overwrites the receiver's data with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if err := checkCompatibility(t, src); err != nil {
		return err
	}
	copy(t.Data, src.Data)
	return nil
}

// ToDevice returns the tensor tagged for the given device. With a single
// local device this is a residency marker, not a data transfer, but callers
// still move a dataset exactly once.
func (t *Tensor) ToDevice(device DeviceType) *Tensor {
	if t.Device == device {
		return t
	}
	out := t.Clone()
	out.Device = device
	return out
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems() != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, shape is %v", t.Shape)
	}
	return t.Data[0], nil
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	flat := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d (size %d)", idx, i, t.Shape[i])
		}
		flat += idx * t.Strides[i]
	}
	return t.Data[flat], nil
}

// Equal reports whether two tensors have identical shape and elementwise
// values within tolerance.
func (t *Tensor) Equal(other *Tensor, tolerance float32) bool {
	if !sameShape(t.Shape, other.Shape) {
		return false
	}
	for i := range t.Data {
		diff := t.Data[i] - other.Data[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			return false
		}
	}
	return true
}
