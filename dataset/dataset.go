// Package dataset implements the device-resident data pipeline: in-memory
// feature/label tensors pinned to one compute device, a batch iterator
// producing shuffled fixed-size batches, the pixel-permutation and
// class-incremental task transforms of continual learning, and the loading
// facade that builds all of it from raw decoded arrays.
package dataset

import (
	"fmt"

	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// DeviceDataset is a pair of feature and label tensors resident on the same
// compute device. Both tensors move to the device exactly once, at
// construction; they are never partially moved.
type DeviceDataset struct {
	Features *tensor.Tensor // [N, ...]
	Labels   *tensor.Tensor // [N]
}

// NewDeviceDataset validates the pair and moves it to the run's device.
func NewDeviceDataset(features, labels *tensor.Tensor, ctx *device.RunContext) (*DeviceDataset, error) {
	if len(features.Shape) < 1 || len(labels.Shape) != 1 {
		return nil, fmt.Errorf("expected [N, ...] features and [N] labels, got %v and %v",
			features.Shape, labels.Shape)
	}
	if features.Shape[0] != labels.Shape[0] {
		return nil, fmt.Errorf("feature count %d does not match label count %d",
			features.Shape[0], labels.Shape[0])
	}
	return &DeviceDataset{
		Features: features.ToDevice(ctx.Device),
		Labels:   labels.ToDevice(ctx.Device),
	}, nil
}

// Len returns the number of samples.
func (d *DeviceDataset) Len() int {
	return d.Features.Shape[0]
}

// Select gathers the samples at the given indices as a batch.
func (d *DeviceDataset) Select(indices []int) (*tensor.Tensor, *tensor.Tensor, error) {
	features, err := tensor.IndexSelect(d.Features, indices)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting features: %v", err)
	}
	labels, err := tensor.IndexSelect(d.Labels, indices)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting labels: %v", err)
	}
	return features, labels, nil
}
