package dataset

import (
	"fmt"
	"math/rand"

	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// Batch is one slice of a traversal.
type Batch struct {
	Features *tensor.Tensor
	Labels   *tensor.Tensor
}

// BatchIterator walks a DeviceDataset in shuffled fixed-size batches. A
// traversal is restartable: Begin draws a fresh permutation and rewinds the
// cursor, and Next signals exhaustion by returning a nil batch.
//
// The iterator also owns the continual-learning transforms. It keeps one
// immutable snapshot of the untransformed feature and label tensors; every
// transform rebuilds the live dataset view from that snapshot, so transforms
// never compound.
type BatchIterator struct {
	dataset   *DeviceDataset
	batchSize int
	shuffle   bool
	dropLast  bool

	cursor int
	perm   []int
	rng    *rand.Rand

	refFeatures *tensor.Tensor
	refLabels   *tensor.Tensor
}

// NewBatchIterator wraps a dataset. Shuffling draws from the run context's
// random source.
func NewBatchIterator(ds *DeviceDataset, batchSize int, shuffle, dropLast bool, ctx *device.RunContext) (*BatchIterator, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	it := &BatchIterator{
		dataset:   ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		dropLast:  dropLast,
		rng:       ctx.Rand(),
	}
	it.Begin()
	return it, nil
}

// Begin starts a fresh traversal: a new random permutation of indices (or
// the identity when shuffling is disabled) and a rewound cursor.
func (it *BatchIterator) Begin() {
	n := it.dataset.Len()
	if it.shuffle {
		it.perm = tensor.Perm(n, it.rng)
	} else {
		it.perm = tensor.Identity(n)
	}
	it.cursor = 0
}

// Next returns the batch under the cursor and advances it. A nil batch
// signals the end of the traversal; with dropLast set, a remainder smaller
// than the batch size is dropped silently, otherwise it is returned once as
// a shrunk final batch.
func (it *BatchIterator) Next() (*Batch, error) {
	n := it.dataset.Len()
	if it.cursor >= n {
		return nil, nil
	}
	end := it.cursor + it.batchSize
	if end > n {
		if it.dropLast {
			it.cursor = n
			return nil, nil
		}
		end = n
	}
	indices := it.perm[it.cursor:end]
	it.cursor = end

	features, labels, err := it.dataset.Select(indices)
	if err != nil {
		return nil, err
	}
	return &Batch{Features: features, Labels: labels}, nil
}

// NumBatches returns the number of batches one traversal yields.
func (it *BatchIterator) NumBatches() int {
	n := it.dataset.Len()
	if it.dropLast {
		return n / it.batchSize
	}
	return (n + it.batchSize - 1) / it.batchSize
}

// Len returns the number of samples in the current dataset view.
func (it *BatchIterator) Len() int {
	return it.dataset.Len()
}

// BatchSize returns the configured batch size.
func (it *BatchIterator) BatchSize() int {
	return it.batchSize
}

// Dataset exposes the live dataset view.
func (it *BatchIterator) Dataset() *DeviceDataset {
	return it.dataset
}

// snapshotReference captures the pristine dataset once, before the first
// transform mutates the view.
func (it *BatchIterator) snapshotReference() {
	if it.refFeatures == nil {
		it.refFeatures = it.dataset.Features.Clone()
		it.refLabels = it.dataset.Labels.Clone()
	}
}

// TaskSequence is a restartable, finite sequence of task views over one
// physical dataset. Next reconfigures the shared iterator for the next task
// and returns it; nil signals exhaustion.
type TaskSequence struct {
	length int
	index  int
	step   func(i int) (*BatchIterator, error)
}

// Len returns the number of tasks in the sequence.
func (s *TaskSequence) Len() int {
	return s.length
}

// Next yields the iterator configured for the next task, or nil when the
// sequence is exhausted.
func (s *TaskSequence) Next() (*BatchIterator, error) {
	if s.index >= s.length {
		return nil, nil
	}
	it, err := s.step(s.index)
	if err != nil {
		return nil, err
	}
	s.index++
	return it, nil
}

// Reset rewinds the sequence to the first task.
func (s *TaskSequence) Reset() {
	s.index = 0
}

// PermutedTasks returns a lazy sequence of len(perms) tasks, each viewing
// the same dataset with its per-sample features reordered by a pixel
// permutation. Each step rebuilds the view from the pristine reference, so
// permutations apply to the original data, never to each other's output.
func (it *BatchIterator) PermutedTasks(perms [][]int) *TaskSequence {
	it.snapshotReference()
	return &TaskSequence{
		length: len(perms),
		step: func(i int) (*BatchIterator, error) {
			permuted, err := tensor.PermuteFeatures(it.refFeatures, perms[i])
			if err != nil {
				return nil, fmt.Errorf("task %d: %v", i, err)
			}
			it.dataset.Features = permuted
			it.dataset.Labels = it.refLabels
			it.Begin()
			return it, nil
		},
	}
}

// ClassIncrementalTasks returns a lazy sequence of nTasks tasks, the i-th
// restricting the dataset view to samples whose label falls in the i-th
// contiguous block of an equal partition of the label range.
func (it *BatchIterator) ClassIncrementalTasks(nTasks int) (*TaskSequence, error) {
	if nTasks <= 0 {
		return nil, fmt.Errorf("number of tasks must be positive, got %d", nTasks)
	}
	it.snapshotReference()

	numClasses := 0
	for _, v := range it.refLabels.Data {
		if c := int(v) + 1; c > numClasses {
			numClasses = c
		}
	}
	if numClasses%nTasks != 0 {
		return nil, fmt.Errorf("%d classes cannot be split into %d equal tasks", numClasses, nTasks)
	}
	perTask := numClasses / nTasks

	return &TaskSequence{
		length: nTasks,
		step: func(i int) (*BatchIterator, error) {
			lo := float32(i * perTask)
			hi := float32((i + 1) * perTask)
			var indices []int
			for j, v := range it.refLabels.Data {
				if v >= lo && v < hi {
					indices = append(indices, j)
				}
			}
			if len(indices) == 0 {
				return nil, fmt.Errorf("task %d has no samples in label range [%g, %g)", i, lo, hi)
			}
			features, err := tensor.IndexSelect(it.refFeatures, indices)
			if err != nil {
				return nil, err
			}
			labels, err := tensor.IndexSelect(it.refLabels, indices)
			if err != nil {
				return nil, err
			}
			it.dataset.Features = features
			it.dataset.Labels = labels
			it.Begin()
			return it, nil
		},
	}, nil
}
