package dataset

import (
	"testing"

	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// indexedDataset builds a dataset whose feature value encodes the sample
// index, so tests can track which samples a batch carries.
func indexedDataset(t *testing.T, n, classes int, ctx *device.RunContext) *DeviceDataset {
	t.Helper()
	features := make([]float32, n)
	labels := make([]float32, n)
	for i := 0; i < n; i++ {
		features[i] = float32(i)
		labels[i] = float32(i % classes)
	}
	ft, err := tensor.New([]int{n, 1}, features)
	if err != nil {
		t.Fatalf("feature tensor: %v", err)
	}
	lt, err := tensor.New([]int{n}, labels)
	if err != nil {
		t.Fatalf("label tensor: %v", err)
	}
	ds, err := NewDeviceDataset(ft, lt, ctx)
	if err != nil {
		t.Fatalf("NewDeviceDataset: %v", err)
	}
	return ds
}

func drainBatches(t *testing.T, it *BatchIterator) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		b, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if b == nil {
			return batches
		}
		batches = append(batches, b)
	}
}

func TestBatchIteratorDropLast(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 7)
	ds := indexedDataset(t, 100, 10, ctx)
	it, err := NewBatchIterator(ds, 30, true, true, ctx)
	if err != nil {
		t.Fatalf("NewBatchIterator: %v", err)
	}

	if it.NumBatches() != 3 {
		t.Errorf("NumBatches = %d, want 3", it.NumBatches())
	}

	batches := drainBatches(t, it)
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3 with the remainder dropped", len(batches))
	}

	seen := make(map[int]bool)
	for i, b := range batches {
		if b.Features.Shape[0] != 30 {
			t.Errorf("batch %d has %d samples, want 30", i, b.Features.Shape[0])
		}
		for _, v := range b.Features.Data {
			if seen[int(v)] {
				t.Errorf("sample %d appeared twice in one traversal", int(v))
			}
			seen[int(v)] = true
		}
	}
	if len(seen) != 90 {
		t.Errorf("traversal visited %d distinct samples, want 90", len(seen))
	}

	// Exhausted traversal keeps returning nil until Begin.
	b, err := it.Next()
	if err != nil || b != nil {
		t.Errorf("Next after exhaustion = (%v, %v), want (nil, nil)", b, err)
	}
}

func TestBatchIteratorShortFinalBatch(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 7)
	ds := indexedDataset(t, 100, 10, ctx)
	it, err := NewBatchIterator(ds, 30, false, false, ctx)
	if err != nil {
		t.Fatalf("NewBatchIterator: %v", err)
	}

	if it.NumBatches() != 4 {
		t.Errorf("NumBatches = %d, want 4", it.NumBatches())
	}

	batches := drainBatches(t, it)
	if len(batches) != 4 {
		t.Fatalf("got %d batches, want 4", len(batches))
	}
	if last := batches[3].Features.Shape[0]; last != 10 {
		t.Errorf("final batch has %d samples, want the 10-sample remainder", last)
	}
}

func TestBatchIteratorInvalidBatchSize(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 7)
	ds := indexedDataset(t, 10, 2, ctx)
	if _, err := NewBatchIterator(ds, 0, false, false, ctx); err == nil {
		t.Error("batch size 0 should fail")
	}
}

func TestBeginRestartsTraversal(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 7)
	ds := indexedDataset(t, 20, 2, ctx)
	it, err := NewBatchIterator(ds, 5, true, false, ctx)
	if err != nil {
		t.Fatalf("NewBatchIterator: %v", err)
	}

	for traversal := 0; traversal < 2; traversal++ {
		it.Begin()
		seen := make(map[int]bool)
		for _, b := range drainBatches(t, it) {
			for _, v := range b.Features.Data {
				seen[int(v)] = true
			}
		}
		if len(seen) != 20 {
			t.Errorf("traversal %d visited %d distinct samples, want all 20", traversal, len(seen))
		}
	}
}

func TestPermutedTasksRebuildFromReference(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 7)
	features, _ := tensor.New([]int{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	labels, _ := tensor.New([]int{2}, []float32{0, 1})
	ds, err := NewDeviceDataset(features, labels, ctx)
	if err != nil {
		t.Fatalf("NewDeviceDataset: %v", err)
	}
	it, err := NewBatchIterator(ds, 2, false, false, ctx)
	if err != nil {
		t.Fatalf("NewBatchIterator: %v", err)
	}

	original := features.Clone()
	perms := [][]int{
		{3, 2, 1, 0},     // reversal
		tensor.Identity(4), // identity must see the original data again
	}
	seq := it.PermutedTasks(perms)
	if seq.Len() != 2 {
		t.Fatalf("sequence length = %d, want 2", seq.Len())
	}

	first, err := seq.Next()
	if err != nil {
		t.Fatalf("first task: %v", err)
	}
	if first.Dataset().Features.Equal(original, 0) {
		t.Error("reversal task should reorder the features")
	}

	second, err := seq.Next()
	if err != nil {
		t.Fatalf("second task: %v", err)
	}
	if !second.Dataset().Features.Equal(original, 0) {
		t.Error("identity task should rebuild from the pristine data, not from the reversed view")
	}

	done, err := seq.Next()
	if err != nil || done != nil {
		t.Errorf("Next past the end = (%v, %v), want (nil, nil)", done, err)
	}
}

func TestClassIncrementalTasks(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 7)
	ds := indexedDataset(t, 40, 4, ctx)
	it, err := NewBatchIterator(ds, 10, false, false, ctx)
	if err != nil {
		t.Fatalf("NewBatchIterator: %v", err)
	}

	t.Run("uneven split fails", func(t *testing.T) {
		if _, err := it.ClassIncrementalTasks(3); err == nil {
			t.Error("4 classes over 3 tasks should fail")
		}
	})

	t.Run("label blocks", func(t *testing.T) {
		seq, err := it.ClassIncrementalTasks(2)
		if err != nil {
			t.Fatalf("ClassIncrementalTasks: %v", err)
		}
		for task := 0; task < 2; task++ {
			taskIt, err := seq.Next()
			if err != nil {
				t.Fatalf("task %d: %v", task, err)
			}
			if taskIt.Len() != 20 {
				t.Errorf("task %d has %d samples, want 20", task, taskIt.Len())
			}
			lo, hi := float32(task*2), float32((task+1)*2)
			for _, v := range taskIt.Dataset().Labels.Data {
				if v < lo || v >= hi {
					t.Errorf("task %d contains label %g outside [%g, %g)", task, v, lo, hi)
				}
			}
		}
	})
}
