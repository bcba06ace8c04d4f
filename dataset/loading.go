package dataset

import (
	"math"

	"github.com/pkg/errors"

	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// Task identifiers the loading facade understands. Dataset download and
// decoding are external concerns; the facade consumes already decoded
// arrays keyed by source name.
const (
	TaskMNIST              = "MNIST"
	TaskFashionMNIST       = "FashionMNIST"
	TaskSequential         = "Sequential"
	TaskPermutedMNIST      = "PermutedMNIST"
	TaskCIFAR10            = "CIFAR10"
	TaskCIFAR10Incremental = "CIFAR10INCREMENTAL"
	TaskCIFAR100           = "CIFAR100"
	TaskCIFAR100Inc        = "CIFAR100INCREMENTAL"
)

// Raw source names TaskSelection looks up.
const (
	SourceMNIST        = "mnist"
	SourceFashionMNIST = "fashion_mnist"
	SourceCIFAR10      = "cifar10"
	SourceCIFAR100     = "cifar100"
)

// RawData holds one decoded split: channel-interleaved pixel rows and
// integer labels.
type RawData struct {
	Images   []float32 // Samples*Channels*Height*Width values, sample-major
	Labels   []int
	Samples  int
	Height   int
	Width    int
	Channels int
}

func (r RawData) validate() error {
	want := r.Samples * r.Channels * r.Height * r.Width
	if len(r.Images) != want {
		return errors.Errorf("expected %d pixel values for %d samples of %dx%dx%d, got %d",
			want, r.Samples, r.Channels, r.Height, r.Width, len(r.Images))
	}
	if len(r.Labels) != r.Samples {
		return errors.Errorf("expected %d labels, got %d", r.Samples, len(r.Labels))
	}
	return nil
}

// RawPair is the train/test splits of one source.
type RawPair struct {
	Train RawData
	Test  RawData
}

// Loaded is the result of building one source: the device datasets, plus a
// ready train/test iterator pair unless as-dataset mode is selected.
type Loaded struct {
	TrainSet *DeviceDataset
	TestSet  *DeviceDataset
	Train    *BatchIterator
	Test     *BatchIterator
}

// Loading builds device datasets from raw decoded arrays: normalization to
// zero mean and unit scale (statistics taken from the training split),
// channel-first reshaping, optional spatial zero padding, and a single move
// to the run's device.
type Loading struct {
	padding   int
	asDataset bool
	ctx       *device.RunContext
}

// NewLoading creates a loading facade. With asDataset set, Build returns
// combined datasets for external batched iteration instead of iterators.
func NewLoading(padding int, asDataset bool, ctx *device.RunContext) *Loading {
	return &Loading{padding: padding, asDataset: asDataset, ctx: ctx}
}

// Build runs the full pipeline for one source pair.
func (l *Loading) Build(pair RawPair, batchSize int) (*Loaded, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if err := pair.Train.validate(); err != nil {
		return nil, errors.Wrap(err, "train split")
	}
	if err := pair.Test.validate(); err != nil {
		return nil, errors.Wrap(err, "test split")
	}

	mean, std := pixelStats(pair.Train.Images)
	trainX, err := l.split(pair.Train, mean, std)
	if err != nil {
		return nil, errors.Wrap(err, "train split")
	}
	testX, err := l.split(pair.Test, mean, std)
	if err != nil {
		return nil, errors.Wrap(err, "test split")
	}

	trainY := labelTensor(pair.Train.Labels)
	testY := labelTensor(pair.Test.Labels)

	trainSet, err := NewDeviceDataset(trainX, trainY, l.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "train dataset")
	}
	testSet, err := NewDeviceDataset(testX, testY, l.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "test dataset")
	}

	loaded := &Loaded{TrainSet: trainSet, TestSet: testSet}
	if l.asDataset {
		return loaded, nil
	}

	loaded.Train, err = NewBatchIterator(trainSet, batchSize, true, true, l.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "train iterator")
	}
	// the test set is evaluated in a single full-size batch
	loaded.Test, err = NewBatchIterator(testSet, testSet.Len(), true, false, l.ctx)
	if err != nil {
		return nil, errors.Wrap(err, "test iterator")
	}
	return loaded, nil
}

// split normalizes one split and shapes it channel-first with padding.
func (l *Loading) split(raw RawData, mean, std float32) (*tensor.Tensor, error) {
	data := make([]float32, len(raw.Images))
	for i, v := range raw.Images {
		data[i] = (v - mean) / std
	}
	t, err := tensor.New([]int{raw.Samples, raw.Channels, raw.Height, raw.Width}, data)
	if err != nil {
		return nil, err
	}
	return tensor.Pad2D(t, l.padding)
}

// pixelStats computes the mean and standard deviation of the raw pixels.
// A degenerate constant image keeps unit scale to avoid division by zero.
func pixelStats(pixels []float32) (float32, float32) {
	var sum float64
	for _, v := range pixels {
		sum += float64(v)
	}
	mean := sum / float64(len(pixels))

	var sq float64
	for _, v := range pixels {
		d := float64(v) - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(pixels)))
	if std == 0 {
		std = 1
	}
	return float32(mean), float32(std)
}

func labelTensor(labels []int) *tensor.Tensor {
	data := make([]float32, len(labels))
	for i, v := range labels {
		data[i] = float32(v)
	}
	t, _ := tensor.New([]int{len(labels)}, data)
	return t
}

// Tasks is the output of TaskSelection: ordered train and test iterators,
// plus the input shape and class count discovered from the data.
type Tasks struct {
	Train      []*BatchIterator
	Test       []*BatchIterator
	InputShape []int
	TargetSize int
}

// TaskSelection resolves a task identifier to loaded iterators. Unknown
// identifiers and missing sources are configuration errors.
func TaskSelection(loader *Loading, task string, batchSize int, store map[string]RawPair) (*Tasks, error) {
	var sources []string
	switch task {
	case TaskSequential:
		sources = []string{SourceMNIST, SourceFashionMNIST}
	case TaskMNIST, TaskPermutedMNIST:
		sources = []string{SourceMNIST}
	case TaskFashionMNIST:
		sources = []string{SourceFashionMNIST}
	case TaskCIFAR10, TaskCIFAR10Incremental:
		sources = []string{SourceCIFAR10}
	case TaskCIFAR100, TaskCIFAR100Inc:
		sources = []string{SourceCIFAR100}
	default:
		return nil, errors.Errorf("task %q is not implemented", task)
	}

	tasks := &Tasks{}
	for _, name := range sources {
		pair, ok := store[name]
		if !ok {
			return nil, errors.Errorf("task %q needs source %q, which was not provided", task, name)
		}
		loaded, err := loader.Build(pair, batchSize)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %q", name)
		}
		if loaded.Train == nil {
			return nil, errors.Errorf("task selection requires iterator mode, not as-dataset mode")
		}
		tasks.Train = append(tasks.Train, loaded.Train)
		tasks.Test = append(tasks.Test, loaded.Test)
	}

	first := tasks.Train[0].Dataset()
	tasks.InputShape = append([]int(nil), first.Features.Shape[1:]...)
	seen := make(map[int]bool)
	for _, v := range first.Labels.Data {
		seen[int(v)] = true
	}
	tasks.TargetSize = len(seen)
	return tasks, nil
}
