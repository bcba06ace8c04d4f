package training

import (
	"testing"

	"github.com/kellianoy/binarized-neural-networks/dataset"
	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/nn"
	"github.com/kellianoy/binarized-neural-networks/optimizer"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// separableData builds a linearly separable classification set: class c
// puts +1 in its own feature block and -1 everywhere else.
func separableData(t *testing.T, n, featuresPerClass, classes int, ctx *device.RunContext) *dataset.DeviceDataset {
	t.Helper()
	width := featuresPerClass * classes
	features := make([]float32, n*width)
	labels := make([]float32, n)
	for i := 0; i < n; i++ {
		c := i % classes
		labels[i] = float32(c)
		for j := 0; j < width; j++ {
			if j/featuresPerClass == c {
				features[i*width+j] = 1
			} else {
				features[i*width+j] = -1
			}
		}
	}
	ft, err := tensor.New([]int{n, width}, features)
	if err != nil {
		t.Fatalf("feature tensor: %v", err)
	}
	lt, err := tensor.New([]int{n}, labels)
	if err != nil {
		t.Fatalf("label tensor: %v", err)
	}
	ds, err := dataset.NewDeviceDataset(ft, lt, ctx)
	if err != nil {
		t.Fatalf("NewDeviceDataset: %v", err)
	}
	return ds
}

func separableTask(t *testing.T, ctx *device.RunContext) *dataset.Tasks {
	t.Helper()
	trainSet := separableData(t, 40, 2, 2, ctx)
	testSet := separableData(t, 12, 2, 2, ctx)
	train, err := dataset.NewBatchIterator(trainSet, 10, true, true, ctx)
	if err != nil {
		t.Fatalf("train iterator: %v", err)
	}
	test, err := dataset.NewBatchIterator(testSet, testSet.Len(), false, false, ctx)
	if err != nil {
		t.Fatalf("test iterator: %v", err)
	}
	return &dataset.Tasks{
		Train:      []*dataset.BatchIterator{train},
		Test:       []*dataset.BatchIterator{test},
		InputShape: []int{4},
		TargetSize: 2,
	}
}

func newLinearSetup(t *testing.T, ctx *device.RunContext) (nn.Module, optimizer.Optimizer) {
	t.Helper()
	model, err := nn.NewLinear(4, 2, nn.OutputLogSoftmax, true, ctx)
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	opt, err := optimizer.NewMetaplasticAdam(model.Parameters(), testAdamConfig())
	if err != nil {
		t.Fatalf("NewMetaplasticAdam: %v", err)
	}
	return model, opt
}

// testAdamConfig raises the learning rate so the tiny synthetic problems
// converge within a handful of epochs.
func testAdamConfig() optimizer.MetaplasticAdamConfig {
	config := optimizer.DefaultMetaplasticAdamConfig()
	config.LearningRate = 0.05
	return config
}

func TestNewTrainerValidation(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 9)
	model, opt := newLinearSetup(t, ctx)

	tests := []struct {
		name      string
		model     nn.Module
		opt       optimizer.Optimizer
		criterion Loss
		config    TrainerConfig
		wantErr   bool
	}{
		{"valid", model, opt, NewNLLLoss(), TrainerConfig{Epochs: 1}, false},
		{"nil model", nil, opt, NewNLLLoss(), TrainerConfig{Epochs: 1}, true},
		{"nil optimizer", model, nil, NewNLLLoss(), TrainerConfig{Epochs: 1}, true},
		{"nil criterion", model, opt, nil, TrainerConfig{Epochs: 1}, true},
		{"zero epochs", model, opt, NewNLLLoss(), TrainerConfig{}, true},
		{"scheduler without base LR", model, opt, NewNLLLoss(),
			TrainerConfig{Epochs: 1, Scheduler: NewStepLRScheduler(2, 0.5)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTrainer(tt.model, tt.opt, tt.criterion, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTrainer error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// recordingScheduler captures the epoch indices it is consulted with.
type recordingScheduler struct {
	epochs []int
}

func (s *recordingScheduler) GetLR(epoch int, baseLR float32) float32 {
	s.epochs = append(s.epochs, epoch)
	return baseLR
}

func (s *recordingScheduler) GetName() string { return "Recording" }

func TestSchedulerEpochAccumulatesAcrossTasks(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 7)
	model, opt := newLinearSetup(t, ctx)
	sched := &recordingScheduler{}
	trainer, err := NewTrainer(model, opt, NewNLLLoss(), TrainerConfig{
		Epochs:           2,
		Scheduler:        sched,
		BaseLearningRate: 0.05,
	})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}

	// Two tasks over the same loader: the schedule must keep advancing
	// into the second task instead of restarting at zero.
	single := separableTask(t, ctx)
	tasks := &dataset.Tasks{
		Train:      []*dataset.BatchIterator{single.Train[0], single.Train[0]},
		Test:       single.Test,
		InputShape: single.InputShape,
		TargetSize: single.TargetSize,
	}
	if err := trainer.Fit(tasks); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	want := []int{0, 1, 2, 3}
	if len(sched.epochs) != len(want) {
		t.Fatalf("scheduler consulted %d times, want %d", len(sched.epochs), len(want))
	}
	for i, e := range sched.epochs {
		if e != want[i] {
			t.Fatalf("epoch sequence %v, want %v", sched.epochs, want)
		}
	}
}

func TestTrainerFit(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 9)
	model, opt := newLinearSetup(t, ctx)
	criterion := NewNLLLoss()
	trainer, err := NewTrainer(model, opt, criterion, TrainerConfig{Epochs: 10})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}

	tasks := separableTask(t, ctx)

	// Loss on the untouched model, for comparison after training.
	features := tasks.Test[0].Dataset().Features
	labels := tasks.Test[0].Dataset().Labels
	output, err := model.Forward(features)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	initialLoss, err := criterion.Forward(output, labels)
	if err != nil {
		t.Fatalf("initial loss: %v", err)
	}

	if err := trainer.Fit(tasks); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	output, err = model.Forward(features)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	finalLoss, err := criterion.Forward(output, labels)
	if err != nil {
		t.Fatalf("final loss: %v", err)
	}
	if finalLoss >= initialLoss {
		t.Errorf("training did not reduce the loss: %g -> %g", initialLoss, finalLoss)
	}

	// One evaluation per epoch, one entry per test loader.
	if len(trainer.TestingAccuracy) != 10 {
		t.Fatalf("recorded %d accuracy rows, want 10", len(trainer.TestingAccuracy))
	}
	for i, row := range trainer.TestingAccuracy {
		if len(row) != 1 {
			t.Fatalf("row %d has %d entries, want 1", i, len(row))
		}
		if row[0] < 0 || row[0] > 1 {
			t.Errorf("accuracy %g outside [0, 1]", row[0])
		}
	}
	if len(trainer.MeanTestingAccuracy) != 10 {
		t.Errorf("recorded %d mean accuracies, want 10", len(trainer.MeanTestingAccuracy))
	}

	// The separable problem trains to high accuracy.
	last := trainer.TestingAccuracy[len(trainer.TestingAccuracy)-1][0]
	if last < 0.9 {
		t.Errorf("final accuracy %g, want at least 0.9 on separable data", last)
	}
}

func TestTrainerSigmoidClassification(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 9)
	model, err := nn.NewLinear(4, 1, nn.OutputSigmoid, true, ctx)
	if err != nil {
		t.Fatalf("NewLinear: %v", err)
	}
	opt, err := optimizer.NewMetaplasticAdam(model.Parameters(), testAdamConfig())
	if err != nil {
		t.Fatalf("NewMetaplasticAdam: %v", err)
	}
	trainer, err := NewTrainer(model, opt, NewBCELoss(), TrainerConfig{Epochs: 1})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}

	inputs, _ := tensor.New([]int{2, 4}, []float32{1, 1, -1, -1, -1, -1, 1, 1})
	labels, _ := tensor.New([]int{2}, []float32{1, 0})
	acc, err := trainer.Test(inputs, labels)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if acc < 0 || acc > 1 {
		t.Errorf("accuracy %g outside [0, 1]", acc)
	}
}

func TestTrainerSaveLoad(t *testing.T) {
	ctx := device.NewRunContext(tensor.CPU, 9)
	model, opt := newLinearSetup(t, ctx)
	trainer, err := NewTrainer(model, opt, NewNLLLoss(), TrainerConfig{Epochs: 1})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	if err := trainer.Fit(separableTask(t, ctx)); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	path := t.TempDir() + "/checkpoint.json"
	if err := trainer.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	model2, opt2 := newLinearSetup(t, ctx.Fork(1))
	restored, err := NewTrainer(model2, opt2, NewNLLLoss(), TrainerConfig{Epochs: 1})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	if err := restored.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p1, p2 := model.Parameters(), model2.Parameters()
	for i := range p1 {
		if !p1[i].Data.Equal(p2[i].Data, 1e-6) {
			t.Errorf("parameter %s differs after load", p1[i].Name)
		}
	}
	if len(restored.TestingAccuracy) != len(trainer.TestingAccuracy) {
		t.Errorf("accuracy history not restored: %d rows, want %d",
			len(restored.TestingAccuracy), len(trainer.TestingAccuracy))
	}
}
