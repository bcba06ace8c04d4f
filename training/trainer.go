package training

import (
	"fmt"

	"github.com/kellianoy/binarized-neural-networks/checkpoints"
	"github.com/kellianoy/binarized-neural-networks/dataset"
	"github.com/kellianoy/binarized-neural-networks/nn"
	"github.com/kellianoy/binarized-neural-networks/optimizer"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// TrainerConfig holds the training loop configuration.
type TrainerConfig struct {
	// Epochs per task.
	Epochs int
	// TestMCMCSamples is the number of Monte-Carlo samples drawn per
	// prediction at test time. Required by the Bayesian trainer; zero
	// selects the deterministic MAP prediction. Ignored by the base
	// trainer.
	TestMCMCSamples *int
	// Scheduler optionally reshapes the learning rate per epoch.
	Scheduler LRScheduler
	// BaseLearningRate feeds the scheduler. Required when Scheduler is
	// set.
	BaseLearningRate float32
	// EvaluateTrain also records accuracy on the training loaders during
	// evaluation.
	EvaluateTrain bool
}

// DefaultTrainerConfig returns a single-epoch configuration without a
// scheduler.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{Epochs: 1}
}

// Trainer drives a model through batches, epochs, and tasks with a
// gradient-based optimizer, recording accuracy history along the way.
type Trainer struct {
	model     nn.Module
	optimizer optimizer.Optimizer
	criterion Loss
	config    TrainerConfig
	loss      float32

	// schedulerEpoch accumulates across tasks so a decay schedule keeps
	// decaying over the whole task sequence.
	schedulerEpoch int

	// TestingAccuracy holds one row per evaluation, one entry per test
	// loader.
	TestingAccuracy [][]float64
	// MeanTestingAccuracy holds the mean of each row.
	MeanTestingAccuracy []float64
	// TrainingAccuracy mirrors TestingAccuracy for the training loaders,
	// when requested.
	TrainingAccuracy [][]float64
}

// NewTrainer validates the configuration and creates a trainer.
func NewTrainer(model nn.Module, opt optimizer.Optimizer, criterion Loss, config TrainerConfig) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("trainer needs a model")
	}
	if opt == nil {
		return nil, fmt.Errorf("trainer needs an optimizer")
	}
	if criterion == nil {
		return nil, fmt.Errorf("trainer needs a loss function")
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("invalid epoch count: %d", config.Epochs)
	}
	if config.Scheduler != nil && config.BaseLearningRate <= 0 {
		return nil, fmt.Errorf("scheduler set without a base learning rate")
	}
	return &Trainer{
		model:     model,
		optimizer: opt,
		criterion: criterion,
		config:    config,
	}, nil
}

// Model returns the trained model.
func (t *Trainer) Model() nn.Module { return t.model }

// Optimizer returns the optimizer instance.
func (t *Trainer) Optimizer() optimizer.Optimizer { return t.optimizer }

// LastLoss returns the loss of the most recent batch step.
func (t *Trainer) LastLoss() float32 { return t.loss }

// flattenInputs collapses image batches to [batch, features] vectors for
// fully connected models.
func flattenInputs(features *tensor.Tensor) (*tensor.Tensor, error) {
	if features.Dim() <= 2 {
		return features, nil
	}
	return tensor.FlattenSamples(features)
}

// BatchStep trains on a single batch: forward pass, loss, backward pass,
// optimizer step.
func (t *Trainer) BatchStep(inputs, targets *tensor.Tensor) error {
	t.model.Train()
	inputs, err := flattenInputs(inputs)
	if err != nil {
		return err
	}
	output, err := t.model.Forward(inputs)
	if err != nil {
		return err
	}
	loss, err := t.criterion.Forward(output, targets)
	if err != nil {
		return err
	}
	t.loss = loss

	t.optimizer.ZeroGrad()
	grad, err := t.criterion.Backward(output, targets)
	if err != nil {
		return err
	}
	if err := t.model.Backward(grad); err != nil {
		return err
	}
	_, err = t.optimizer.Step(nil)
	return err
}

// EpochStep trains one full traversal of the training loader.
func (t *Trainer) EpochStep(train *dataset.BatchIterator) error {
	t.model.Train()
	train.Begin()
	for {
		batch, err := train.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		if err := t.BatchStep(batch.Features, batch.Labels); err != nil {
			return err
		}
	}
}

// applyScheduler pushes the scheduled learning rate into the optimizer
// and advances the cumulative epoch index.
func (t *Trainer) applyScheduler() {
	epoch := t.schedulerEpoch
	t.schedulerEpoch++
	if t.config.Scheduler == nil {
		return
	}
	t.optimizer.UpdateLearningRate(t.config.Scheduler.GetLR(epoch, t.config.BaseLearningRate))
}

// Predict runs the model in evaluation mode on the given inputs.
func (t *Trainer) Predict(inputs *tensor.Tensor) (*tensor.Tensor, error) {
	t.model.Eval()
	inputs, err := flattenInputs(inputs)
	if err != nil {
		return nil, err
	}
	return t.model.Forward(inputs)
}

// classify turns model outputs into class indices. Sigmoid outputs are
// thresholded at 0.5; everything else takes the row argmax.
func (t *Trainer) classify(output *tensor.Tensor) ([]int, error) {
	if t.model.OutputFunction() == nn.OutputSigmoid {
		if output.Dim() != 2 || output.Shape[1] != 1 {
			return nil, fmt.Errorf("sigmoid output must be [batch, 1], got %v", output.Shape)
		}
		classes := make([]int, output.Shape[0])
		for i, v := range output.Data {
			if v >= 0.5 {
				classes[i] = 1
			}
		}
		return classes, nil
	}
	return tensor.ArgMaxRows(output)
}

// Test predicts labels for a batch and returns the accuracy.
func (t *Trainer) Test(inputs, labels *tensor.Tensor) (float64, error) {
	output, err := t.Predict(inputs)
	if err != nil {
		return 0, err
	}
	classes, err := t.classify(output)
	if err != nil {
		return 0, err
	}
	return Accuracy(classes, labels)
}

// testFn abstracts the per-batch accuracy computation so the Bayesian
// trainer can substitute its Monte-Carlo variant.
type testFn func(inputs, labels *tensor.Tensor) (float64, error)

// evaluateLoaders runs one accuracy pass over a list of loaders,
// returning one mean accuracy per loader.
func evaluateLoaders(loaders []*dataset.BatchIterator, test testFn) ([]float64, error) {
	row := make([]float64, 0, len(loaders))
	for _, loader := range loaders {
		var batch []float64
		loader.Begin()
		for {
			b, err := loader.Next()
			if err != nil {
				return nil, err
			}
			if b == nil {
				break
			}
			acc, err := test(b.Features, b.Labels)
			if err != nil {
				return nil, err
			}
			batch = append(batch, acc)
		}
		row = append(row, meanAccuracy(batch))
	}
	return row, nil
}

// Evaluate measures accuracy on every test loader and appends a row to
// the accuracy history. Training loaders are measured too when the
// configuration asks for it.
func (t *Trainer) Evaluate(testLoaders, trainLoaders []*dataset.BatchIterator) error {
	return t.evaluate(testLoaders, trainLoaders, t.Test)
}

func (t *Trainer) evaluate(testLoaders, trainLoaders []*dataset.BatchIterator, test testFn) error {
	t.model.Eval()
	if len(testLoaders) > 0 {
		row, err := evaluateLoaders(testLoaders, test)
		if err != nil {
			return err
		}
		t.TestingAccuracy = append(t.TestingAccuracy, row)
		t.MeanTestingAccuracy = append(t.MeanTestingAccuracy, meanAccuracy(row))
	}
	if t.config.EvaluateTrain && len(trainLoaders) > 0 {
		row, err := evaluateLoaders(trainLoaders, test)
		if err != nil {
			return err
		}
		t.TrainingAccuracy = append(t.TrainingAccuracy, row)
	}
	return nil
}

// Fit trains on each task's loader in sequence, evaluating on all test
// loaders after every epoch.
func (t *Trainer) Fit(tasks *dataset.Tasks) error {
	for _, train := range tasks.Train {
		for epoch := 0; epoch < t.config.Epochs; epoch++ {
			t.applyScheduler()
			if err := t.EpochStep(train); err != nil {
				return err
			}
			if err := t.Evaluate(tasks.Test, tasks.Train); err != nil {
				return err
			}
		}
	}
	return nil
}

// Save writes a checkpoint with model weights, optimizer state, and the
// accuracy history.
func (t *Trainer) Save(path string) error {
	ckpt := &checkpoints.Checkpoint{
		AccuracyHistory: t.TestingAccuracy,
		Metadata:        checkpoints.NewMetadata("trainer checkpoint"),
	}
	for _, p := range t.model.Parameters() {
		ckpt.Weights = append(ckpt.Weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Data.Shape...),
			Data:  append([]float32(nil), p.Data.Data...),
		})
	}
	state, err := t.optimizer.GetState()
	if err != nil {
		return err
	}
	ckpt.OptimizerState = state
	ckpt.TrainingState = checkpoints.TrainingState{
		Step: int(t.optimizer.StepCount()),
	}
	return checkpoints.SaveCheckpoint(ckpt, path)
}

// Load restores model weights, optimizer state, and accuracy history
// from a checkpoint.
func (t *Trainer) Load(path string) error {
	ckpt, err := checkpoints.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	weights := make(map[string]*tensor.Tensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		wt, err := tensor.New(w.Shape, w.Data)
		if err != nil {
			return fmt.Errorf("weight %q: %w", w.Name, err)
		}
		weights[w.Name] = wt
	}
	if err := nn.LoadStateDict(t.model, weights); err != nil {
		return err
	}
	if ckpt.OptimizerState != nil {
		if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return err
		}
	}
	t.TestingAccuracy = ckpt.AccuracyHistory
	return nil
}
