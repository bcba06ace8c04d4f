package training

import (
	"fmt"
	"strings"

	"github.com/kellianoy/binarized-neural-networks/dataset"
	"github.com/kellianoy/binarized-neural-networks/device"
	"github.com/kellianoy/binarized-neural-networks/nn"
	"github.com/kellianoy/binarized-neural-networks/optimizer"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// BayesianTrainer drives a variational optimizer: batch steps hand the
// optimizer a closure that re-evaluates the loss under resampled
// weights, and predictions average forward passes over Monte-Carlo
// samples of the weight posterior.
type BayesianTrainer struct {
	*Trainer
	sampler     optimizer.PosteriorSampler
	ctx         *device.RunContext
	mcmcSamples int

	// testPermutations, when set, switches evaluation to continual mode:
	// each test batch is evaluated once per pixel permutation and the
	// per-permutation accuracies form the history row.
	testPermutations [][]int
}

// NewBayesianTrainer validates the configuration and creates the
// trainer. TestMCMCSamples must be set explicitly: the sampling count is
// a required decision, and zero legally selects the deterministic MAP
// prediction. The optimizer must expose a weight posterior.
func NewBayesianTrainer(model nn.Module, opt optimizer.Optimizer, criterion Loss, config TrainerConfig, ctx *device.RunContext) (*BayesianTrainer, error) {
	if config.TestMCMCSamples == nil {
		return nil, fmt.Errorf("bayesian trainer needs TestMCMCSamples to be defined (number of samples for the monte carlo prediction)")
	}
	if *config.TestMCMCSamples < 0 {
		return nil, fmt.Errorf("invalid TestMCMCSamples: %d", *config.TestMCMCSamples)
	}
	sampler, ok := opt.(optimizer.PosteriorSampler)
	if !ok {
		return nil, fmt.Errorf("bayesian trainer needs an optimizer with a weight posterior")
	}
	if ctx == nil {
		return nil, fmt.Errorf("bayesian trainer needs a run context")
	}
	base, err := NewTrainer(model, opt, criterion, config)
	if err != nil {
		return nil, err
	}
	return &BayesianTrainer{
		Trainer:     base,
		sampler:     sampler,
		ctx:         ctx,
		mcmcSamples: *config.TestMCMCSamples,
	}, nil
}

// SetTestPermutations switches evaluation to continual mode over the
// given pixel permutations.
func (t *BayesianTrainer) SetTestPermutations(perms [][]int) {
	t.testPermutations = perms
}

// BatchStep trains on a single batch. The forward pass and loss live in
// a closure handed to the optimizer, which re-evaluates them under its
// own sampled weights; datasetSize is the current task's total sample
// count, which scales the optimizer's likelihood term.
func (t *BayesianTrainer) BatchStep(inputs, targets *tensor.Tensor, datasetSize int) error {
	t.model.Train()
	inputs, err := flattenInputs(inputs)
	if err != nil {
		return err
	}

	if sizer, ok := t.optimizer.(optimizer.TrainSetSizer); ok {
		sizer.SetTrainSetSize(datasetSize)
	}

	closure := func() (float32, error) {
		t.optimizer.ZeroGrad()
		output, err := t.model.Forward(inputs)
		if err != nil {
			return 0, err
		}
		loss, err := t.criterion.Forward(output, targets)
		if err != nil {
			return 0, err
		}
		grad, err := t.criterion.Backward(output, targets)
		if err != nil {
			return 0, err
		}
		if err := t.model.Backward(grad); err != nil {
			return 0, err
		}
		return loss, nil
	}

	loss, err := t.optimizer.Step(closure)
	if err != nil {
		return err
	}
	t.loss = loss
	return nil
}

// sampleWeights draws one binary weight realization from the posterior
// log-odds and substitutes it into the model parameters. A nil lambda
// set selects the MAP realization from the posterior mean instead.
func (t *BayesianTrainer) sampleWeights(params []*nn.Parameter, mu, lambda []*tensor.Tensor) error {
	rng := t.ctx.Rand()
	for i, p := range params {
		var signs *tensor.Tensor
		if lambda != nil {
			logits, err := tensor.Scale(lambda[i], 2)
			if err != nil {
				return err
			}
			probs, err := tensor.Sigmoid(logits)
			if err != nil {
				return err
			}
			bits, err := tensor.Bernoulli(probs, rng)
			if err != nil {
				return err
			}
			ones, err := tensor.Ones(bits.Shape)
			if err != nil {
				return err
			}
			negOnes, err := tensor.Full(bits.Shape, -1)
			if err != nil {
				return err
			}
			signs, err = tensor.Where(bits, ones, negOnes)
			if err != nil {
				return err
			}
		} else {
			// MAP: the sign of the posterior mean, with a zero mean
			// realized as -1.
			s, err := tensor.Sign(mu[i])
			if err != nil {
				return err
			}
			negOnes, err := tensor.Full(s.Shape, -1)
			if err != nil {
				return err
			}
			signs, err = tensor.Where(s, s, negOnes)
			if err != nil {
				return err
			}
		}
		if err := p.Data.CopyFrom(signs); err != nil {
			return err
		}
	}
	return nil
}

// Predict draws nSamples Monte-Carlo realizations of the binary weights
// and returns one model output per realization. With nSamples zero it
// returns a single deterministic MAP prediction from the sign of the
// posterior mean.
func (t *BayesianTrainer) Predict(inputs *tensor.Tensor, nSamples int) ([]*tensor.Tensor, error) {
	t.model.Eval()
	inputs, err := flattenInputs(inputs)
	if err != nil {
		return nil, err
	}
	mu, lambda := t.sampler.Posterior()
	params := t.model.Parameters()
	if len(params) != len(mu) {
		return nil, fmt.Errorf("posterior has %d tensors for %d parameters", len(mu), len(params))
	}

	runs := nSamples
	if runs == 0 {
		runs = 1
		lambda = nil // MAP: sign of the posterior mean
	}
	predictions := make([]*tensor.Tensor, 0, runs)
	for s := 0; s < runs; s++ {
		if err := t.sampleWeights(params, mu, lambda); err != nil {
			return nil, err
		}
		output, err := t.model.Forward(inputs)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, output.Clone())
	}
	return predictions, nil
}

// Test averages the Monte-Carlo predictions and returns the accuracy of
// the averaged prediction against the labels.
func (t *BayesianTrainer) Test(inputs, labels *tensor.Tensor) (float64, error) {
	predictions, err := t.Predict(inputs, t.mcmcSamples)
	if err != nil {
		return 0, err
	}
	mean, err := tensor.MeanDim0(predictions)
	if err != nil {
		return 0, err
	}

	var classes []int
	if strings.Contains(t.criterion.Name(), "binary_cross_entropy") {
		probs, err := tensor.Squeeze(mean, 1)
		if err != nil {
			return 0, fmt.Errorf("binary prediction must be [batch, 1]: %v", err)
		}
		classes = make([]int, len(probs.Data))
		for i, v := range probs.Data {
			if v >= 0.5 {
				classes[i] = 1
			}
		}
	} else {
		classes, err = tensor.ArgMaxRows(mean)
		if err != nil {
			return 0, err
		}
	}
	return Accuracy(classes, labels)
}

// TestContinual evaluates one test batch under every recorded pixel
// permutation, returning one accuracy per permutation.
func (t *BayesianTrainer) TestContinual(inputs, labels *tensor.Tensor) ([]float64, error) {
	inputs, err := flattenInputs(inputs)
	if err != nil {
		return nil, err
	}
	accuracies := make([]float64, 0, len(t.testPermutations))
	for _, perm := range t.testPermutations {
		permuted, err := tensor.PermuteFeatures(inputs, perm)
		if err != nil {
			return nil, err
		}
		acc, err := t.Test(permuted, labels)
		if err != nil {
			return nil, err
		}
		accuracies = append(accuracies, acc)
	}
	return accuracies, nil
}

// Evaluate records Monte-Carlo accuracy on the test loaders. In
// continual mode each batch contributes one row of per-permutation
// accuracies instead.
func (t *BayesianTrainer) Evaluate(testLoaders, trainLoaders []*dataset.BatchIterator) error {
	if len(t.testPermutations) == 0 {
		return t.evaluate(testLoaders, trainLoaders, t.Test)
	}

	t.model.Eval()
	for _, loader := range testLoaders {
		loader.Begin()
		for {
			b, err := loader.Next()
			if err != nil {
				return err
			}
			if b == nil {
				break
			}
			row, err := t.TestContinual(b.Features, b.Labels)
			if err != nil {
				return err
			}
			t.TestingAccuracy = append(t.TestingAccuracy, row)
			t.MeanTestingAccuracy = append(t.MeanTestingAccuracy, meanAccuracy(row))
		}
	}
	return nil
}

// EpochStep trains one full traversal of the training loader and then
// evaluates on the test loaders, if any.
func (t *BayesianTrainer) EpochStep(train *dataset.BatchIterator, testLoaders []*dataset.BatchIterator) error {
	datasetSize := train.NumBatches() * train.BatchSize()
	train.Begin()
	for {
		batch, err := train.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		if err := t.BatchStep(batch.Features, batch.Labels, datasetSize); err != nil {
			return err
		}
	}
	if len(testLoaders) > 0 {
		return t.Evaluate(testLoaders, nil)
	}
	return nil
}

// Fit trains on each task's loader in sequence. After a task's epochs
// complete, optimizers that maintain a per-task prior are re-anchored
// before the next task begins.
func (t *BayesianTrainer) Fit(tasks *dataset.Tasks) error {
	for _, train := range tasks.Train {
		for epoch := 0; epoch < t.config.Epochs; epoch++ {
			t.applyScheduler()
			if err := t.EpochStep(train, tasks.Test); err != nil {
				return err
			}
		}
		if updater, ok := t.optimizer.(optimizer.PriorUpdater); ok {
			updater.UpdatePrior()
		}
	}
	return nil
}

// FitSequence trains over a materialized task sequence, such as permuted
// or class-incremental tasks, with the same per-task prior update.
func (t *BayesianTrainer) FitSequence(seq *dataset.TaskSequence, testLoaders []*dataset.BatchIterator) error {
	seq.Reset()
	for {
		train, err := seq.Next()
		if err != nil {
			return err
		}
		if train == nil {
			break
		}
		for epoch := 0; epoch < t.config.Epochs; epoch++ {
			t.applyScheduler()
			if err := t.EpochStep(train, testLoaders); err != nil {
				return err
			}
		}
		if updater, ok := t.optimizer.(optimizer.PriorUpdater); ok {
			updater.UpdatePrior()
		}
	}
	return nil
}
