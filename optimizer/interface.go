// Package optimizer implements the stochastic optimizers that train
// binarized networks: MetaplasticAdam, whose sign-aware asymmetric update
// consolidates confidently committed weights, and
// BinarySynapticUncertainty, which maintains a Bernoulli posterior over
// binary weights. Optimizer state is serializable for checkpointing.
package optimizer

import (
	"fmt"

	"github.com/kellianoy/binarized-neural-networks/checkpoints"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// Closure re-evaluates the model and returns the loss, leaving fresh
// gradients on the parameters. Variational optimizers call it after
// substituting sampled weights; gradient-based optimizers may run without
// one when gradients are already populated.
type Closure func() (float32, error)

// Optimizer is the common contract of all optimizers.
type Optimizer interface {
	// Step performs one optimization step. The returned loss is the
	// closure's value, or zero when no closure was supplied.
	Step(closure Closure) (float32, error)

	// ZeroGrad resets every parameter gradient.
	ZeroGrad()

	// StepCount returns the number of completed steps.
	StepCount() uint64

	// UpdateLearningRate changes the learning rate, for schedulers.
	UpdateLearningRate(lr float32)

	// GetState extracts serializable optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores state extracted by GetState.
	LoadState(state *checkpoints.OptimizerState) error
}

// PosteriorSampler is implemented by optimizers that maintain a Bernoulli
// posterior over binary weights: mu is the posterior mean and lambda the
// log-odds, one tensor per parameter in parameter order.
type PosteriorSampler interface {
	Posterior() (mu, lambda []*tensor.Tensor)
}

// PriorUpdater is implemented by optimizers that re-anchor their prior at
// task boundaries. The trainer invokes it after a task's epochs complete.
type PriorUpdater interface {
	UpdatePrior()
}

// TrainSetSizer is implemented by optimizers whose update scales with the
// current task's total sample count.
type TrainSetSizer interface {
	SetTrainSetSize(n int)
}

// validateStateType ensures a restored state matches the optimizer.
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state
// map. Values carry their native type in memory and arrive as float64
// after a JSON round trip, so both shapes are accepted.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map.
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state
// map, accepting the native type and the post-JSON float64 shape.
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}

// stateTensor wraps one per-parameter state tensor for serialization.
func stateTensor(name, stateType string, t *tensor.Tensor) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), t.Shape...),
		Data:      append([]float32(nil), t.Data...),
		StateType: stateType,
	}
}

// restoreStateTensor copies serialized data back into a live state tensor.
func restoreStateTensor(dst *tensor.Tensor, src checkpoints.OptimizerTensor) error {
	if dst == nil {
		return fmt.Errorf("no live tensor for state %q", src.Name)
	}
	if len(src.Data) != dst.NumElems() {
		return fmt.Errorf("state %q has %d elements, expected %d", src.Name, len(src.Data), dst.NumElems())
	}
	copy(dst.Data, src.Data)
	return nil
}
