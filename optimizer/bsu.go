package optimizer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/kellianoy/binarized-neural-networks/checkpoints"
	"github.com/kellianoy/binarized-neural-networks/nn"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// BinarySynapticUncertaintyConfig holds hyperparameters for
// BinarySynapticUncertainty.
type BinarySynapticUncertaintyConfig struct {
	LearningRate float32
	// Beta is the momentum coefficient on the natural-gradient update.
	Beta float32
	// Temperature controls the Gumbel relaxation of the Bernoulli samples.
	Temperature float32
	// InitLambda scales the initial parameter values into log-odds.
	InitLambda float32
	// KLWeight scales the pull of the log-odds toward the prior.
	KLWeight float32
}

// DefaultBinarySynapticUncertaintyConfig returns the standard
// hyperparameters.
func DefaultBinarySynapticUncertaintyConfig() BinarySynapticUncertaintyConfig {
	return BinarySynapticUncertaintyConfig{
		LearningRate: 1e-4,
		Beta:         0.0,
		Temperature:  1e-8,
		InitLambda:   0.1,
		KLWeight:     1.0,
	}
}

// BinarySynapticUncertainty maintains a Bernoulli posterior over binary
// weights. Each parameter carries a log-odds state lambda whose tanh is
// the posterior mean mu. A step samples a relaxed binary weight
// realization, substitutes it into the parameters, re-evaluates the loss
// through the closure, and moves lambda along the natural gradient of the
// variational objective, anchored to a per-task prior. The trainer draws
// prediction samples from lambda and re-anchors the prior at task
// boundaries.
type BinarySynapticUncertainty struct {
	config       BinarySynapticUncertaintyConfig
	params       []*nn.Parameter
	lambda       []*tensor.Tensor
	mu           []*tensor.Tensor
	priorLambda  []*tensor.Tensor
	momentum     []*tensor.Tensor
	rng          *rand.Rand
	trainSetSize int
	stepCount    uint64
}

// NewBinarySynapticUncertainty validates the configuration and creates
// the optimizer. Log-odds are initialized from the incoming parameter
// values scaled by InitLambda; the prior starts at zero (uninformative)
// until the first task boundary.
func NewBinarySynapticUncertainty(params []*nn.Parameter, config BinarySynapticUncertaintyConfig, rng *rand.Rand) (*BinarySynapticUncertainty, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("invalid learning rate: %g", config.LearningRate)
	}
	if config.Beta < 0 || config.Beta >= 1 {
		return nil, fmt.Errorf("invalid beta parameter: %g", config.Beta)
	}
	if config.Temperature <= 0 {
		return nil, fmt.Errorf("invalid temperature: %g", config.Temperature)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("optimizer got an empty parameter list")
	}
	if rng == nil {
		return nil, fmt.Errorf("optimizer needs a random source")
	}

	o := &BinarySynapticUncertainty{
		config:      config,
		params:      params,
		lambda:      make([]*tensor.Tensor, len(params)),
		mu:          make([]*tensor.Tensor, len(params)),
		priorLambda: make([]*tensor.Tensor, len(params)),
		momentum:    make([]*tensor.Tensor, len(params)),
		rng:         rng,
	}
	for i, p := range params {
		lambda, err := tensor.Scale(p.Data, config.InitLambda)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %v", p.Name, err)
		}
		mu, err := tensor.Tanh(lambda)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %v", p.Name, err)
		}
		o.lambda[i] = lambda
		o.mu[i] = mu
		o.priorLambda[i] = tensor.ZerosLike(p.Data)
		o.momentum[i] = tensor.ZerosLike(p.Data)
	}
	return o, nil
}

// SetTrainSetSize records the current task's total sample count, which
// scales the likelihood term of the update. Must be called before Step.
func (o *BinarySynapticUncertainty) SetTrainSetSize(n int) {
	o.trainSetSize = n
}

// Posterior returns the posterior mean and log-odds state, one tensor
// per parameter in parameter order.
func (o *BinarySynapticUncertainty) Posterior() (mu, lambda []*tensor.Tensor) {
	return o.mu, o.lambda
}

// UpdatePrior re-anchors the prior to the current log-odds. The trainer
// calls this at task boundaries so the posterior learned on one task
// becomes the prior for the next.
func (o *BinarySynapticUncertainty) UpdatePrior() {
	for i := range o.lambda {
		copy(o.priorLambda[i].Data, o.lambda[i].Data)
	}
}

// Step samples one relaxed weight realization, evaluates the closure
// under it, and updates the log-odds. The closure is required: the loss
// must be computed with the sampled weights in place.
func (o *BinarySynapticUncertainty) Step(closure Closure) (float32, error) {
	if closure == nil {
		return 0, fmt.Errorf("BinarySynapticUncertainty requires a closure")
	}
	if o.trainSetSize <= 0 {
		return 0, fmt.Errorf("train set size not set, call SetTrainSetSize before Step")
	}

	temp := float64(o.config.Temperature)
	const eps = 1e-10

	// Sample a relaxed binary realization w = tanh((lambda + delta)/T)
	// with logistic noise delta, and substitute it into the parameters.
	relaxed := make([]*tensor.Tensor, len(o.params))
	for i, p := range o.params {
		relaxed[i] = tensor.ZerosLike(p.Data)
		for j := range p.Data.Data {
			u := o.rng.Float64()
			for u == 0 {
				u = o.rng.Float64()
			}
			delta := 0.5 * math.Log(u/(1-u))
			w := math.Tanh((float64(o.lambda[i].Data[j]) + delta) / temp)
			relaxed[i].Data[j] = float32(w)
			p.Data.Data[j] = float32(w)
		}
	}

	loss, err := closure()
	if err != nil {
		return 0, err
	}

	n := float64(o.trainSetSize)
	beta := float64(o.config.Beta)
	lr := float64(o.config.LearningRate)
	kl := float64(o.config.KLWeight)

	for i, p := range o.params {
		grad := p.Grad
		if grad == nil {
			continue
		}
		if grad.IsSparse() {
			return 0, fmt.Errorf("BinarySynapticUncertainty does not support sparse gradients")
		}

		for j := range p.Data.Data {
			w := float64(relaxed[i].Data[j])
			m := float64(o.mu[i].Data[j])
			// Reparameterization scale of the relaxed sample.
			s := (1 - w*w + eps) / (temp * (1 - m*m + eps))

			g := n*s*float64(grad.Data[j]) + kl*float64(o.lambda[i].Data[j]-o.priorLambda[i].Data[j])
			mom := beta*float64(o.momentum[i].Data[j]) + (1-beta)*g
			o.momentum[i].Data[j] = float32(mom)

			l := float64(o.lambda[i].Data[j]) - lr*mom
			o.lambda[i].Data[j] = float32(l)
			mu := math.Tanh(l)
			o.mu[i].Data[j] = float32(mu)
			// Leave the posterior mean resident in the parameters.
			p.Data.Data[j] = float32(mu)
		}
	}

	o.stepCount++
	return loss, nil
}

// ZeroGrad resets every parameter gradient to zero.
func (o *BinarySynapticUncertainty) ZeroGrad() {
	nn.ZeroGrad(o.params)
}

// StepCount returns the number of optimization steps taken.
func (o *BinarySynapticUncertainty) StepCount() uint64 {
	return o.stepCount
}

// UpdateLearningRate sets the learning rate for subsequent steps.
func (o *BinarySynapticUncertainty) UpdateLearningRate(lr float32) {
	o.config.LearningRate = lr
}

// GetState extracts serializable optimizer state for checkpointing.
func (o *BinarySynapticUncertainty) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "BinarySynapticUncertainty",
		Parameters: map[string]interface{}{
			"learning_rate":  o.config.LearningRate,
			"beta":           o.config.Beta,
			"temperature":    o.config.Temperature,
			"init_lambda":    o.config.InitLambda,
			"kl_weight":      o.config.KLWeight,
			"train_set_size": o.trainSetSize,
			"step_count":     o.stepCount,
		},
	}
	for i, p := range o.params {
		state.StateData = append(state.StateData,
			stateTensor(p.Name, "lambda", o.lambda[i]),
			stateTensor(p.Name, "mu", o.mu[i]),
			stateTensor(p.Name, "prior_lambda", o.priorLambda[i]),
			stateTensor(p.Name, "momentum", o.momentum[i]),
		)
	}
	return state, nil
}

// LoadState restores optimizer state extracted by GetState.
func (o *BinarySynapticUncertainty) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("BinarySynapticUncertainty", state); err != nil {
		return err
	}

	o.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", o.config.LearningRate)
	o.config.Beta = extractFloat32Param(state.Parameters, "beta", o.config.Beta)
	o.config.Temperature = extractFloat32Param(state.Parameters, "temperature", o.config.Temperature)
	o.config.KLWeight = extractFloat32Param(state.Parameters, "kl_weight", o.config.KLWeight)
	o.trainSetSize = int(extractUint64Param(state.Parameters, "train_set_size", uint64(o.trainSetSize)))
	o.stepCount = extractUint64Param(state.Parameters, "step_count", o.stepCount)

	byName := make(map[string]int, len(o.params))
	for i, p := range o.params {
		byName[p.Name] = i
	}
	for _, st := range state.StateData {
		i, ok := byName[st.Name]
		if !ok {
			return fmt.Errorf("state references unknown parameter %q", st.Name)
		}
		var dst *tensor.Tensor
		switch st.StateType {
		case "lambda":
			dst = o.lambda[i]
		case "mu":
			dst = o.mu[i]
		case "prior_lambda":
			dst = o.priorLambda[i]
		case "momentum":
			dst = o.momentum[i]
		default:
			return fmt.Errorf("unknown state type %q for parameter %q", st.StateType, st.Name)
		}
		if err := restoreStateTensor(dst, st); err != nil {
			return err
		}
	}
	return nil
}
