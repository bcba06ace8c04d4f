package optimizer

import (
	"fmt"
	"math"

	"github.com/kellianoy/binarized-neural-networks/checkpoints"
	"github.com/kellianoy/binarized-neural-networks/nn"
	"github.com/kellianoy/binarized-neural-networks/tensor"
)

// MetaplasticAdamConfig holds hyperparameters for MetaplasticAdam.
type MetaplasticAdamConfig struct {
	LearningRate   float32
	Beta1          float32
	Beta2          float32
	Epsilon        float32
	WeightDecay    float32
	Metaplasticity float32
	AMSGrad        bool
}

// DefaultMetaplasticAdamConfig returns the standard hyperparameters.
func DefaultMetaplasticAdamConfig() MetaplasticAdamConfig {
	return MetaplasticAdamConfig{
		LearningRate:   0.001,
		Beta1:          0.9,
		Beta2:          0.999,
		Epsilon:        1e-8,
		WeightDecay:    0.0,
		Metaplasticity: 1.3,
		AMSGrad:        false,
	}
}

// metaplasticState holds the per-parameter Adam moments. Entries are
// allocated lazily, on the first step in which the parameter carries a
// gradient.
type metaplasticState struct {
	step      uint64
	expAvg    *tensor.Tensor
	expAvgSq  *tensor.Tensor
	maxAvgSq  *tensor.Tensor // AMSGrad only
}

// MetaplasticAdam is Adam with an asymmetric update on multi-dimensional
// parameters: when the momentum pushes a hidden weight further into the
// sign it has already committed to, the push is attenuated by
// 1 - tanh^2(m * |w|), so large committed weights become progressively
// harder to overwrite. One-dimensional parameters (biases, norm scales)
// always take the plain Adam path.
type MetaplasticAdam struct {
	config    MetaplasticAdamConfig
	params    []*nn.Parameter
	states    []*metaplasticState
	stepCount uint64
}

// NewMetaplasticAdam validates the configuration and creates the
// optimizer. The state slice is sized to the parameter list up front;
// parameter order is fixed for the optimizer's lifetime.
func NewMetaplasticAdam(params []*nn.Parameter, config MetaplasticAdamConfig) (*MetaplasticAdam, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("invalid learning rate: %g", config.LearningRate)
	}
	if config.Epsilon < 0 {
		return nil, fmt.Errorf("invalid epsilon value: %g", config.Epsilon)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("invalid beta parameter at index 0: %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("invalid beta parameter at index 1: %g", config.Beta2)
	}
	if config.Metaplasticity < 0 {
		return nil, fmt.Errorf("invalid metaplasticity value: %g", config.Metaplasticity)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("optimizer got an empty parameter list")
	}
	return &MetaplasticAdam{
		config: config,
		params: params,
		states: make([]*metaplasticState, len(params)),
	}, nil
}

// Step applies one update to every parameter that carries a gradient. The
// closure, when given, is evaluated first to populate gradients.
func (o *MetaplasticAdam) Step(closure Closure) (float32, error) {
	var loss float32
	if closure != nil {
		var err error
		loss, err = closure()
		if err != nil {
			return 0, err
		}
	}

	for i, p := range o.params {
		grad := p.Grad
		if grad == nil {
			continue
		}
		if grad.IsSparse() {
			return 0, fmt.Errorf("MetaplasticAdam does not support sparse gradients")
		}

		state := o.states[i]
		if state == nil {
			state = &metaplasticState{
				expAvg:   tensor.ZerosLike(p.Data),
				expAvgSq: tensor.ZerosLike(p.Data),
			}
			if o.config.AMSGrad {
				state.maxAvgSq = tensor.ZerosLike(p.Data)
			}
			o.states[i] = state
		}
		state.step++

		if err := o.updateParameter(p, grad, state); err != nil {
			return 0, fmt.Errorf("updating %s: %w", p.Name, err)
		}
	}

	o.stepCount++
	return loss, nil
}

func (o *MetaplasticAdam) updateParameter(p *nn.Parameter, grad *tensor.Tensor, state *metaplasticState) error {
	beta1 := float64(o.config.Beta1)
	beta2 := float64(o.config.Beta2)
	eps := float64(o.config.Epsilon)
	meta := float64(o.config.Metaplasticity)

	biasCorrection1 := 1 - math.Pow(beta1, float64(state.step))
	biasCorrection2 := 1 - math.Pow(beta2, float64(state.step))
	stepSize := float64(o.config.LearningRate) * math.Sqrt(biasCorrection2) / biasCorrection1

	plain := p.Data.Dim() == 1

	for j := range p.Data.Data {
		g := float64(grad.Data[j])
		if o.config.WeightDecay != 0 {
			g += float64(o.config.WeightDecay) * float64(p.Data.Data[j])
		}

		m := beta1*float64(state.expAvg.Data[j]) + (1-beta1)*g
		v := beta2*float64(state.expAvgSq.Data[j]) + (1-beta2)*g*g
		state.expAvg.Data[j] = float32(m)
		state.expAvgSq.Data[j] = float32(v)

		vHat := v
		if o.config.AMSGrad {
			if v > float64(state.maxAvgSq.Data[j]) {
				state.maxAvgSq.Data[j] = float32(v)
			}
			vHat = float64(state.maxAvgSq.Data[j])
		}
		denom := math.Sqrt(vHat) + eps

		update := m
		if !plain {
			w := float64(p.Data.Data[j])
			// A weight is consolidating when the momentum pushes it
			// further into its current sign.
			consolidating := w*m > 0
			if consolidating {
				th := math.Tanh(meta * math.Abs(w))
				update = m * (1 - th*th)
			}
		}

		p.Data.Data[j] = float32(float64(p.Data.Data[j]) - stepSize*update/denom)
	}
	return nil
}

// ZeroGrad resets every parameter gradient to zero.
func (o *MetaplasticAdam) ZeroGrad() {
	nn.ZeroGrad(o.params)
}

// StepCount returns the number of optimization steps taken.
func (o *MetaplasticAdam) StepCount() uint64 {
	return o.stepCount
}

// UpdateLearningRate sets the learning rate for subsequent steps.
func (o *MetaplasticAdam) UpdateLearningRate(lr float32) {
	o.config.LearningRate = lr
}

// GetState extracts serializable optimizer state for checkpointing.
func (o *MetaplasticAdam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "MetaplasticAdam",
		Parameters: map[string]interface{}{
			"learning_rate":  o.config.LearningRate,
			"beta1":          o.config.Beta1,
			"beta2":          o.config.Beta2,
			"epsilon":        o.config.Epsilon,
			"weight_decay":   o.config.WeightDecay,
			"metaplasticity": o.config.Metaplasticity,
			"amsgrad":        o.config.AMSGrad,
			"step_count":     o.stepCount,
		},
	}
	for i, s := range o.states {
		if s == nil {
			continue
		}
		name := o.params[i].Name
		state.Parameters[fmt.Sprintf("step_%s", name)] = s.step
		state.StateData = append(state.StateData,
			stateTensor(name, "exp_avg", s.expAvg),
			stateTensor(name, "exp_avg_sq", s.expAvgSq),
		)
		if s.maxAvgSq != nil {
			state.StateData = append(state.StateData, stateTensor(name, "max_exp_avg_sq", s.maxAvgSq))
		}
	}
	return state, nil
}

// LoadState restores optimizer state extracted by GetState. Parameter
// order must match the order at save time.
func (o *MetaplasticAdam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("MetaplasticAdam", state); err != nil {
		return err
	}

	o.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", o.config.LearningRate)
	o.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", o.config.Beta1)
	o.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", o.config.Beta2)
	o.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", o.config.Epsilon)
	o.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", o.config.WeightDecay)
	o.config.Metaplasticity = extractFloat32Param(state.Parameters, "metaplasticity", o.config.Metaplasticity)
	o.config.AMSGrad = extractBoolParam(state.Parameters, "amsgrad", o.config.AMSGrad)
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
		s := o.states[i]
		if s == nil {
			s = &metaplasticState{
				expAvg:   tensor.ZerosLike(o.params[i].Data),
				expAvgSq: tensor.ZerosLike(o.params[i].Data),
			}
			if o.config.AMSGrad {
				s.maxAvgSq = tensor.ZerosLike(o.params[i].Data)
			}
			o.states[i] = s
		}
		s.step = extractUint64Param(state.Parameters, fmt.Sprintf("step_%s", st.Name), s.step)

		var dst *tensor.Tensor
		switch st.StateType {
		case "exp_avg":
			dst = s.expAvg
		case "exp_avg_sq":
			dst = s.expAvgSq
		case "max_exp_avg_sq":
			if s.maxAvgSq == nil {
				s.maxAvgSq = tensor.ZerosLike(o.params[i].Data)
			}
			dst = s.maxAvgSq
		default:
			return fmt.Errorf("unknown state type %q for parameter %q", st.StateType, st.Name)
		}
		if err := restoreStateTensor(dst, st); err != nil {
			return err
		}
	}
	return nil
}
