package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling
// strategies. Schedulers are pure functions of the epoch; the trainer
// applies the result to the optimizer once per epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch.
	GetLR(epoch int, baseLR float32) float32

	// GetName returns the scheduler name for logging.
	GetName() string
}

// StepLRScheduler reduces the learning rate by a factor every StepSize
// epochs.
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float32) float32 {
	times := epoch / s.StepSize
	return float32(float64(baseLR) * math.Pow(s.Gamma, float64(times)))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate exponentially.
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler.
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float32) float32 {
	return float32(float64(baseLR) * math.Pow(s.Gamma, float64(epoch)))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements a cosine annealing schedule.
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler.
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float32) float32 {
	if epoch >= s.TMax {
		return float32(s.EtaMin)
	}
	lr := s.EtaMin + (float64(baseLR)-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
	return float32(lr)
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}
