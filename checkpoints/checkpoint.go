// Package checkpoints persists run artifacts: model weights and optimizer
// state as a JSON checkpoint, the accuracy history as an opaque ordered
// blob, and the run configuration as human-inspectable JSON.
package checkpoints

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Checkpoint is a complete snapshot of a training run: weights, optimizer
// state, progress counters, and the accuracy history accumulated so far.
type Checkpoint struct {
	Weights         []WeightTensor  `json:"weights"`
	TrainingState   TrainingState   `json:"training_state"`
	OptimizerState  *OptimizerState `json:"optimizer_state,omitempty"`
	AccuracyHistory [][]float64     `json:"accuracy_history,omitempty"`
	Metadata        Metadata        `json:"metadata"`
}

// WeightTensor is one named model parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures progress through the task sequence.
type TrainingState struct {
	Task         int     `json:"task"`
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
}

// OptimizerState captures optimizer-specific per-parameter state.
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor is one per-parameter state tensor (moment estimate,
// consolidation state, posterior state, ...).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// Metadata describes the checkpoint itself.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// NewMetadata fills in the framework identity and timestamp.
func NewMetadata(description string) Metadata {
	return Metadata{
		Version:     "1.0",
		Framework:   "binarized-neural-networks",
		CreatedAt:   time.Now(),
		Description: description,
	}
}

// SaveCheckpoint writes a checkpoint as indented JSON.
func SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling checkpoint")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing checkpoint to %s", path)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint from %s", path)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Wrap(err, "parsing checkpoint")
	}
	return &checkpoint, nil
}

// SaveAccuracyHistory persists the trainer's accuracy history as an opaque
// ordered blob.
func SaveAccuracyHistory(history [][]float64, path string) error {
	data, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "marshaling accuracy history")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing accuracy history to %s", path)
	}
	return nil
}

// LoadAccuracyHistory reads a blob written by SaveAccuracyHistory.
func LoadAccuracyHistory(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading accuracy history from %s", path)
	}
	var history [][]float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, errors.Wrap(err, "parsing accuracy history")
	}
	return history, nil
}
