package checkpoints

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// SaveRunConfig persists a run configuration as human-inspectable JSON.
// Values with no JSON representation are stringified rather than dropped,
// so the saved file always reflects the full configuration.
func SaveRunConfig(config map[string]interface{}, path string) error {
	sanitized, ok := sanitizeValue(config).(map[string]interface{})
	if !ok {
		return errors.New("run config did not sanitize to an object")
	}
	s, err := structpb.NewStruct(sanitized)
	if err != nil {
		return errors.Wrap(err, "converting run config")
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshaling run config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "writing run config to %s", path)
	}
	return nil
}

// LoadRunConfig reads a configuration written by SaveRunConfig.
func LoadRunConfig(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading run config from %s", path)
	}
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "parsing run config")
	}
	return s.AsMap(), nil
}

// sanitizeValue maps arbitrary configuration values onto JSON-compatible
// ones, stringifying anything that has no natural representation.
func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		return float64(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = sanitizeValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []int:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = float64(item)
		}
		return out
	case []float64:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}
