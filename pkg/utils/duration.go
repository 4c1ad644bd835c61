package utils

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration marshals as a Go duration string ("10s", "1.5s") in both JSON and
// YAML, so API payloads and config files share one spelling.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.decode(v)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.decode(v)
}

func (d *Duration) decode(v interface{}) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", val)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		// bare numbers are seconds
		*d = Duration(time.Duration(val * float64(time.Second)))
		return nil
	case int:
		*d = Duration(time.Duration(val) * time.Second)
		return nil
	default:
		return errors.Errorf("invalid duration value %v", v)
	}
}
