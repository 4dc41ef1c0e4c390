package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that round-trips through YAML in the
// human-readable form time.ParseDuration accepts ("30s", "5m", "200ms").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts either a duration string or raw nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		parsed, perr := time.ParseDuration(asString)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", asString, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}

	return fmt.Errorf("invalid duration value %q", value.Value)
}
