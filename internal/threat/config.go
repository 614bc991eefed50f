package threat

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for an unusable pattern, command or threshold.
var ErrInvalidConfig = errors.New("invalid threat scanner config")

// Update is a partial configuration merged by UpdateConfig. It is also the
// shape of the scanner's YAML file.
type Update struct {
	Patterns       []string `yaml:"patterns"`
	Commands       []string `yaml:"commands"`
	BlockThreshold *float64 `yaml:"block_threshold"`
	WarnThreshold  *float64 `yaml:"warn_threshold"`
}

// Settings is the effective operator configuration.
type Settings struct {
	Patterns       []string `json:"patterns" yaml:"patterns"`
	Commands       []string `json:"commands" yaml:"commands"`
	BlockThreshold float64  `json:"block_threshold" yaml:"block_threshold"`
	WarnThreshold  float64  `json:"warn_threshold" yaml:"warn_threshold"`
}

// LoadConfig reads a scanner YAML file. A missing file yields a nil update
// and no error.
func LoadConfig(path string) (*Update, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read threat config: %w", err)
	}

	var u Update
	if err := yaml.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parse threat config: %w", err)
	}
	return &u, nil
}

// Float returns a pointer to f, for Update thresholds.
func Float(f float64) *float64 {
	return &f
}
