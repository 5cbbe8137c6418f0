package match

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StepConfig overrides one catalogue step by name. A zero Weight keeps the
// built-in weight.
type StepConfig struct {
	Name    string  `yaml:"name"`
	Weight  float64 `yaml:"weight,omitempty"`
	Disable bool    `yaml:"disable,omitempty"`
}

// Config carries the tunables of a matching session. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// MinPrimeInstructions is the applicability floor of the prime step.
	MinPrimeInstructions int `yaml:"min_prime_instructions"`

	// MinFunctionSimilarity is the score floor below which the greedy
	// function pairing phase refuses to pair.
	MinFunctionSimilarity float64 `yaml:"min_function_similarity"`

	// Workers bounds the number of function pairs matched concurrently.
	// Zero means one worker per CPU.
	Workers int `yaml:"workers,omitempty"`

	Steps []StepConfig `yaml:"steps,omitempty"`
}

// DefaultConfig returns the stock calibration.
func DefaultConfig() Config {
	return Config{
		MinPrimeInstructions:  4,
		MinFunctionSimilarity: 0.35,
	}
}

// LoadConfig reads a yaml calibration file on top of the defaults. Fields
// absent from the file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MinPrimeInstructions < 1 {
		return fmt.Errorf("min_prime_instructions must be at least 1, got %d", c.MinPrimeInstructions)
	}
	if c.MinFunctionSimilarity < 0 || c.MinFunctionSimilarity > 1 {
		return fmt.Errorf("min_function_similarity must be in [0,1], got %g", c.MinFunctionSimilarity)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	seen := make(map[string]bool, len(c.Steps))
	for _, sc := range c.Steps {
		if sc.Name == "" {
			return fmt.Errorf("step override without a name")
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate step override %q", sc.Name)
		}
		seen[sc.Name] = true
		if sc.Weight < 0 || sc.Weight > 1 {
			return fmt.Errorf("step %q: weight must be in [0,1], got %g", sc.Name, sc.Weight)
		}
	}
	return nil
}
