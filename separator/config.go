package separator

import (
	"fmt"
)

// Config controls the refinement stage of a separation call
type Config struct {
	// Iterations is the number of EM sweeps refining the initial magnitude
	// estimates. Zero means pure masking with no refinement.
	Iterations int `json:"iterations"`

	// Softmask selects ratio-mask initialization instead of combining the
	// magnitudes with the mixture phase
	Softmask bool `json:"softmask"`

	// Residual, when non-empty, names an extra output source derived as the
	// mixture minus the sum of the estimated targets
	Residual string `json:"residual,omitempty"`

	// BatchSize bounds the number of consecutive frames refined per window.
	// Zero processes all frames in one window at the price of peak memory;
	// windows are independent, so the value trades memory for iteration
	// overhead without changing results.
	BatchSize int `json:"batch_size,omitempty"`
}

// DefaultConfig returns one EM sweep with hard masking and no residual
func DefaultConfig() Config {
	return Config{
		Iterations: 1,
	}
}

// Validate checks the refinement parameters
func (c Config) Validate() error {
	if c.Iterations < 0 {
		return fmt.Errorf("iteration count must be non-negative: %d", c.Iterations)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be non-negative: %d", c.BatchSize)
	}
	return nil
}
