package spectral

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// HannWindow represents a Hann analysis/synthesis window. The periodic form
// (denominator N instead of N-1) is the one that satisfies the constant
// overlap-add condition at hop = N/4, which the inverse transform relies on.
type HannWindow struct {
	size         int
	periodic     bool
	coefficients []float64
}

// NewHannWindow creates a new Hann window of the given size
func NewHannWindow(size int, periodic bool) (*HannWindow, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be positive: %d", size)
	}

	h := &HannWindow{
		size:     size,
		periodic: periodic,
	}
	h.generate()
	return h, nil
}

func (h *HannWindow) generate() {
	h.coefficients = make([]float64, h.size)

	denominator := float64(h.size)
	if !h.periodic && h.size > 1 {
		denominator = float64(h.size - 1)
	}

	for i := 0; i < (h.size); i++ {
		h.coefficients[i] = 0.5 * (1.0 - math.Cos(2*math.Pi*float64(i)/denominator))
	}
}

// ApplyInPlace multiplies a signal frame by the window coefficients. The
// frame length must equal the window size; a mismatch panics, matching the
// gonum vector-op convention.
func (h *HannWindow) ApplyInPlace(signal []float64) {
	floats.Mul(signal, h.coefficients)
}

// Coefficients returns a copy of the window coefficients
func (h *HannWindow) Coefficients() []float64 {
	coeffs := make([]float64, len(h.coefficients))
	copy(coeffs, h.coefficients)
	return coeffs
}

// Size returns the window size
func (h *HannWindow) Size() int {
	return h.size
}

// OverlapAddSum returns the summed squared-window envelope for the given hop
// over the given number of frames. The inverse transform divides by this
// envelope, so any region where it is (near) zero cannot be reconstructed.
func (h *HannWindow) OverlapAddSum(hop, frames, length int) []float64 {
	sum := make([]float64, length)
	for t := 0; t < (frames); t++ {
		start := t * hop
		for i, w := range h.coefficients {
			if start+i >= length {
				break
			}
			sum[start+i] += w * w
		}
	}
	return sum
}
