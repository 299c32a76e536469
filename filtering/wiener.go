// Package filtering implements the multichannel Wiener filter with
// Expectation-Maximization refinement that converts per-source magnitude
// estimates plus the complex mixture spectrogram into phase-consistent
// per-source complex spectrograms.
package filtering

import (
	"errors"
	"fmt"
	"math"

	"github.com/RyanBlaney/sonido-unmix/logging"
)

// ErrShapeMismatch indicates the magnitude stack and the mixture spectrogram
// disagree on frame, bin or channel counts
var ErrShapeMismatch = errors.New("shape mismatch between source magnitudes and mixture")

const (
	// eps regularizes divisions and covariance inversions
	eps = 1e-10

	// scaleFactor bounds the dynamic range fed to the EM iterations; the
	// mixture and the estimates are scaled down by max(1, max|x|/scaleFactor)
	// and scaled back afterwards
	scaleFactor = 10.0
)

// SourceMagnitudes holds stacked non-negative magnitude estimates for a span
// of frames, laid out as (frame, bin, channel, source). A channel count of 1
// against a multichannel mixture means the estimates were downmixed and are
// broadcast across mixture channels.
type SourceMagnitudes struct {
	Data     []float64
	Frames   int
	Bins     int
	Channels int
	Sources  int
}

// At returns the magnitude at (frame, bin, channel, source)
func (v *SourceMagnitudes) At(t, f, c, j int) float64 {
	return v.Data[((t*v.Bins+f)*v.Channels+c)*v.Sources+j]
}

// MixtureSpectrogram holds the complex mixture for a span of frames, laid
// out as (frame, bin, channel)
type MixtureSpectrogram struct {
	Data     []complex128
	Frames   int
	Bins     int
	Channels int
}

// At returns the mixture value at (frame, bin, channel)
func (x *MixtureSpectrogram) At(t, f, c int) complex128 {
	return x.Data[(t*x.Bins+f)*x.Channels+c]
}

// SourceSpectrogram holds refined complex per-source estimates, laid out as
// (frame, bin, channel, source). Channel count always matches the mixture.
type SourceSpectrogram struct {
	Data     []complex128
	Frames   int
	Bins     int
	Channels int
	Sources  int
}

// At returns the estimate at (frame, bin, channel, source)
func (y *SourceSpectrogram) At(t, f, c, j int) complex128 {
	return y.Data[((t*y.Bins+f)*y.Channels+c)*y.Sources+j]
}

func (y *SourceSpectrogram) index(t, f, c, j int) int {
	return ((t*y.Bins+f)*y.Channels+c)*y.Sources + j
}

// Wiener refines stacked magnitude estimates against the complex mixture.
//
// With iterations == 0 the result is the pure masking initialization: a
// ratio (soft) mask applied to the mixture, or the magnitudes combined with
// the mixture phase (hard mask). With iterations > 0 the initialization is
// refined by that many EM sweeps under a local Gaussian source model.
//
// When residual is set, one extra source slice is appended, computed as the
// mixture minus the sum of the initialized estimates; it participates in the
// EM refinement like any other source. Estimates whose summed magnitude
// exceeds the mixture simply yield a residual of opposite phase, never an
// error.
func Wiener(v *SourceMagnitudes, x *MixtureSpectrogram, iterations int, softmask, residual bool) (*SourceSpectrogram, error) {
	if err := checkShapes(v, x); err != nil {
		return nil, err
	}
	if iterations < 0 {
		return nil, fmt.Errorf("iteration count must be non-negative: %d", iterations)
	}

	sources := v.Sources
	if residual {
		sources++
	}

	y := &SourceSpectrogram{
		Data:     make([]complex128, x.Frames*x.Bins*x.Channels*sources),
		Frames:   x.Frames,
		Bins:     x.Bins,
		Channels: x.Channels,
		Sources:  sources,
	}

	initializeEstimates(y, v, x, softmask, residual)

	if iterations == 0 {
		return y, nil
	}

	logging.Debug("running EM refinement", logging.Fields{
		"component":  "filtering",
		"frames":     x.Frames,
		"sources":    sources,
		"iterations": iterations,
	})

	// keep the EM numerics in a bounded range; x is copied so the caller's
	// mixture is never mutated
	maxAbs := 1.0
	for _, xv := range x.Data {
		re, im := real(xv), imag(xv)
		if a := math.Sqrt(re*re + im*im); a/scaleFactor > maxAbs {
			maxAbs = a / scaleFactor
		}
	}

	scaled := &MixtureSpectrogram{
		Data:     make([]complex128, len(x.Data)),
		Frames:   x.Frames,
		Bins:     x.Bins,
		Channels: x.Channels,
	}
	inv := complex(1.0/maxAbs, 0)
	for i, xv := range x.Data {
		scaled.Data[i] = xv * inv
	}
	for i := range y.Data {
		y.Data[i] *= inv
	}

	expectationMaximization(y, scaled, iterations)

	back := complex(maxAbs, 0)
	for i := range y.Data {
		y.Data[i] *= back
	}

	return y, nil
}

func checkShapes(v *SourceMagnitudes, x *MixtureSpectrogram) error {
	if v.Frames != x.Frames {
		return fmt.Errorf("%w: %d magnitude frames vs %d mixture frames",
			ErrShapeMismatch, v.Frames, x.Frames)
	}
	if v.Bins != x.Bins {
		return fmt.Errorf("%w: %d magnitude bins vs %d mixture bins",
			ErrShapeMismatch, v.Bins, x.Bins)
	}
	if v.Channels != x.Channels && v.Channels != 1 {
		return fmt.Errorf("%w: %d magnitude channels vs %d mixture channels",
			ErrShapeMismatch, v.Channels, x.Channels)
	}
	if v.Sources <= 0 {
		return fmt.Errorf("%w: source count must be positive: %d", ErrShapeMismatch, v.Sources)
	}
	if len(v.Data) != v.Frames*v.Bins*v.Channels*v.Sources {
		return fmt.Errorf("%w: magnitude backing slice has %d values, dimensions require %d",
			ErrShapeMismatch, len(v.Data), v.Frames*v.Bins*v.Channels*v.Sources)
	}
	if len(x.Data) != x.Frames*x.Bins*x.Channels {
		return fmt.Errorf("%w: mixture backing slice has %d values, dimensions require %d",
			ErrShapeMismatch, len(x.Data), x.Frames*x.Bins*x.Channels)
	}
	return nil
}

// initializeEstimates seeds y from the magnitudes: either a soft ratio mask
// on the mixture or the magnitudes carrying the mixture phase
func initializeEstimates(y *SourceSpectrogram, v *SourceMagnitudes, x *MixtureSpectrogram, softmask, residual bool) {
	for t := 0; t < (x.Frames); t++ {
		for f := 0; f < (x.Bins); f++ {
			for c := 0; c < (x.Channels); c++ {
				vc := c
				if v.Channels == 1 {
					vc = 0
				}

				xv := x.At(t, f, c)

				var sum complex128
				if softmask {
					total := eps
					for j := 0; j < (v.Sources); j++ {
						total += v.At(t, f, vc, j)
					}
					for j := 0; j < (v.Sources); j++ {
						yv := xv * complex(v.At(t, f, vc, j)/total, 0)
						y.Data[y.index(t, f, c, j)] = yv
						sum += yv
					}
				} else {
					re, im := real(xv), imag(xv)
					mag := math.Sqrt(re*re + im*im)
					phase := complex(1, 0)
					if mag > 0 {
						phase = xv * complex(1/mag, 0)
					}
					for j := 0; j < (v.Sources); j++ {
						yv := phase * complex(v.At(t, f, vc, j), 0)
						y.Data[y.index(t, f, c, j)] = yv
						sum += yv
					}
				}

				if residual {
					y.Data[y.index(t, f, c, v.Sources)] = xv - sum
				}
			}
		}
	}
}
