package spectral

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/RyanBlaney/sonido-unmix/logging"
)

// TransformConfig holds the short-time transform parameters shared by every
// estimator composing a separator
type TransformConfig struct {
	WindowSize int  `json:"window_size"`
	HopSize    int  `json:"hop_size"`
	Center     bool `json:"center"`
}

// DefaultTransformConfig returns the transform configuration the pretrained
// models were trained with
func DefaultTransformConfig() TransformConfig {
	return TransformConfig{
		WindowSize: 4096,
		HopSize:    1024,
		Center:     true,
	}
}

// Validate checks the transform parameters
func (c TransformConfig) Validate() error {
	if c.WindowSize <= 1 {
		return fmt.Errorf("window size must be > 1: %d", c.WindowSize)
	}
	if c.HopSize <= 0 {
		return fmt.Errorf("hop size must be positive: %d", c.HopSize)
	}
	if c.HopSize > c.WindowSize {
		return fmt.Errorf("hop size (%d) must not exceed window size (%d)", c.HopSize, c.WindowSize)
	}
	return nil
}

// Bins returns the number of one-sided frequency bins
func (c TransformConfig) Bins() int {
	return c.WindowSize/2 + 1
}

// STFT provides the forward short-time transform and its exact inverse,
// sharing one periodic Hann analysis window and hop configuration.
//
// Hop = WindowSize/4 satisfies the constant overlap-add condition for the
// Hann window; other ratios reconstruct with edge artifacts, which is a
// known limitation and not corrected here.
type STFT struct {
	cfg    TransformConfig
	window *HannWindow
	fft    *FFT
	logger logging.Logger
}

// NewSTFT creates a short-time transform from the given configuration
func NewSTFT(cfg TransformConfig) (*STFT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transform config: %w", err)
	}

	window, err := NewHannWindow(cfg.WindowSize, true)
	if err != nil {
		return nil, err
	}

	return &STFT{
		cfg:    cfg,
		window: window,
		fft:    NewFFT(),
		logger: logging.WithFields(logging.Fields{
			"component": "stft",
		}),
	}, nil
}

// Config returns the transform configuration
func (s *STFT) Config() TransformConfig {
	return s.cfg
}

// NumFrames returns the deterministic frame count for a signal of the given
// sample count under the configured window, hop and centering policy
func (s *STFT) NumFrames(samples int) int {
	length := samples
	if s.cfg.Center {
		length += 2 * (s.cfg.WindowSize / 2)
	}
	if length < s.cfg.WindowSize {
		return 0
	}
	return (length-s.cfg.WindowSize)/s.cfg.HopSize + 1
}

// Forward computes the one-sided complex spectrogram of a waveform.
//
// Batch and channel axes are merged for the per-row transform and restored
// on output: (batch, channel, samples) -> (batch, channel, bins, frames).
func (s *STFT) Forward(w *Waveform) (*ComplexSpectrogram, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if w.Samples < s.cfg.WindowSize {
		return nil, fmt.Errorf("signal length (%d) is shorter than window size (%d)",
			w.Samples, s.cfg.WindowSize)
	}

	frames := s.NumFrames(w.Samples)
	bins := s.cfg.Bins()
	out := NewComplexSpectrogram(w.Batch, w.Channels, bins, frames)

	rows := w.Batch * w.Channels
	numWorkers := optimalWorkerCount(rows)

	jobs := make(chan int, rows)
	var wg sync.WaitGroup

	for rangeN := 0; rangeN < (numWorkers); rangeN++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			frameBuffer := make([]float64, s.cfg.WindowSize)

			for row := range jobs {
				signal := w.Data[row*w.Samples : (row+1)*w.Samples]
				if s.cfg.Center {
					signal = reflectPad(signal, s.cfg.WindowSize/2)
				}

				for t := 0; t < (frames); t++ {
					start := t * s.cfg.HopSize
					copy(frameBuffer, signal[start:start+s.cfg.WindowSize])
					s.window.ApplyInPlace(frameBuffer)

					spectrum := s.fft.Compute(frameBuffer)
					for f := 0; f < (bins); f++ {
						out.Data[(row*bins+f)*frames+t] = spectrum[f]
					}
				}
			}
		}()
	}

	for row := 0; row < (rows); row++ {
		jobs <- row
	}
	close(jobs)
	wg.Wait()

	return out, nil
}

// reflectPad extends a signal by pad samples on each side using reflect-mode
// boundary extension (the boundary sample itself is not repeated)
func reflectPad(signal []float64, pad int) []float64 {
	n := len(signal)
	out := make([]float64, n+2*pad)
	copy(out[pad:], signal)
	for i := 0; i < (pad); i++ {
		out[pad-1-i] = signal[i+1]
		out[pad+n+i] = signal[n-2-i]
	}
	return out
}

// optimalWorkerCount bounds worker goroutines by the available CPUs and the
// number of independent rows to process
func optimalWorkerCount(rows int) int {
	return max(1, min(runtime.NumCPU(), rows))
}
