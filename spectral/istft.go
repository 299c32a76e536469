package spectral

import (
	"fmt"
	"math/cmplx"
	"sync"
)

// windowSumEpsilon guards the overlap-add normalization against division by
// near-zero window-sum regions at the very edges of the padded signal
const windowSumEpsilon = 1e-11

// Inverse reconstructs a waveform from a one-sided complex spectrogram via
// windowed overlap-add with squared-window normalization. It is the exact
// adjoint of Forward: given the original sample count as targetLength, the
// round-trip reproduces the input within floating-point tolerance.
func (s *STFT) Inverse(spec *ComplexSpectrogram, targetLength int) (*Waveform, error) {
	bins := s.cfg.Bins()
	if spec.Bins != bins {
		return nil, fmt.Errorf("spectrogram has %d bins, transform with window size %d requires %d",
			spec.Bins, s.cfg.WindowSize, bins)
	}
	if spec.Frames <= 0 {
		return nil, fmt.Errorf("spectrogram has no frames")
	}
	if targetLength <= 0 {
		return nil, fmt.Errorf("target length must be positive: %d", targetLength)
	}

	n := s.cfg.WindowSize
	hop := s.cfg.HopSize
	paddedLength := (spec.Frames-1)*hop + n

	trim := 0
	if s.cfg.Center {
		trim = n / 2
	}
	if trim+targetLength > paddedLength {
		return nil, fmt.Errorf("target length %d exceeds the %d reconstructable samples of %d frames",
			targetLength, paddedLength-trim, spec.Frames)
	}

	coeffs := s.window.Coefficients()
	windowSum := s.window.OverlapAddSum(hop, spec.Frames, paddedLength)

	out := NewWaveform(spec.Batch, spec.Channels, targetLength)

	rows := spec.Batch * spec.Channels
	numWorkers := optimalWorkerCount(rows)

	jobs := make(chan int, rows)
	var wg sync.WaitGroup

	for rangeN := 0; rangeN < (numWorkers); rangeN++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			accumulator := make([]float64, paddedLength)
			fullSpectrum := make([]complex128, n)

			for row := range jobs {
				for i := range accumulator {
					accumulator[i] = 0
				}

				for t := 0; t < (spec.Frames); t++ {
					// rebuild the two-sided spectrum from the one-sided half
					for f := 0; f < (bins); f++ {
						fullSpectrum[f] = spec.Data[(row*bins+f)*spec.Frames+t]
					}
					for f := bins; f < n; f++ {
						fullSpectrum[f] = cmplx.Conj(fullSpectrum[n-f])
					}

					frame := s.fft.ComputeInverseReal(fullSpectrum)

					start := t * hop
					for i := 0; i < (n); i++ {
						accumulator[start+i] += frame[i] * coeffs[i]
					}
				}

				for i := range accumulator {
					if windowSum[i] > windowSumEpsilon {
						accumulator[i] /= windowSum[i]
					}
				}

				copy(out.Data[row*targetLength:(row+1)*targetLength],
					accumulator[trim:trim+targetLength])
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
