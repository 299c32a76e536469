package spectral

import (
	"fmt"
	"math"
)

// Spectrogram converts a complex spectrogram to a magnitude or power
// representation, optionally downmixing channels, and permutes the result to
// the frame-major layout the temporal model consumes.
type Spectrogram struct {
	power float64
	mono  bool
}

// NewSpectrogram creates a spectrogram converter. Power 1 yields magnitude,
// power 2 yields power spectra. With mono set, channels are averaged in the
// magnitude domain into a single kept channel axis of size 1.
func NewSpectrogram(power float64, mono bool) (*Spectrogram, error) {
	if power <= 0 {
		return nil, fmt.Errorf("spectrogram power must be positive: %g", power)
	}
	return &Spectrogram{
		power: power,
		mono:  mono,
	}, nil
}

// Power returns the configured magnitude exponent
func (sp *Spectrogram) Power() float64 {
	return sp.power
}

// Mono reports whether channels are downmixed
func (sp *Spectrogram) Mono() bool {
	return sp.mono
}

// Compute converts (batch, channel, bin, frame) complex values into a
// (frame, batch, channel, bin) magnitude tensor
func (sp *Spectrogram) Compute(s *ComplexSpectrogram) *MagnitudeSpectrogram {
	outChannels := s.Channels
	if sp.mono {
		outChannels = 1
	}

	out := NewMagnitudeSpectrogram(s.Frames, s.Batch, outChannels, s.Bins)

	halfPower := sp.power / 2.0
	for b := 0; b < (s.Batch); b++ {
		for c := 0; c < (s.Channels); c++ {
			for f := 0; f < (s.Bins); f++ {
				row := s.BinRow(b, c, f)
				for t, v := range row {
					re := real(v)
					im := imag(v)
					mag := energyToMagnitude(re*re+im*im, halfPower)

					if sp.mono {
						out.Data[((t*s.Batch+b)*outChannels)*s.Bins+f] += mag / float64(s.Channels)
					} else {
						out.Data[((t*s.Batch+b)*outChannels+c)*s.Bins+f] = mag
					}
				}
			}
		}
	}

	return out
}

func energyToMagnitude(energy, halfPower float64) float64 {
	switch halfPower {
	case 0.5:
		return math.Sqrt(energy)
	case 1.0:
		return energy
	default:
		return math.Pow(energy, halfPower)
	}
}
