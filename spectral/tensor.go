package spectral

import (
	"fmt"
)

// Waveform represents multichannel audio as a dense (batch, channel, sample)
// tensor backed by a single flat slice.
type Waveform struct {
	Data     []float64 `json:"-"`
	Batch    int       `json:"batch"`
	Channels int       `json:"channels"`
	Samples  int       `json:"samples"`
}

// NewWaveform allocates a zeroed waveform tensor
func NewWaveform(batch, channels, samples int) *Waveform {
	return &Waveform{
		Data:     make([]float64, batch*channels*samples),
		Batch:    batch,
		Channels: channels,
		Samples:  samples,
	}
}

// At returns the sample at (batch, channel, sample)
func (w *Waveform) At(b, c, t int) float64 {
	return w.Data[(b*w.Channels+c)*w.Samples+t]
}

// Set stores the sample at (batch, channel, sample)
func (w *Waveform) Set(b, c, t int, v float64) {
	w.Data[(b*w.Channels+c)*w.Samples+t] = v
}

// Row returns the contiguous sample slice for one (batch, channel) pair
func (w *Waveform) Row(b, c int) []float64 {
	off := (b*w.Channels + c) * w.Samples
	return w.Data[off : off+w.Samples]
}

// Validate checks internal consistency of the tensor dimensions
func (w *Waveform) Validate() error {
	if w.Batch <= 0 || w.Channels <= 0 || w.Samples <= 0 {
		return fmt.Errorf("waveform dimensions must be positive: (%d, %d, %d)",
			w.Batch, w.Channels, w.Samples)
	}
	if len(w.Data) != w.Batch*w.Channels*w.Samples {
		return fmt.Errorf("waveform backing slice has %d values, dimensions require %d",
			len(w.Data), w.Batch*w.Channels*w.Samples)
	}
	return nil
}

// ComplexSpectrogram is a one-sided complex time-frequency representation
// laid out as (batch, channel, bin, frame).
type ComplexSpectrogram struct {
	Data     []complex128 `json:"-"`
	Batch    int          `json:"batch"`
	Channels int          `json:"channels"`
	Bins     int          `json:"bins"`
	Frames   int          `json:"frames"`
}

// NewComplexSpectrogram allocates a zeroed complex spectrogram
func NewComplexSpectrogram(batch, channels, bins, frames int) *ComplexSpectrogram {
	return &ComplexSpectrogram{
		Data:     make([]complex128, batch*channels*bins*frames),
		Batch:    batch,
		Channels: channels,
		Bins:     bins,
		Frames:   frames,
	}
}

// At returns the bin value at (batch, channel, bin, frame)
func (s *ComplexSpectrogram) At(b, c, f, t int) complex128 {
	return s.Data[((b*s.Channels+c)*s.Bins+f)*s.Frames+t]
}

// Set stores the bin value at (batch, channel, bin, frame)
func (s *ComplexSpectrogram) Set(b, c, f, t int, v complex128) {
	s.Data[((b*s.Channels+c)*s.Bins+f)*s.Frames+t] = v
}

// BinRow returns the contiguous per-frame slice for one (batch, channel, bin)
func (s *ComplexSpectrogram) BinRow(b, c, f int) []complex128 {
	off := ((b*s.Channels+c)*s.Bins + f) * s.Frames
	return s.Data[off : off+s.Frames]
}

// MagnitudeSpectrogram is a non-negative magnitude (or power) spectrogram in
// frame-major layout (frame, batch, channel, bin). Frame-major ordering is
// what the recurrent estimator consumes.
type MagnitudeSpectrogram struct {
	Data     []float64 `json:"-"`
	Frames   int       `json:"frames"`
	Batch    int       `json:"batch"`
	Channels int       `json:"channels"`
	Bins     int       `json:"bins"`
}

// NewMagnitudeSpectrogram allocates a zeroed magnitude spectrogram
func NewMagnitudeSpectrogram(frames, batch, channels, bins int) *MagnitudeSpectrogram {
	return &MagnitudeSpectrogram{
		Data:     make([]float64, frames*batch*channels*bins),
		Frames:   frames,
		Batch:    batch,
		Channels: channels,
		Bins:     bins,
	}
}

// At returns the magnitude at (frame, batch, channel, bin)
func (m *MagnitudeSpectrogram) At(t, b, c, k int) float64 {
	return m.Data[((t*m.Batch+b)*m.Channels+c)*m.Bins+k]
}

// Set stores the magnitude at (frame, batch, channel, bin)
func (m *MagnitudeSpectrogram) Set(t, b, c, k int, v float64) {
	m.Data[((t*m.Batch+b)*m.Channels+c)*m.Bins+k] = v
}

// BinSlice returns the contiguous bin slice for one (frame, batch, channel)
func (m *MagnitudeSpectrogram) BinSlice(t, b, c int) []float64 {
	off := ((t*m.Batch+b)*m.Channels + c) * m.Bins
	return m.Data[off : off+m.Bins]
}

// Clone returns a deep copy
func (m *MagnitudeSpectrogram) Clone() *MagnitudeSpectrogram {
	out := &MagnitudeSpectrogram{
		Data:     make([]float64, len(m.Data)),
		Frames:   m.Frames,
		Batch:    m.Batch,
		Channels: m.Channels,
		Bins:     m.Bins,
	}
	copy(out.Data, m.Data)
	return out
}

// SameShape reports whether two magnitude spectrograms have identical dimensions
func (m *MagnitudeSpectrogram) SameShape(o *MagnitudeSpectrogram) bool {
	return m.Frames == o.Frames && m.Batch == o.Batch &&
		m.Channels == o.Channels && m.Bins == o.Bins
}
