// Package wavio reads mixtures from and writes separated stems to WAV
// files. Waveform tensors cross this boundary with a batch axis of 1.
package wavio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/RyanBlaney/sonido-unmix/logging"
	"github.com/RyanBlaney/sonido-unmix/spectral"
)

// ReadFile decodes a WAV file into a (1, channels, samples) waveform and
// returns its sample rate
func ReadFile(path string) (*spectral.Waveform, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("%q is not a valid WAV file", path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding %q: %w", path, err)
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		return nil, 0, fmt.Errorf("%q declares %d channels", path, channels)
	}
	samples := len(buf.Data) / channels

	// symmetric scale matching the encoder's quantization step
	scale := 1.0 / float64(int(1)<<(decoder.BitDepth-1)-1)
	w := spectral.NewWaveform(1, channels, samples)
	for t := 0; t < (samples); t++ {
		for c := 0; c < (channels); c++ {
			w.Set(0, c, t, float64(buf.Data[t*channels+c])*scale)
		}
	}

	logging.Debug("read WAV file", logging.Fields{
		"component":   "wavio",
		"path":        path,
		"channels":    channels,
		"samples":     samples,
		"sample_rate": buf.Format.SampleRate,
	})

	return w, buf.Format.SampleRate, nil
}

// WriteFile encodes a (1, channels, samples) waveform as a 16-bit WAV file.
// Values outside [-1, 1] are clipped.
func WriteFile(path string, w *spectral.Waveform, sampleRate int) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.Batch != 1 {
		return fmt.Errorf("WAV output requires a batch of 1, got %d", w.Batch)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive: %d", sampleRate)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %q: %w", path, err)
	}
	defer f.Close()

	encoder := wav.NewEncoder(f, sampleRate, 16, w.Channels, 1)

	data := make([]int, w.Samples*w.Channels)
	for t := 0; t < (w.Samples); t++ {
		for c := 0; c < (w.Channels); c++ {
			data[t*w.Channels+c] = quantize16(w.At(0, c, t))
		}
	}

	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: w.Channels,
			SampleRate:  sampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	}

	if err := encoder.Write(buf); err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}
	return encoder.Close()
}

// WriteStems writes one WAV file per separated source into a directory
func WriteStems(dir string, estimates map[string]*spectral.Waveform, sampleRate int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating stem directory %q: %w", dir, err)
	}

	for name, waveform := range estimates {
		path := filepath.Join(dir, name+".wav")
		if err := WriteFile(path, waveform, sampleRate); err != nil {
			return fmt.Errorf("writing stem %q: %w", name, err)
		}
	}
	return nil
}

func quantize16(v float64) int {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int(math.Round(v * 32767))
}
