package wavio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/sonido-unmix/spectral"
)

func sineWaveform(channels, samples int) *spectral.Waveform {
	w := spectral.NewWaveform(1, channels, samples)
	for c := 0; c < (channels); c++ {
		freq := 220.0 * float64(c+1)
		for i := 0; i < (samples); i++ {
			w.Set(0, c, i, 0.5*math.Sin(2*math.Pi*freq*float64(i)/8000))
		}
	}
	return w
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixture.wav")
	want := sineWaveform(2, 4000)

	require.NoError(t, WriteFile(path, want, 8000))

	got, rate, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 8000, rate)
	require.Equal(t, 1, got.Batch)
	require.Equal(t, 2, got.Channels)
	require.Equal(t, 4000, got.Samples)

	// rounding to 16 bits bounds the round-trip error to half a step
	for i := range want.Data {
		require.InDelta(t, want.Data[i], got.Data[i], 0.5/32767)
	}
}

func TestWriteFileClipsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hot.wav")

	w := spectral.NewWaveform(1, 1, 100)
	for i := range w.Data {
		w.Data[i] = 3.0
	}
	require.NoError(t, WriteFile(path, w, 8000))

	got, _, err := ReadFile(path)
	require.NoError(t, err)
	for _, v := range got.Data {
		require.InDelta(t, 1.0, v, 1.0/32767)
	}
}

func TestWriteFileValidation(t *testing.T) {
	dir := t.TempDir()

	t.Run("rejects batched waveform", func(t *testing.T) {
		w := spectral.NewWaveform(2, 2, 100)
		require.Error(t, WriteFile(filepath.Join(dir, "a.wav"), w, 8000))
	})

	t.Run("rejects bad sample rate", func(t *testing.T) {
		w := spectral.NewWaveform(1, 2, 100)
		require.Error(t, WriteFile(filepath.Join(dir, "b.wav"), w, 0))
	})
}

func TestReadFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, _, err := ReadFile(filepath.Join(t.TempDir(), "absent.wav"))
		require.Error(t, err)
	})

	t.Run("not a WAV file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.wav")
		require.NoError(t, os.WriteFile(path, []byte("not audio"), 0o644))
		_, _, err := ReadFile(path)
		require.Error(t, err)
	})
}

func TestWriteStems(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stems", "mix1")
	estimates := map[string]*spectral.Waveform{
		"vocals": sineWaveform(2, 2000),
		"drums":  sineWaveform(2, 2000),
	}

	require.NoError(t, WriteStems(dir, estimates, 8000))

	for name := range estimates {
		got, rate, err := ReadFile(filepath.Join(dir, name+".wav"))
		require.NoError(t, err)
		require.Equal(t, 8000, rate)
		require.Equal(t, 2000, got.Samples)
	}
}

func TestQuantize16(t *testing.T) {
	require.Equal(t, 32767, quantize16(1.0))
	require.Equal(t, -32767, quantize16(-1.0))
	require.Equal(t, 32767, quantize16(2.5))
	require.Equal(t, 0, quantize16(0))

	// values round to the nearest step instead of truncating toward zero
	require.Equal(t, 1, quantize16(0.9/32767))
	require.Equal(t, -1, quantize16(-0.9/32767))
	require.Equal(t, 100, quantize16(100.4/32767))
}
