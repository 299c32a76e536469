package spectral

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomWaveform(t *testing.T, batch, channels, samples int, seed int64) *Waveform {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	w := NewWaveform(batch, channels, samples)
	for i := range w.Data {
		w.Data[i] = rng.Float64()*2 - 1
	}
	return w
}

func TestTransformConfigValidate(t *testing.T) {
	t.Run("default is valid", func(t *testing.T) {
		require.NoError(t, DefaultTransformConfig().Validate())
	})

	t.Run("rejects bad window", func(t *testing.T) {
		cfg := TransformConfig{WindowSize: 0, HopSize: 128}
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects hop beyond window", func(t *testing.T) {
		cfg := TransformConfig{WindowSize: 256, HopSize: 512}
		require.Error(t, cfg.Validate())
	})
}

func TestSTFTForwardShape(t *testing.T) {
	cfg := TransformConfig{WindowSize: 512, HopSize: 128, Center: true}
	stft, err := NewSTFT(cfg)
	require.NoError(t, err)

	for _, samples := range []int{512, 1000, 4096, 44100} {
		w := randomWaveform(t, 2, 2, samples, 1)

		spec, err := stft.Forward(w)
		require.NoError(t, err)

		require.Equal(t, 2, spec.Batch)
		require.Equal(t, 2, spec.Channels)
		require.Equal(t, cfg.Bins(), spec.Bins)
		require.Equal(t, stft.NumFrames(samples), spec.Frames)

		// centered framing covers the padded signal exactly
		padded := samples + 2*(cfg.WindowSize/2)
		require.Equal(t, (padded-cfg.WindowSize)/cfg.HopSize+1, spec.Frames)
	}
}

func TestSTFTRejectsShortSignal(t *testing.T) {
	stft, err := NewSTFT(TransformConfig{WindowSize: 512, HopSize: 128, Center: true})
	require.NoError(t, err)

	w := randomWaveform(t, 1, 1, 100, 2)
	_, err = stft.Forward(w)
	require.Error(t, err)
}

func TestSTFTRoundTrip(t *testing.T) {
	cfg := TransformConfig{WindowSize: 1024, HopSize: 256, Center: true}
	stft, err := NewSTFT(cfg)
	require.NoError(t, err)

	for _, samples := range []int{1024, 5000, 22050} {
		w := randomWaveform(t, 2, 2, samples, int64(samples))

		spec, err := stft.Forward(w)
		require.NoError(t, err)

		back, err := stft.Inverse(spec, samples)
		require.NoError(t, err)

		require.Equal(t, w.Batch, back.Batch)
		require.Equal(t, w.Channels, back.Channels)
		require.Equal(t, samples, back.Samples)

		for i := range w.Data {
			require.InDelta(t, w.Data[i], back.Data[i], 1e-9,
				"sample %d differs for length %d", i, samples)
		}
	}
}

func TestSTFTInverseValidation(t *testing.T) {
	stft, err := NewSTFT(TransformConfig{WindowSize: 512, HopSize: 128, Center: true})
	require.NoError(t, err)

	t.Run("rejects bin mismatch", func(t *testing.T) {
		spec := NewComplexSpectrogram(1, 1, 100, 10)
		_, err := stft.Inverse(spec, 512)
		require.Error(t, err)
	})

	t.Run("rejects target beyond coverage", func(t *testing.T) {
		spec := NewComplexSpectrogram(1, 1, 257, 4)
		_, err := stft.Inverse(spec, 100000)
		require.Error(t, err)
	})
}

func TestReflectPad(t *testing.T) {
	padded := reflectPad([]float64{1, 2, 3, 4, 5}, 2)
	require.Equal(t, []float64{3, 2, 1, 2, 3, 4, 5, 4, 3}, padded)
}

func TestHannWindow(t *testing.T) {
	t.Run("periodic endpoints", func(t *testing.T) {
		h, err := NewHannWindow(8, true)
		require.NoError(t, err)

		coeffs := h.Coefficients()
		require.InDelta(t, 0.0, coeffs[0], 1e-15)
		// periodic form peaks at N/2, not (N-1)/2
		require.InDelta(t, 1.0, coeffs[4], 1e-15)
	})

	t.Run("symmetric endpoints", func(t *testing.T) {
		h, err := NewHannWindow(9, false)
		require.NoError(t, err)

		coeffs := h.Coefficients()
		require.InDelta(t, 0.0, coeffs[0], 1e-15)
		require.InDelta(t, 0.0, coeffs[8], 1e-15)
		require.InDelta(t, 1.0, coeffs[4], 1e-15)
	})

	t.Run("rejects non-positive size", func(t *testing.T) {
		_, err := NewHannWindow(0, true)
		require.Error(t, err)
	})

	t.Run("apply multiplies in place", func(t *testing.T) {
		h, err := NewHannWindow(8, true)
		require.NoError(t, err)

		frame := []float64{1, 1, 1, 1, 1, 1, 1, 1}
		h.ApplyInPlace(frame)
		require.Equal(t, h.Coefficients(), frame)
	})
}

func TestHannOverlapAddIsConstant(t *testing.T) {
	// hop = N/4 satisfies constant overlap-add for the periodic Hann window
	const n = 512
	h, err := NewHannWindow(n, true)
	require.NoError(t, err)

	frames := 32
	hop := n / 4
	length := (frames-1)*hop + n
	sum := h.OverlapAddSum(hop, frames, length)

	// interior samples see the full overlap; edges ramp up and down
	for i := n; i < length-n; i++ {
		require.InDelta(t, 1.5, sum[i], 1e-12, "window sum at %d", i)
	}
}

func TestSpectrogramCompute(t *testing.T) {
	spec := NewComplexSpectrogram(1, 2, 3, 2)
	spec.Set(0, 0, 1, 0, complex(3, 4))
	spec.Set(0, 1, 1, 0, complex(0, 2))

	t.Run("magnitude", func(t *testing.T) {
		sp, err := NewSpectrogram(1, false)
		require.NoError(t, err)

		mag := sp.Compute(spec)
		require.Equal(t, 2, mag.Frames)
		require.Equal(t, 1, mag.Batch)
		require.Equal(t, 2, mag.Channels)
		require.Equal(t, 3, mag.Bins)

		require.InDelta(t, 5.0, mag.At(0, 0, 0, 1), 1e-12)
		require.InDelta(t, 2.0, mag.At(0, 0, 1, 1), 1e-12)
		require.InDelta(t, 0.0, mag.At(1, 0, 0, 1), 1e-12)
	})

	t.Run("power", func(t *testing.T) {
		sp, err := NewSpectrogram(2, false)
		require.NoError(t, err)

		mag := sp.Compute(spec)
		require.InDelta(t, 25.0, mag.At(0, 0, 0, 1), 1e-12)
	})

	t.Run("mono downmix keeps channel axis", func(t *testing.T) {
		sp, err := NewSpectrogram(1, true)
		require.NoError(t, err)

		mag := sp.Compute(spec)
		require.Equal(t, 1, mag.Channels)
		require.InDelta(t, (5.0+2.0)/2, mag.At(0, 0, 0, 1), 1e-12)
	})

	t.Run("rejects non-positive power", func(t *testing.T) {
		_, err := NewSpectrogram(0, false)
		require.Error(t, err)
	})
}

func TestSpectrogramOnSinusoid(t *testing.T) {
	cfg := TransformConfig{WindowSize: 256, HopSize: 64, Center: true}
	stft, err := NewSTFT(cfg)
	require.NoError(t, err)

	// a full-scale tone aligned to bin 16
	w := NewWaveform(1, 1, 2048)
	for i := range w.Data {
		w.Data[i] = math.Sin(2 * math.Pi * 16 * float64(i) / 256)
	}

	spec, err := stft.Forward(w)
	require.NoError(t, err)

	sp, err := NewSpectrogram(1, false)
	require.NoError(t, err)
	mag := sp.Compute(spec)

	// energy concentrates in the tone's bin for interior frames
	mid := mag.Frames / 2
	row := mag.BinSlice(mid, 0, 0)
	peak := 0
	for k, v := range row {
		if v > row[peak] {
			peak = k
		}
	}
	require.Equal(t, 16, peak)
}
