package separator_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/sonido-unmix/filtering"
	"github.com/RyanBlaney/sonido-unmix/separator"
	"github.com/RyanBlaney/sonido-unmix/spectral"
)

// stubModel masks the mixture magnitude with a fixed per-bin gain. It shares
// the real transform pipeline so its output shapes match a genuine estimator.
type stubModel struct {
	cfg        spectral.TransformConfig
	sampleRate int
	gain       func(bin int) float64
	err        error
	truncate   int // when positive, return this many bins to break the shape
	frozen     bool
}

func (m *stubModel) Estimate(audio *spectral.Waveform) (*spectral.MagnitudeSpectrogram, error) {
	if m.err != nil {
		return nil, m.err
	}

	stft, err := spectral.NewSTFT(m.cfg)
	if err != nil {
		return nil, err
	}
	spec, err := stft.Forward(audio)
	if err != nil {
		return nil, err
	}
	sp, err := spectral.NewSpectrogram(1, false)
	if err != nil {
		return nil, err
	}
	mag := sp.Compute(spec)

	for t := 0; t < (mag.Frames); t++ {
		for b := 0; b < (mag.Batch); b++ {
			for c := 0; c < (mag.Channels); c++ {
				row := mag.BinSlice(t, b, c)
				for k := range row {
					row[k] *= m.gain(k)
				}
			}
		}
	}

	if m.truncate > 0 {
		cut := spectral.NewMagnitudeSpectrogram(mag.Frames, mag.Batch, mag.Channels, m.truncate)
		for t := 0; t < (mag.Frames); t++ {
			for b := 0; b < (mag.Batch); b++ {
				for c := 0; c < (mag.Channels); c++ {
					copy(cut.BinSlice(t, b, c), mag.BinSlice(t, b, c)[:m.truncate])
				}
			}
		}
		return cut, nil
	}
	return mag, nil
}

func (m *stubModel) SampleRate() int                     { return m.sampleRate }
func (m *stubModel) Transform() spectral.TransformConfig { return m.cfg }
func (m *stubModel) Freeze()                             { m.frozen = true }

func testTransform() spectral.TransformConfig {
	return spectral.TransformConfig{WindowSize: 512, HopSize: 128, Center: true}
}

func bandStub(lo, hi int) *stubModel {
	return &stubModel{
		cfg:        testTransform(),
		sampleRate: 8000,
		gain: func(bin int) float64 {
			if bin >= lo && bin < hi {
				return 1
			}
			return 0
		},
	}
}

func passStub() *stubModel {
	return &stubModel{
		cfg:        testTransform(),
		sampleRate: 8000,
		gain:       func(int) float64 { return 1 },
	}
}

// toneMixture builds a stereo two-tone mixture; the right channel carries the
// same signal at half amplitude
func toneMixture(samples int, lowHz, highHz float64) (*spectral.Waveform, []float64, []float64) {
	low := make([]float64, samples)
	high := make([]float64, samples)
	for i := 0; i < (samples); i++ {
		ts := float64(i) / 8000
		low[i] = 0.6 * math.Sin(2*math.Pi*lowHz*ts)
		high[i] = 0.4 * math.Sin(2*math.Pi*highHz*ts)
	}

	w := spectral.NewWaveform(1, 2, samples)
	for i := 0; i < (samples); i++ {
		w.Set(0, 0, i, low[i]+high[i])
		w.Set(0, 1, i, 0.5*(low[i]+high[i]))
	}
	return w, low, high
}

func signalToDistortion(ref, est []float64) float64 {
	var signal, distortion float64
	for i := range ref {
		d := est[i] - ref[i]
		signal += ref[i] * ref[i]
		distortion += d * d
	}
	return 10 * math.Log10(signal/(distortion+1e-12))
}

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name    string
		targets []separator.Target
		cfg     separator.Config
	}{
		{
			name: "no targets",
			cfg:  separator.DefaultConfig(),
		},
		{
			name:    "empty target name",
			targets: []separator.Target{{Name: "", Model: passStub()}},
			cfg:     separator.DefaultConfig(),
		},
		{
			name:    "nil model",
			targets: []separator.Target{{Name: "vocals"}},
			cfg:     separator.DefaultConfig(),
		},
		{
			name: "duplicate names",
			targets: []separator.Target{
				{Name: "vocals", Model: passStub()},
				{Name: "vocals", Model: passStub()},
			},
			cfg: separator.DefaultConfig(),
		},
		{
			name:    "residual collides with target",
			targets: []separator.Target{{Name: "vocals", Model: passStub()}},
			cfg:     separator.Config{Iterations: 1, Residual: "vocals"},
		},
		{
			name:    "negative iterations",
			targets: []separator.Target{{Name: "vocals", Model: passStub()}},
			cfg:     separator.Config{Iterations: -1},
		},
		{
			name: "mismatched transform",
			targets: []separator.Target{
				{Name: "vocals", Model: passStub()},
				{Name: "drums", Model: &stubModel{
					cfg:        spectral.TransformConfig{WindowSize: 1024, HopSize: 256, Center: true},
					sampleRate: 8000,
					gain:       func(int) float64 { return 1 },
				}},
			},
			cfg: separator.DefaultConfig(),
		},
		{
			name: "mismatched sample rate",
			targets: []separator.Target{
				{Name: "vocals", Model: passStub()},
				{Name: "drums", Model: &stubModel{
					cfg:        testTransform(),
					sampleRate: 44100,
					gain:       func(int) float64 { return 1 },
				}},
			},
			cfg: separator.DefaultConfig(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := separator.New(tc.targets, tc.cfg)
			require.ErrorIs(t, err, separator.ErrConfiguration)
		})
	}
}

func TestSourceNamesOrder(t *testing.T) {
	targets := []separator.Target{
		{Name: "vocals", Model: bandStub(0, 100)},
		{Name: "drums", Model: bandStub(100, 200)},
	}

	t.Run("without residual", func(t *testing.T) {
		s, err := separator.New(targets, separator.DefaultConfig())
		require.NoError(t, err)
		require.Equal(t, []string{"vocals", "drums"}, s.SourceNames())
	})

	t.Run("residual appended last", func(t *testing.T) {
		s, err := separator.New(targets, separator.Config{Iterations: 1, Residual: "other"})
		require.NoError(t, err)
		require.Equal(t, []string{"vocals", "drums", "other"}, s.SourceNames())
	})
}

func TestFreezePropagates(t *testing.T) {
	a, b := bandStub(0, 100), bandStub(100, 257)
	s, err := separator.New([]separator.Target{
		{Name: "vocals", Model: a},
		{Name: "other", Model: b},
	}, separator.DefaultConfig())
	require.NoError(t, err)

	s.Freeze()
	require.True(t, a.frozen)
	require.True(t, b.frozen)
}

func TestSeparateSingleTargetNeedsMasking(t *testing.T) {
	s, err := separator.New([]separator.Target{
		{Name: "vocals", Model: passStub()},
	}, separator.Config{Iterations: 1})
	require.NoError(t, err)

	w, _, _ := toneMixture(8000, 440, 3000)
	_, err = s.Separate(w)
	require.ErrorIs(t, err, separator.ErrConfiguration)
}

func TestSeparateSingleTargetPassthrough(t *testing.T) {
	// a full-band estimate with zero iterations carries the exact mixture
	// magnitude and phase, so the output reproduces the input
	s, err := separator.New([]separator.Target{
		{Name: "vocals", Model: passStub()},
	}, separator.Config{Iterations: 0})
	require.NoError(t, err)

	w, _, _ := toneMixture(8000, 440, 3000)
	out, err := s.Separate(w)
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := out["vocals"]
	require.Equal(t, w.Samples, got.Samples)
	for i := range w.Data {
		require.InDelta(t, w.Data[i], got.Data[i], 1e-9)
	}
}

func TestSeparateTwoTones(t *testing.T) {
	// 440 Hz lands well below, 3000 Hz well above the bin-100 split at an
	// 8 kHz rate with 512-point frames
	s, err := separator.New([]separator.Target{
		{Name: "low", Model: bandStub(0, 100)},
		{Name: "high", Model: bandStub(100, 257)},
	}, separator.Config{Iterations: 1})
	require.NoError(t, err)

	w, low, high := toneMixture(16000, 440, 3000)
	out, err := s.Separate(w)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// skip the edge frames where the analysis window ramps
	const margin = 1024
	interior := func(w *spectral.Waveform, c int) []float64 {
		return w.Row(0, c)[margin : w.Samples-margin]
	}

	require.Greater(t, signalToDistortion(low[margin:16000-margin], interior(out["low"], 0)), 15.0)
	require.Greater(t, signalToDistortion(high[margin:16000-margin], interior(out["high"], 0)), 15.0)

	// the right channel carries the same tones at half amplitude
	halved := make([]float64, 16000-2*margin)
	for i := range halved {
		halved[i] = 0.5 * low[margin+i]
	}
	require.Greater(t, signalToDistortion(halved, interior(out["low"], 1)), 15.0)
}

func TestSeparateWindowingDoesNotChangeResults(t *testing.T) {
	targets := func() []separator.Target {
		return []separator.Target{
			{Name: "low", Model: bandStub(0, 100)},
			{Name: "high", Model: bandStub(100, 257)},
		}
	}

	w, _, _ := toneMixture(16000, 440, 3000)

	full, err := separator.New(targets(), separator.Config{Iterations: 1})
	require.NoError(t, err)
	windowed, err := separator.New(targets(), separator.Config{Iterations: 1, BatchSize: 30})
	require.NoError(t, err)

	wantOut, err := full.Separate(w)
	require.NoError(t, err)
	gotOut, err := windowed.Separate(w)
	require.NoError(t, err)

	for name, want := range wantOut {
		got := gotOut[name]
		require.NotNil(t, got, "source %q missing", name)
		for i := range want.Data {
			require.InDelta(t, want.Data[i], got.Data[i], 1e-5,
				"source %q sample %d", name, i)
		}
	}
}

func TestSeparateResidualCompletesMixture(t *testing.T) {
	s, err := separator.New([]separator.Target{
		{Name: "low", Model: bandStub(0, 100)},
	}, separator.Config{Iterations: 0, Residual: "rest"})
	require.NoError(t, err)

	w, _, _ := toneMixture(8000, 440, 3000)
	out, err := s.Separate(w)
	require.NoError(t, err)
	require.Len(t, out, 2)

	// the residual absorbs whatever the targets leave, so the outputs sum
	// back to the mixture exactly
	for c := 0; c < (2); c++ {
		lowRow := out["low"].Row(0, c)
		restRow := out["rest"].Row(0, c)
		mixRow := w.Row(0, c)
		for i := range mixRow {
			require.InDelta(t, mixRow[i], lowRow[i]+restRow[i], 1e-9)
		}
	}
}

func TestSeparateBatchedMixtures(t *testing.T) {
	s, err := separator.New([]separator.Target{
		{Name: "low", Model: bandStub(0, 100)},
		{Name: "high", Model: bandStub(100, 257)},
	}, separator.Config{Iterations: 1})
	require.NoError(t, err)

	single, _, _ := toneMixture(8000, 440, 3000)

	// duplicate the mixture along the batch axis
	batched := spectral.NewWaveform(2, 2, 8000)
	for b := 0; b < (2); b++ {
		for c := 0; c < (2); c++ {
			copy(batched.Row(b, c), single.Row(0, c))
		}
	}

	out, err := s.Separate(batched)
	require.NoError(t, err)

	// identical batch items produce identical separations
	for _, name := range []string{"low", "high"} {
		got := out[name]
		require.Equal(t, 2, got.Batch)
		for c := 0; c < (2); c++ {
			first := got.Row(0, c)
			second := got.Row(1, c)
			for i := range first {
				require.InDelta(t, first[i], second[i], 1e-9)
			}
		}
	}
}

func TestSeparatePropagatesEstimateError(t *testing.T) {
	broken := passStub()
	broken.err = errors.New("weights corrupted")

	s, err := separator.New([]separator.Target{
		{Name: "low", Model: bandStub(0, 100)},
		{Name: "high", Model: broken},
	}, separator.Config{Iterations: 1})
	require.NoError(t, err)

	w, _, _ := toneMixture(8000, 440, 3000)
	_, err = s.Separate(w)
	require.ErrorContains(t, err, "weights corrupted")
	require.ErrorContains(t, err, "high")
}

func TestSeparateRejectsMismatchedEstimates(t *testing.T) {
	narrow := passStub()
	narrow.truncate = 100

	s, err := separator.New([]separator.Target{
		{Name: "low", Model: bandStub(0, 100)},
		{Name: "narrow", Model: narrow},
	}, separator.Config{Iterations: 1})
	require.NoError(t, err)

	w, _, _ := toneMixture(8000, 440, 3000)
	_, err = s.Separate(w)
	require.ErrorIs(t, err, filtering.ErrShapeMismatch)
}
