package model

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-unmix/logging"
	"github.com/RyanBlaney/sonido-unmix/spectral"
)

// Hyperparameters describes one target model's architecture and transform.
// The JSON field names follow the checkpoint metadata written at training
// time.
type Hyperparameters struct {
	NFFT               int     `json:"nfft"`
	NHop               int     `json:"nhop"`
	Channels           int     `json:"nb_channels"`
	HiddenSize         int     `json:"hidden_size"`
	Layers             int     `json:"nb_layers"`
	Unidirectional     bool    `json:"unidirectional"`
	Power              float64 `json:"power"`
	Bandwidth          float64 `json:"bandwidth,omitempty"`
	SampleRate         int     `json:"sample_rate"`
	MaxBin             int     `json:"max_bin,omitempty"`
	InputIsSpectrogram bool    `json:"input_is_spectrogram,omitempty"`
}

// DefaultHyperparameters returns the architecture the published stereo
// models use
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		NFFT:       4096,
		NHop:       1024,
		Channels:   2,
		HiddenSize: 512,
		Layers:     3,
		Power:      1,
		SampleRate: 44100,
	}
}

// Validate checks architecture consistency
func (hp Hyperparameters) Validate() error {
	cfg := hp.Transform()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if hp.Channels <= 0 {
		return fmt.Errorf("channel count must be positive: %d", hp.Channels)
	}
	if hp.HiddenSize <= 0 {
		return fmt.Errorf("hidden size must be positive: %d", hp.HiddenSize)
	}
	if hp.Layers <= 0 {
		return fmt.Errorf("layer count must be positive: %d", hp.Layers)
	}
	if hp.Power <= 0 {
		return fmt.Errorf("spectrogram power must be positive: %g", hp.Power)
	}
	if hp.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive: %d", hp.SampleRate)
	}
	if hp.MaxBin < 0 || hp.MaxBin > cfg.Bins() {
		return fmt.Errorf("max bin %d outside [0, %d]", hp.MaxBin, cfg.Bins())
	}
	if !hp.Unidirectional && hp.HiddenSize%2 != 0 {
		return fmt.Errorf("bidirectional model needs an even hidden size: %d", hp.HiddenSize)
	}
	return nil
}

// Transform returns the short-time transform configuration implied by the
// hyperparameters
func (hp Hyperparameters) Transform() spectral.TransformConfig {
	return spectral.TransformConfig{
		WindowSize: hp.NFFT,
		HopSize:    hp.NHop,
		Center:     true,
	}
}

// Estimator maps a stereo (or mono) mixture to a non-negative magnitude
// spectrogram of one source. The network predicts a non-negative per-bin
// gain which multiplies the full-band mixture magnitude, so the estimate can
// never invent energy the mixture does not carry in that bin.
type Estimator struct {
	hp         Hyperparameters
	bins       int // cropped input sub-band
	outputBins int // full one-sided band

	stft *spectral.STFT
	spec *spectral.Spectrogram

	// InputMean is the additive normalization term (the negated per-bin
	// dataset mean); InputScale the multiplicative one (the reciprocal
	// per-bin dataset scale).
	InputMean  []float64
	InputScale []float64

	FC1 *Linear
	BN1 *BatchNorm
	RNN *LSTM
	FC2 *Linear
	BN2 *BatchNorm
	FC3 *Linear
	BN3 *BatchNorm

	OutputScale []float64
	OutputMean  []float64

	frozen bool
	logger logging.Logger
}

// NewEstimator builds an estimator with identity-flavored parameters; real
// weights come from a Provider
func NewEstimator(hp Hyperparameters) (*Estimator, error) {
	if err := hp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hyperparameters: %w", err)
	}

	cfg := hp.Transform()
	outputBins := cfg.Bins()
	bins := outputBins
	if hp.MaxBin > 0 {
		bins = hp.MaxBin
	}

	stft, err := spectral.NewSTFT(cfg)
	if err != nil {
		return nil, err
	}
	spec, err := spectral.NewSpectrogram(hp.Power, hp.Channels == 1)
	if err != nil {
		return nil, err
	}

	rnn, err := NewLSTM(hp.HiddenSize, hp.HiddenSize, hp.Layers, !hp.Unidirectional)
	if err != nil {
		return nil, err
	}

	e := &Estimator{
		hp:          hp,
		bins:        bins,
		outputBins:  outputBins,
		stft:        stft,
		spec:        spec,
		InputMean:   make([]float64, bins),
		InputScale:  make([]float64, bins),
		FC1:         NewLinear(hp.Channels*bins, hp.HiddenSize),
		BN1:         NewBatchNorm(hp.HiddenSize),
		RNN:         rnn,
		FC2:         NewLinear(2*hp.HiddenSize, hp.HiddenSize),
		BN2:         NewBatchNorm(hp.HiddenSize),
		FC3:         NewLinear(hp.HiddenSize, hp.Channels*outputBins),
		BN3:         NewBatchNorm(hp.Channels * outputBins),
		OutputScale: make([]float64, outputBins),
		OutputMean:  make([]float64, outputBins),
		logger: logging.WithFields(logging.Fields{
			"component": "estimator",
		}),
	}

	for i := 0; i < (bins); i++ {
		e.InputScale[i] = 1
	}
	for i := 0; i < (outputBins); i++ {
		e.OutputScale[i] = 1
		e.OutputMean[i] = 1
	}

	return e, nil
}

// Hyperparameters returns the architecture description
func (e *Estimator) Hyperparameters() Hyperparameters {
	return e.hp
}

// SampleRate returns the sample rate the model was trained at
func (e *Estimator) SampleRate() int {
	return e.hp.SampleRate
}

// Transform returns the shared short-time transform configuration
func (e *Estimator) Transform() spectral.TransformConfig {
	return e.stft.Config()
}

// Bins returns the cropped input sub-band width
func (e *Estimator) Bins() int {
	return e.bins
}

// OutputBins returns the full one-sided band width
func (e *Estimator) OutputBins() int {
	return e.outputBins
}

// Freeze marks all learned parameters as immutable for inference-only
// deployment. This is a metadata flag with no numeric effect.
func (e *Estimator) Freeze() {
	e.frozen = true
}

// Frozen reports whether the estimator was frozen
func (e *Estimator) Frozen() bool {
	return e.frozen
}

// Estimate transforms a mixture waveform and predicts the source magnitude.
// Models constructed for pre-computed spectrogram input reject waveforms.
func (e *Estimator) Estimate(audio *spectral.Waveform) (*spectral.MagnitudeSpectrogram, error) {
	if e.hp.InputIsSpectrogram {
		return nil, fmt.Errorf("model expects spectrogram input, use EstimateSpectrogram")
	}

	stft, err := e.stft.Forward(audio)
	if err != nil {
		return nil, err
	}
	return e.EstimateSpectrogram(e.spec.Compute(stft))
}

// EstimateSpectrogram predicts the source magnitude from a pre-computed
// mixture magnitude spectrogram in frame-major layout
func (e *Estimator) EstimateSpectrogram(x *spectral.MagnitudeSpectrogram) (*spectral.MagnitudeSpectrogram, error) {
	netChannels := e.hp.Channels
	if x.Channels != netChannels {
		return nil, fmt.Errorf("model expects %d channels, spectrogram has %d", netChannels, x.Channels)
	}
	if x.Bins != e.outputBins {
		return nil, fmt.Errorf("model expects %d bins, spectrogram has %d", e.outputBins, x.Bins)
	}

	frames, batch := x.Frames, x.Batch
	rows := frames * batch
	hidden := e.hp.HiddenSize

	// retain the unmodified full-band mixture for the final masking step
	mix := x

	// crop to the sub-band, normalize, flatten (channel, bin) per row
	flat := mat.NewDense(rows, netChannels*e.bins, nil)
	for t := 0; t < (frames); t++ {
		for b := 0; b < (batch); b++ {
			row := flat.RawRowView(t*batch + b)
			for c := 0; c < (netChannels); c++ {
				dst := row[c*e.bins : (c+1)*e.bins]
				copy(dst, x.BinSlice(t, b, c)[:e.bins])
				floats.Add(dst, e.InputMean)
				floats.Mul(dst, e.InputScale)
			}
		}
	}

	h := e.FC1.Forward(flat)
	if err := e.BN1.Forward(h); err != nil {
		return nil, err
	}
	tanhInPlace(h)

	// rows are frame-major, so each frame's batch block is contiguous
	seq := make([]*mat.Dense, frames)
	for t := 0; t < (frames); t++ {
		seq[t] = h.Slice(t*batch, (t+1)*batch, 0, hidden).(*mat.Dense)
	}

	rnnOut := e.RNN.Forward(seq)

	// skip connection: concatenate pre-recurrent features with LSTM output
	skip := mat.NewDense(rows, 2*hidden, nil)
	for t := 0; t < (frames); t++ {
		for b := 0; b < (batch); b++ {
			row := skip.RawRowView(t*batch + b)
			copy(row[:hidden], h.RawRowView(t*batch+b))
			copy(row[hidden:], rnnOut[t].RawRowView(b))
		}
	}

	d := e.FC2.Forward(skip)
	if err := e.BN2.Forward(d); err != nil {
		return nil, err
	}
	reluInPlace(d)

	d = e.FC3.Forward(d)
	if err := e.BN3.Forward(d); err != nil {
		return nil, err
	}

	// reshape to (frame, batch, channel, bin), apply the output affine,
	// rectify and gate the mixture
	out := spectral.NewMagnitudeSpectrogram(frames, batch, netChannels, e.outputBins)
	for t := 0; t < (frames); t++ {
		for b := 0; b < (batch); b++ {
			row := d.RawRowView(t*batch + b)
			for c := 0; c < (netChannels); c++ {
				mixRow := mix.BinSlice(t, b, c)
				outRow := out.BinSlice(t, b, c)
				gains := row[c*e.outputBins : (c+1)*e.outputBins]
				for k := range outRow {
					g := gains[k]*e.OutputScale[k] + e.OutputMean[k]
					if g < 0 {
						g = 0
					}
					outRow[k] = g * mixRow[k]
				}
			}
		}
	}

	return out, nil
}
