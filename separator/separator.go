// Package separator orchestrates per-target magnitude estimation, batched
// multichannel Wiener-EM refinement and inverse-transform reconstruction
// into a single separation call.
package separator

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/RyanBlaney/sonido-unmix/filtering"
	"github.com/RyanBlaney/sonido-unmix/logging"
	"github.com/RyanBlaney/sonido-unmix/spectral"
)

// ErrConfiguration indicates a separator setup that cannot produce
// meaningful results
var ErrConfiguration = errors.New("separator configuration error")

// TargetModel is one named source's magnitude estimator. model.Estimator
// implements it; tests may substitute stubs.
type TargetModel interface {
	// Estimate predicts the target's full-band magnitude spectrogram from
	// the mixture waveform
	Estimate(audio *spectral.Waveform) (*spectral.MagnitudeSpectrogram, error)

	// SampleRate returns the sample rate the model operates at
	SampleRate() int

	// Transform returns the model's short-time transform configuration
	Transform() spectral.TransformConfig

	// Freeze marks the model's parameters immutable
	Freeze()
}

// Target binds a source name to its model. Registration order defines the
// source axis ordering consumed by the refinement stage.
type Target struct {
	Name  string
	Model TargetModel
}

// Separator combines one estimator per target with the shared transform and
// the EM refinement stage. It holds no mutable state across calls; every
// Separate invocation is independent.
type Separator struct {
	targets    []Target
	cfg        Config
	transform  spectral.TransformConfig
	sampleRate int
	stft       *spectral.STFT
	logger     logging.Logger
}

// New validates that all targets share one transform configuration and
// sample rate, and builds the separator around it
func New(targets []Target, cfg Config) (*Separator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one target is required", ErrConfiguration)
	}

	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: target names must be non-empty", ErrConfiguration)
		}
		if t.Model == nil {
			return nil, fmt.Errorf("%w: target %q has no model", ErrConfiguration, t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: duplicate target name %q", ErrConfiguration, t.Name)
		}
		seen[t.Name] = true
	}
	if cfg.Residual != "" && seen[cfg.Residual] {
		return nil, fmt.Errorf("%w: residual name %q collides with a target", ErrConfiguration, cfg.Residual)
	}

	shared := targets[0].Model.Transform()
	sampleRate := targets[0].Model.SampleRate()
	for _, t := range targets[1:] {
		if t.Model.Transform() != shared {
			return nil, fmt.Errorf("%w: target %q transform %+v differs from %+v",
				ErrConfiguration, t.Name, t.Model.Transform(), shared)
		}
		if t.Model.SampleRate() != sampleRate {
			return nil, fmt.Errorf("%w: target %q sample rate %d differs from %d",
				ErrConfiguration, t.Name, t.Model.SampleRate(), sampleRate)
		}
	}

	stft, err := spectral.NewSTFT(shared)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return &Separator{
		targets:    targets,
		cfg:        cfg,
		transform:  shared,
		sampleRate: sampleRate,
		stft:       stft,
		logger: logging.WithFields(logging.Fields{
			"component": "separator",
		}),
	}, nil
}

// SampleRate returns the sample rate shared by all targets
func (s *Separator) SampleRate() int {
	return s.sampleRate
}

// SourceNames returns the output source names in axis order, including the
// residual when configured
func (s *Separator) SourceNames() []string {
	names := make([]string, 0, len(s.targets)+1)
	for _, t := range s.targets {
		names = append(names, t.Name)
	}
	if s.cfg.Residual != "" {
		names = append(names, s.cfg.Residual)
	}
	return names
}

// Freeze marks every target model's parameters immutable
func (s *Separator) Freeze() {
	for _, t := range s.targets {
		t.Model.Freeze()
	}
}

// Separate runs the full pipeline on a mixture waveform and returns one
// waveform per source name, each with the mixture's exact shape and sample
// count. The call either returns all requested sources or fails entirely.
func (s *Separator) Separate(audio *spectral.Waveform) (map[string]*spectral.Waveform, error) {
	if err := audio.Validate(); err != nil {
		return nil, err
	}

	nbSources := len(s.targets)
	residual := s.cfg.Residual != ""
	nbOutputs := nbSources
	if residual {
		nbOutputs++
	}

	// refinement with a single effective source has no discriminative
	// signal; fail fast rather than run degenerate math
	if nbOutputs == 1 && s.cfg.Iterations > 0 {
		return nil, fmt.Errorf("%w: EM refinement needs at least two sources; "+
			"add a second target, configure a residual, or set iterations to 0", ErrConfiguration)
	}

	s.logger.Info("separating mixture", logging.Fields{
		"batch":      audio.Batch,
		"channels":   audio.Channels,
		"samples":    audio.Samples,
		"targets":    nbSources,
		"residual":   residual,
		"iterations": s.cfg.Iterations,
	})

	stack, err := s.estimateAll(audio)
	if err != nil {
		return nil, err
	}

	mixture, err := s.stft.Forward(audio)
	if err != nil {
		return nil, err
	}
	if mixture.Frames != stack.frames {
		return nil, fmt.Errorf("%w: estimates carry %d frames, mixture carries %d",
			filtering.ErrShapeMismatch, stack.frames, mixture.Frames)
	}
	if mixture.Bins != stack.bins {
		return nil, fmt.Errorf("%w: estimates carry %d bins, mixture carries %d",
			filtering.ErrShapeMismatch, stack.bins, mixture.Bins)
	}

	// (batch, frame, bin, channel) mixture layout for the refinement stage
	mix := make([]complex128, audio.Batch*mixture.Frames*mixture.Bins*mixture.Channels)
	for b := 0; b < (audio.Batch); b++ {
		for c := 0; c < (mixture.Channels); c++ {
			for f := 0; f < (mixture.Bins); f++ {
				row := mixture.BinRow(b, c, f)
				for t, v := range row {
					mix[((b*mixture.Frames+t)*mixture.Bins+f)*mixture.Channels+c] = v
				}
			}
		}
	}

	refined, err := s.refine(stack, mix, mixture.Frames, mixture.Bins, mixture.Channels, audio.Batch, nbOutputs, residual)
	if err != nil {
		return nil, err
	}

	return s.reconstruct(refined, audio, mixture.Frames, mixture.Bins, mixture.Channels, nbOutputs)
}

// magnitudeStack is the per-target magnitude tensor in the
// (batch, frame, bin, channel, source) layout the refinement consumes
type magnitudeStack struct {
	data     []float64
	frames   int
	bins     int
	channels int
	sources  int
}

// estimateAll runs every registered target on the full mixture and stacks
// the outputs along a trailing source axis, allocated lazily once the first
// target's output shape is known
func (s *Separator) estimateAll(audio *spectral.Waveform) (*magnitudeStack, error) {
	var stack *magnitudeStack
	var first *spectral.MagnitudeSpectrogram

	for j, target := range s.targets {
		estimate, err := target.Model.Estimate(audio)
		if err != nil {
			return nil, fmt.Errorf("estimating target %q: %w", target.Name, err)
		}

		if stack == nil {
			first = estimate
			stack = &magnitudeStack{
				data: make([]float64,
					estimate.Batch*estimate.Frames*estimate.Bins*estimate.Channels*len(s.targets)),
				frames:   estimate.Frames,
				bins:     estimate.Bins,
				channels: estimate.Channels,
				sources:  len(s.targets),
			}
		} else if !estimate.SameShape(first) {
			return nil, fmt.Errorf("%w: target %q output (%d, %d, %d, %d) differs from (%d, %d, %d, %d)",
				filtering.ErrShapeMismatch, target.Name,
				estimate.Frames, estimate.Batch, estimate.Channels, estimate.Bins,
				first.Frames, first.Batch, first.Channels, first.Bins)
		}

		// permute (frame, batch, channel, bin) -> (batch, frame, bin, channel, source)
		for t := 0; t < (estimate.Frames); t++ {
			for b := 0; b < (estimate.Batch); b++ {
				for c := 0; c < (estimate.Channels); c++ {
					row := estimate.BinSlice(t, b, c)
					base := ((b*estimate.Frames+t)*estimate.Bins)*estimate.Channels + c
					for k, v := range row {
						stack.data[(base+k*estimate.Channels)*stack.sources+j] = v
					}
				}
			}
		}

		s.logger.Debug("estimated target", logging.Fields{
			"target": target.Name,
			"frames": estimate.Frames,
		})
	}

	return stack, nil
}

// workerLimit bounds concurrent refinement windows; each window holds its
// own covariance scratch, so this is a memory bound as much as a CPU one
func workerLimit() int {
	return runtime.NumCPU()
}

// refineJob is one independent frame window of one batch item
type refineJob struct {
	batch      int
	start, end int
}

// refine sweeps contiguous frame windows of at most BatchSize frames through
// the Wiener-EM stage. Windows exist purely to bound peak memory; they are
// processed independently and written into disjoint ranges of the output.
func (s *Separator) refine(stack *magnitudeStack, mix []complex128, frames, bins, channels, batch, nbOutputs int, residual bool) ([]complex128, error) {
	refined := make([]complex128, batch*frames*bins*channels*nbOutputs)

	windowSize := s.cfg.BatchSize
	if windowSize <= 0 || windowSize > frames {
		windowSize = frames
	}

	var jobs []refineJob
	for b := 0; b < (batch); b++ {
		for pos := 0; pos < frames; pos += windowSize {
			jobs = append(jobs, refineJob{batch: b, start: pos, end: min(frames, pos+windowSize)})
		}
	}

	numWorkers := max(1, min(len(jobs), workerLimit()))
	jobCh := make(chan refineJob, len(jobs))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	vStride := bins * stack.channels * stack.sources
	xStride := bins * channels
	yStride := bins * channels * nbOutputs

	for rangeN := 0; rangeN < (numWorkers); rangeN++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				n := job.end - job.start

				vOff := (job.batch*frames + job.start) * vStride
				v := &filtering.SourceMagnitudes{
					Data:     stack.data[vOff : vOff+n*vStride],
					Frames:   n,
					Bins:     bins,
					Channels: stack.channels,
					Sources:  stack.sources,
				}

				xOff := (job.batch*frames + job.start) * xStride
				x := &filtering.MixtureSpectrogram{
					Data:     mix[xOff : xOff+n*xStride],
					Frames:   n,
					Bins:     bins,
					Channels: channels,
				}

				y, err := filtering.Wiener(v, x, s.cfg.Iterations, s.cfg.Softmask, residual)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("refining frames [%d, %d) of batch item %d: %w",
							job.start, job.end, job.batch, err)
					}
					mu.Unlock()
					continue
				}

				yOff := (job.batch*frames + job.start) * yStride
				copy(refined[yOff:yOff+n*yStride], y.Data)
			}
		}()
	}

	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return refined, nil
}

// reconstruct inverts each refined source spectrogram back to a waveform
// with the mixture's exact sample count
func (s *Separator) reconstruct(refined []complex128, audio *spectral.Waveform, frames, bins, channels, nbOutputs int) (map[string]*spectral.Waveform, error) {
	estimates := make(map[string]*spectral.Waveform, nbOutputs)

	for j, name := range s.SourceNames() {
		spec := spectral.NewComplexSpectrogram(audio.Batch, channels, bins, frames)
		for b := 0; b < (audio.Batch); b++ {
			for t := 0; t < (frames); t++ {
				base := ((b*frames + t) * bins)
				for f := 0; f < (bins); f++ {
					for c := 0; c < (channels); c++ {
						spec.Set(b, c, f, t, refined[((base+f)*channels+c)*nbOutputs+j])
					}
				}
			}
		}

		waveform, err := s.stft.Inverse(spec, audio.Samples)
		if err != nil {
			return nil, fmt.Errorf("reconstructing source %q: %w", name, err)
		}
		estimates[name] = waveform
	}

	return estimates, nil
}
