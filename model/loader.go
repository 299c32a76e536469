package model

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/sonido-unmix/logging"
)

// ErrModelNotFound indicates the requested target has no weights, either at
// a local path or under a registry name
var ErrModelNotFound = errors.New("model not found")

// Provider supplies a fully constructed, frozen estimator per target name
type Provider interface {
	Load(target string) (*Estimator, error)
}

// modelDocument is the JSON metadata written next to each weights file
type modelDocument struct {
	SampleRate int             `json:"sample_rate"`
	Args       Hyperparameters `json:"args"`
}

func (d modelDocument) hyperparameters() Hyperparameters {
	hp := d.Args
	if d.SampleRate > 0 {
		hp.SampleRate = d.SampleRate
	}
	if hp.MaxBin == 0 && hp.Bandwidth > 0 {
		hp.MaxBin = BandwidthToMaxBin(hp.SampleRate, hp.NFFT, hp.Bandwidth)
	}
	return hp
}

// BandwidthToMaxBin converts a modeled bandwidth in Hz to the number of
// leading frequency bins covering it
func BandwidthToMaxBin(sampleRate, nfft int, bandwidth float64) int {
	bins := nfft/2 + 1
	maxBin := 0
	for k := 0; k < (bins); k++ {
		if float64(k)*float64(sampleRate)/float64(nfft) <= bandwidth {
			maxBin = k + 1
		}
	}
	return maxBin
}

// LocalProvider loads targets from a directory holding, per target,
// <target>.json metadata and a <target>*.umx weights file
type LocalProvider struct {
	dir    string
	logger logging.Logger
}

// NewLocalProvider creates a provider rooted at the given directory
func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{
		dir: dir,
		logger: logging.WithFields(logging.Fields{
			"component": "local_provider",
			"dir":       dir,
		}),
	}
}

// Load reads, assembles and freezes the named target model
func (p *LocalProvider) Load(target string) (*Estimator, error) {
	metaPath := filepath.Join(p.dir, target+".json")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no metadata for target %q at local path %q: %w",
				target, metaPath, ErrModelNotFound)
		}
		return nil, fmt.Errorf("reading %q: %w", metaPath, err)
	}

	var doc modelDocument
	if err := json.Unmarshal(metaBytes, &doc); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", metaPath, err)
	}

	matches, err := filepath.Glob(filepath.Join(p.dir, target+"*.umx"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no weights for target %q at local path %q: %w",
			target, p.dir, ErrModelNotFound)
	}
	sort.Strings(matches)

	f, err := os.Open(matches[0])
	if err != nil {
		return nil, fmt.Errorf("opening weights %q: %w", matches[0], err)
	}
	defer f.Close()

	tensors, err := ReadWeights(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding weights %q: %w", matches[0], err)
	}

	p.logger.Debug("loaded local model", logging.Fields{
		"target":  target,
		"weights": matches[0],
		"tensors": len(tensors),
	})

	return buildEstimator(doc.hyperparameters(), tensors)
}

// Tensor is a named weights array with its dimensions
type Tensor struct {
	Dims   []int
	Values []float64
}

func (t Tensor) size() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// weights file format: "UMXW" magic, uint16 version, uint32 tensor count,
// then per tensor uint16 name length, name bytes, uint8 rank, uint32 dims
// and float64 values, all little-endian
var weightsMagic = [4]byte{'U', 'M', 'X', 'W'}

const weightsVersion uint16 = 1

// ReadWeights decodes a weights stream into named tensors
func ReadWeights(r io.Reader) (map[string]Tensor, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if magic != weightsMagic {
		return nil, fmt.Errorf("bad weights magic %q", magic)
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != weightsVersion {
		return nil, fmt.Errorf("unsupported weights version %d", version)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}

	tensors := make(map[string]Tensor, count)
	for rangeN := uint32(0); rangeN < count; rangeN++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}

		var rank uint8
		if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
			return nil, err
		}
		dims := make([]int, rank)
		size := 1
		for i := range dims {
			var d uint32
			if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
				return nil, err
			}
			dims[i] = int(d)
			size *= int(d)
		}

		values := make([]float64, size)
		if err := binary.Read(r, binary.LittleEndian, values); err != nil {
			return nil, err
		}

		tensors[string(name)] = Tensor{Dims: dims, Values: values}
	}

	return tensors, nil
}

// WriteWeights encodes named tensors in the weights file format, sorted by
// name for determinism
func WriteWeights(w io.Writer, tensors map[string]Tensor) error {
	if _, err := w.Write(weightsMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, weightsVersion); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(tensors))); err != nil {
		return err
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := tensors[name]
		if t.size() != len(t.Values) {
			return fmt.Errorf("tensor %q has %d values, dimensions require %d",
				name, len(t.Values), t.size())
		}

		if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(name)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint8(len(t.Dims))); err != nil {
			return err
		}
		for _, d := range t.Dims {
			if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, t.Values); err != nil {
			return err
		}
	}

	return nil
}

// buildEstimator wires named tensors into a freshly constructed estimator
// and freezes it
func buildEstimator(hp Hyperparameters, tensors map[string]Tensor) (*Estimator, error) {
	e, err := NewEstimator(hp)
	if err != nil {
		return nil, err
	}

	if err := setVector(e.InputMean, tensors, "input_mean"); err != nil {
		return nil, err
	}
	if err := setVector(e.InputScale, tensors, "input_scale"); err != nil {
		return nil, err
	}
	if err := setLinear(e.FC1, tensors, "fc1.weight"); err != nil {
		return nil, err
	}
	if err := setBatchNorm(e.BN1, tensors, "bn1"); err != nil {
		return nil, err
	}
	if err := setLSTM(e.RNN, tensors); err != nil {
		return nil, err
	}
	if err := setLinear(e.FC2, tensors, "fc2.weight"); err != nil {
		return nil, err
	}
	if err := setBatchNorm(e.BN2, tensors, "bn2"); err != nil {
		return nil, err
	}
	if err := setLinear(e.FC3, tensors, "fc3.weight"); err != nil {
		return nil, err
	}
	if err := setBatchNorm(e.BN3, tensors, "bn3"); err != nil {
		return nil, err
	}
	if err := setVector(e.OutputScale, tensors, "output_scale"); err != nil {
		return nil, err
	}
	if err := setVector(e.OutputMean, tensors, "output_mean"); err != nil {
		return nil, err
	}

	e.Freeze()
	return e, nil
}

func setVector(dst []float64, tensors map[string]Tensor, name string) error {
	t, ok := tensors[name]
	if !ok {
		return fmt.Errorf("tensor %q missing from weights", name)
	}
	if len(t.Values) != len(dst) {
		return fmt.Errorf("tensor %q has %d values, expected %d", name, len(t.Values), len(dst))
	}
	copy(dst, t.Values)
	return nil
}

func setLinear(l *Linear, tensors map[string]Tensor, name string) error {
	return setDense(l.Weight, tensors, name)
}

func setBatchNorm(bn *BatchNorm, tensors map[string]Tensor, prefix string) error {
	if err := setVector(bn.Gamma, tensors, prefix+".weight"); err != nil {
		return err
	}
	if err := setVector(bn.Beta, tensors, prefix+".bias"); err != nil {
		return err
	}
	if err := setVector(bn.Mean, tensors, prefix+".running_mean"); err != nil {
		return err
	}
	return setVector(bn.Variance, tensors, prefix+".running_var")
}

func setLSTM(l *LSTM, tensors map[string]Tensor) error {
	for i, layer := range l.Layers {
		if err := setLSTMDirection(layer.Forward, tensors, fmt.Sprintf("lstm.l%d.fwd", i)); err != nil {
			return err
		}
		if layer.Backward != nil {
			if err := setLSTMDirection(layer.Backward, tensors, fmt.Sprintf("lstm.l%d.bwd", i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func setLSTMDirection(d *LSTMDirection, tensors map[string]Tensor, prefix string) error {
	if err := setDense(d.WeightIH, tensors, prefix+".weight_ih"); err != nil {
		return err
	}
	if err := setDense(d.WeightHH, tensors, prefix+".weight_hh"); err != nil {
		return err
	}
	if err := setVector(d.BiasIH, tensors, prefix+".bias_ih"); err != nil {
		return err
	}
	return setVector(d.BiasHH, tensors, prefix+".bias_hh")
}

func setDense(m *mat.Dense, tensors map[string]Tensor, name string) error {
	t, ok := tensors[name]
	if !ok {
		return fmt.Errorf("tensor %q missing from weights", name)
	}
	rows, cols := m.Dims()
	if len(t.Dims) != 2 || t.Dims[0] != rows || t.Dims[1] != cols {
		return fmt.Errorf("tensor %q has dims %v, expected [%d %d]", name, t.Dims, rows, cols)
	}
	copy(m.RawMatrix().Data, t.Values)
	return nil
}
