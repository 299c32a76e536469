package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LSTMDirection holds the gate weights for one direction of one layer.
// Gate columns are ordered input, forget, cell, output.
type LSTMDirection struct {
	WeightIH *mat.Dense // (input, 4*hidden)
	WeightHH *mat.Dense // (hidden, 4*hidden)
	BiasIH   []float64  // 4*hidden
	BiasHH   []float64  // 4*hidden
}

// LSTMLayer is one stacked layer; Backward is nil for a unidirectional model
type LSTMLayer struct {
	Forward  *LSTMDirection
	Backward *LSTMDirection
}

// LSTM is a multi-layer recurrent network over frame-major sequences. It is
// the only temporally-sequential stage of the estimator; every other stage
// is framewise-independent.
type LSTM struct {
	Layers     []*LSTMLayer
	InputSize  int
	HiddenSize int // per direction
	// Dropout applies between layers during training only; inference, the
	// only mode implemented here, treats it as a no-op.
	Dropout float64
}

// NewLSTM creates a zero-initialized recurrent stack. With bidirectional
// layers the per-direction hidden size is halved so the concatenated output
// width equals the input width.
func NewLSTM(inputSize, hiddenSize, layers int, bidirectional bool) (*LSTM, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("lstm needs at least one layer: %d", layers)
	}
	if bidirectional && hiddenSize%2 != 0 {
		return nil, fmt.Errorf("bidirectional lstm needs an even hidden size: %d", hiddenSize)
	}

	perDirection := hiddenSize
	if bidirectional {
		perDirection = hiddenSize / 2
	}

	dropout := 0.0
	if layers > 1 {
		dropout = 0.4
	}

	l := &LSTM{
		Layers:     make([]*LSTMLayer, layers),
		InputSize:  inputSize,
		HiddenSize: perDirection,
		Dropout:    dropout,
	}

	layerInput := inputSize
	for i := 0; i < (layers); i++ {
		layer := &LSTMLayer{
			Forward: newLSTMDirection(layerInput, perDirection),
		}
		if bidirectional {
			layer.Backward = newLSTMDirection(layerInput, perDirection)
		}
		l.Layers[i] = layer

		layerInput = perDirection
		if bidirectional {
			layerInput = 2 * perDirection
		}
	}

	return l, nil
}

func newLSTMDirection(input, hidden int) *LSTMDirection {
	return &LSTMDirection{
		WeightIH: mat.NewDense(input, 4*hidden, nil),
		WeightHH: mat.NewDense(hidden, 4*hidden, nil),
		BiasIH:   make([]float64, 4*hidden),
		BiasHH:   make([]float64, 4*hidden),
	}
}

// Bidirectional reports whether the stack runs both directions
func (l *LSTM) Bidirectional() bool {
	return l.Layers[0].Backward != nil
}

// OutputSize returns the per-frame output width
func (l *LSTM) OutputSize() int {
	if l.Bidirectional() {
		return 2 * l.HiddenSize
	}
	return l.HiddenSize
}

// Forward runs the stack over a frame-major sequence of (batch, features)
// activation matrices and returns a sequence of the same length
func (l *LSTM) Forward(seq []*mat.Dense) []*mat.Dense {
	for _, layer := range l.Layers {
		forward := layer.Forward.run(seq, l.HiddenSize, false)
		if layer.Backward == nil {
			seq = forward
			continue
		}

		backward := layer.Backward.run(seq, l.HiddenSize, true)
		merged := make([]*mat.Dense, len(seq))
		for t := range seq {
			var out mat.Dense
			out.Augment(forward[t], backward[t])
			merged[t] = &out
		}
		seq = merged
	}
	return seq
}

// run processes the sequence in one direction, carrying hidden and cell
// state across frames
func (d *LSTMDirection) run(seq []*mat.Dense, hidden int, reverse bool) []*mat.Dense {
	if len(seq) == 0 {
		return nil
	}

	batch, _ := seq[0].Dims()
	h := mat.NewDense(batch, hidden, nil)
	c := mat.NewDense(batch, hidden, nil)
	out := make([]*mat.Dense, len(seq))

	gates := mat.NewDense(batch, 4*hidden, nil)
	recur := mat.NewDense(batch, 4*hidden, nil)

	for step := range seq {
		t := step
		if reverse {
			t = len(seq) - 1 - step
		}

		gates.Mul(seq[t], d.WeightIH)
		recur.Mul(h, d.WeightHH)
		gates.Add(gates, recur)

		gRaw := gates.RawMatrix()
		hRaw := h.RawMatrix()
		cRaw := c.RawMatrix()
		for b := 0; b < (batch); b++ {
			gRow := gRaw.Data[b*gRaw.Stride : b*gRaw.Stride+4*hidden]
			hRow := hRaw.Data[b*hRaw.Stride : b*hRaw.Stride+hidden]
			cRow := cRaw.Data[b*cRaw.Stride : b*cRaw.Stride+hidden]
			for k := 0; k < (hidden); k++ {
				in := sigmoid(gRow[k] + d.BiasIH[k] + d.BiasHH[k])
				forget := sigmoid(gRow[hidden+k] + d.BiasIH[hidden+k] + d.BiasHH[hidden+k])
				cell := math.Tanh(gRow[2*hidden+k] + d.BiasIH[2*hidden+k] + d.BiasHH[2*hidden+k])
				output := sigmoid(gRow[3*hidden+k] + d.BiasIH[3*hidden+k] + d.BiasHH[3*hidden+k])

				cRow[k] = forget*cRow[k] + in*cell
				hRow[k] = output * math.Tanh(cRow[k])
			}
		}

		frame := mat.NewDense(batch, hidden, nil)
		frame.Copy(h)
		out[t] = frame
	}

	return out
}
