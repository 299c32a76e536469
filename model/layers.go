package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Linear is a bias-free dense projection. Weights are stored (in, out) so a
// row-major activation batch multiplies directly.
type Linear struct {
	Weight *mat.Dense
}

// NewLinear creates a zero-initialized projection
func NewLinear(in, out int) *Linear {
	return &Linear{Weight: mat.NewDense(in, out, nil)}
}

// Forward computes x * W for a (rows, in) activation matrix
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	_, out := l.Weight.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.Weight)
	return y
}

// InputSize returns the expected feature count
func (l *Linear) InputSize() int {
	in, _ := l.Weight.Dims()
	return in
}

// OutputSize returns the produced feature count
func (l *Linear) OutputSize() int {
	_, out := l.Weight.Dims()
	return out
}

// BatchNorm normalizes each feature column using running statistics and a
// learned affine transform. At inference time the running statistics stand
// in for the per-batch ones, so the operation is a fixed per-feature affine.
type BatchNorm struct {
	Gamma    []float64
	Beta     []float64
	Mean     []float64
	Variance []float64
	Eps      float64
}

// NewBatchNorm creates an identity-initialized batch normalization layer
func NewBatchNorm(features int) *BatchNorm {
	bn := &BatchNorm{
		Gamma:    make([]float64, features),
		Beta:     make([]float64, features),
		Mean:     make([]float64, features),
		Variance: make([]float64, features),
		Eps:      1e-5,
	}
	for i := 0; i < (features); i++ {
		bn.Gamma[i] = 1
		bn.Variance[i] = 1
	}
	return bn
}

// Features returns the normalized feature count
func (bn *BatchNorm) Features() int {
	return len(bn.Gamma)
}

// Forward normalizes x in place, column by column
func (bn *BatchNorm) Forward(x *mat.Dense) error {
	rows, cols := x.Dims()
	if cols != len(bn.Gamma) {
		return fmt.Errorf("batch norm expects %d features, got %d", len(bn.Gamma), cols)
	}

	scale := make([]float64, cols)
	shift := make([]float64, cols)
	for j := 0; j < (cols); j++ {
		scale[j] = bn.Gamma[j] / math.Sqrt(bn.Variance[j]+bn.Eps)
		shift[j] = bn.Beta[j] - bn.Mean[j]*scale[j]
	}

	raw := x.RawMatrix()
	for i := 0; i < (rows); i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		for j := range row {
			row[j] = row[j]*scale[j] + shift[j]
		}
	}
	return nil
}

// tanhInPlace squashes every element to [-1, 1]
func tanhInPlace(x *mat.Dense) {
	raw := x.RawMatrix()
	rows, cols := x.Dims()
	for i := 0; i < (rows); i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		for j := range row {
			row[j] = math.Tanh(row[j])
		}
	}
}

// reluInPlace clips negatives to zero
func reluInPlace(x *mat.Dense) {
	raw := x.RawMatrix()
	rows, cols := x.Dims()
	for i := 0; i < (rows); i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		for j := range row {
			if row[j] < 0 {
				row[j] = 0
			}
		}
	}
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
