package filtering

import (
	"math"
)

// expectationMaximization refines the complex source estimates in place.
//
// Each sweep alternates between re-estimating, per source, a time-varying
// power spectral density and a time-invariant spatial covariance per bin,
// and re-filtering the mixture with the resulting multichannel Wiener gain.
// Estimates are assumed pre-scaled to a bounded range by the caller.
func expectationMaximization(y *SourceSpectrogram, x *MixtureSpectrogram, iterations int) {
	frames, bins, channels, sources := y.Frames, y.Bins, y.Channels, y.Sources
	cc := channels * channels

	// psd[(t*bins+f)*sources+j] = mean over channels of |y_j|^2
	psd := make([]float64, frames*bins*sources)

	// cov[j][(f*channels+c1)*channels+c2] = spatial covariance of source j
	cov := make([][]complex128, sources)
	covWeight := make([][]float64, sources)
	for j := 0; j < (sources); j++ {
		cov[j] = make([]complex128, bins*cc)
		covWeight[j] = make([]float64, bins)
	}

	regularization := complex(math.Sqrt(eps), 0)

	mix := make([]complex128, channels)
	cx := make([]complex128, cc)
	cxInv := make([]complex128, cc)
	gain := make([]complex128, cc)
	scratch := make([]complex128, 2*cc)

	for rangeN := 0; rangeN < (iterations); rangeN++ {
		// update source statistics
		for j := 0; j < (sources); j++ {
			for i := range cov[j] {
				cov[j][i] = 0
			}
			for f := 0; f < (bins); f++ {
				covWeight[j][f] = eps
			}
		}

		for t := 0; t < (frames); t++ {
			for f := 0; f < (bins); f++ {
				for j := 0; j < (sources); j++ {
					var power float64
					for c := 0; c < (channels); c++ {
						yv := y.Data[y.index(t, f, c, j)]
						re, im := real(yv), imag(yv)
						power += re*re + im*im
					}
					power /= float64(channels)
					psd[(t*bins+f)*sources+j] = power
					covWeight[j][f] += power

					for c1 := 0; c1 < (channels); c1++ {
						y1 := y.Data[y.index(t, f, c1, j)]
						for c2 := 0; c2 < (channels); c2++ {
							y2 := y.Data[y.index(t, f, c2, j)]
							cov[j][(f*channels+c1)*channels+c2] += y1 * conj(y2)
						}
					}
				}
			}
		}

		for j := 0; j < (sources); j++ {
			for f := 0; f < (bins); f++ {
				w := complex(1.0/covWeight[j][f], 0)
				for i := f * cc; i < (f+1)*cc; i++ {
					cov[j][i] *= w
				}
			}
		}

		// re-filter the mixture with the updated Gaussian model
		for t := 0; t < (frames); t++ {
			for f := 0; f < (bins); f++ {
				for c := 0; c < (channels); c++ {
					mix[c] = x.Data[(t*x.Bins+f)*x.Channels+c]
				}

				for i := 0; i < (cc); i++ {
					cx[i] = 0
				}
				for j := 0; j < (sources); j++ {
					vj := complex(psd[(t*bins+f)*sources+j], 0)
					for i := 0; i < (cc); i++ {
						cx[i] += vj * cov[j][f*cc+i]
					}
				}
				for c := 0; c < (channels); c++ {
					cx[c*channels+c] += regularization
				}

				if !invertMatrix(cxInv, cx, channels, scratch) {
					// singular despite regularization; keep current estimates
					continue
				}

				for j := 0; j < (sources); j++ {
					vj := complex(psd[(t*bins+f)*sources+j], 0)
					matMul(gain, cov[j][f*cc:(f+1)*cc], cxInv, channels)
					for c1 := 0; c1 < (channels); c1++ {
						var acc complex128
						for c2 := 0; c2 < (channels); c2++ {
							acc += gain[c1*channels+c2] * mix[c2]
						}
						y.Data[y.index(t, f, c1, j)] = vj * acc
					}
				}
			}
		}
	}
}

func conj(v complex128) complex128 {
	return complex(real(v), -imag(v))
}

// matMul computes dst = a * b for dense n-by-n complex matrices
func matMul(dst, a, b []complex128, n int) {
	for i := 0; i < (n); i++ {
		for j := 0; j < (n); j++ {
			var acc complex128
			for k := 0; k < (n); k++ {
				acc += a[i*n+k] * b[k*n+j]
			}
			dst[i*n+j] = acc
		}
	}
}

// invertMatrix computes dst = m^-1 for a dense n-by-n complex matrix.
// Channel counts are tiny (typically 1 or 2), so closed forms cover the
// common cases and Gauss-Jordan elimination the rest. Returns false when the
// matrix is numerically singular.
func invertMatrix(dst, m []complex128, n int, scratch []complex128) bool {
	switch n {
	case 1:
		d := m[0]
		if absSq(d) == 0 {
			return false
		}
		dst[0] = 1 / d
		return true
	case 2:
		det := m[0]*m[3] - m[1]*m[2]
		if absSq(det) == 0 {
			return false
		}
		inv := 1 / det
		dst[0] = m[3] * inv
		dst[1] = -m[1] * inv
		dst[2] = -m[2] * inv
		dst[3] = m[0] * inv
		return true
	}

	// Gauss-Jordan with partial pivoting on [m | I]
	a := scratch[:n*n]
	copy(a, m)
	for i := range dst[:n*n] {
		dst[i] = 0
	}
	for i := 0; i < (n); i++ {
		dst[i*n+i] = 1
	}

	for col := 0; col < (n); col++ {
		pivot := col
		best := absSq(a[col*n+col])
		for r := col + 1; r < n; r++ {
			if v := absSq(a[r*n+col]); v > best {
				best = v
				pivot = r
			}
		}
		if best == 0 {
			return false
		}
		if pivot != col {
			swapRows(a, pivot, col, n)
			swapRows(dst, pivot, col, n)
		}

		inv := 1 / a[col*n+col]
		for k := 0; k < (n); k++ {
			a[col*n+k] *= inv
			dst[col*n+k] *= inv
		}

		for r := 0; r < (n); r++ {
			if r == col {
				continue
			}
			factor := a[r*n+col]
			if factor == 0 {
				continue
			}
			for k := 0; k < (n); k++ {
				a[r*n+k] -= factor * a[col*n+k]
				dst[r*n+k] -= factor * dst[col*n+k]
			}
		}
	}

	return true
}

func swapRows(m []complex128, r1, r2, n int) {
	for k := 0; k < (n); k++ {
		m[r1*n+k], m[r2*n+k] = m[r2*n+k], m[r1*n+k]
	}
}

func absSq(v complex128) float64 {
	re, im := real(v), imag(v)
	return re*re + im*im
}
