package utils

import (
	"log"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DebugEnabled gates Debugf. Set from --debug.
var DebugEnabled bool

func Debugf(format string, args ...any) {
	if DebugEnabled {
		log.Printf("[debug] "+format, args...)
	}
}

func Warnf(format string, args ...any) {
	log.Printf("[warn] "+format, args...)
}

// RandomNormal returns 'size' samples from N(0, std^2) drawn from src.
func RandomNormal(size int, std float64, src rand.Source) []float64 {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	out := make([]float64, size)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// DropoutMask returns an (r x c) inverted-dropout mask: 0 with probability p,
// 1/(1-p) otherwise. Returns nil when p is 0 so callers can skip the multiply.
func DropoutMask(r, c int, p float64, rng *rand.Rand) *mat.Dense {
	if p <= 0 {
		return nil
	}
	keep := 1.0 / (1.0 - p)
	data := make([]float64, r*c)
	for i := range data {
		if rng.Float64() >= p {
			data[i] = keep
		}
	}
	return mat.NewDense(r, c, data)
}

// ApplyMask multiplies m by mask in place. A nil mask is the identity.
func ApplyMask(m, mask *mat.Dense) *mat.Dense {
	if mask != nil {
		m.MulElem(m, mask)
	}
	return m
}

func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	data := make([]float64, r*c)
	for i := range data {
		data[i] = 1
	}
	return mat.NewDense(r, c, data)
}

// AllFinite reports whether every entry of m is neither NaN nor Inf.
func AllFinite(m *mat.Dense) bool {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		for _, v := range m.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// debugging and clipping.

// ClipGrads scales all grads so their combined L2 norm <= maxNorm.
// Returns the norm before clipping.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if maxNorm <= 0 || gn <= maxNorm || gn == 0 {
		return gn
	}
	s := maxNorm / (gn + 1e-6)
	for _, g := range grads {
		if g != nil {
			scaleInPlace(g, s)
		}
	}
	return gn
}

func scaleInPlace(a *mat.Dense, s float64) {
	if s == 1.0 {
		return
	}
	r, _ := a.Dims()
	for i := 0; i < r; i++ {
		floats.Scale(s, a.RawRowView(i))
	}
}
