package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix functions used all over the model.
// Sequences are (d x T): one column per position.

// r = rows of matrix
// c = columns of matrix
// o = output
// m = matrix input number 1
// n = matrix input number 2

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Mul(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Multiply(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

// AddProduct accumulates dst += m*n. Used for gradient buffers.
func AddProduct(dst *mat.Dense, m, n mat.Matrix) {
	dst.Add(dst, Dot(m, n))
}

// AddRowSums accumulates the per-row sum of m into the (r x 1) column dst.
// This is the bias gradient of a column-broadcast bias.
func AddRowSums(dst, m *mat.Dense) {
	r, _ := m.Dims()
	if rd, cd := dst.Dims(); rd != r || cd != 1 {
		panic("AddRowSums: dst must be (r x 1)")
	}
	for i := 0; i < r; i++ {
		dst.Set(i, 0, dst.At(i, 0)+floats.Sum(m.RawRowView(i)))
	}
}

// AddBias returns m + bias broadcast over every column.
func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		b := bias.At(i, 0)
		dst := out.RawRowView(i)
		copy(dst, m.RawRowView(i))
		floats.AddConst(b, dst)
	}
	return out
}

func LastCol(m *mat.Dense) []float64 {
	r, c := m.Dims()
	return mat.Col(make([]float64, r), c-1, m)
}

// -------- GELU activation --------
// gelu(x) = 0.5 * x * (1 + erf(x / sqrt(2)))
// We provide:
// - GeluApply: shape-compatible with mat.Dense.Apply (i,j,v) -> value
// - GeluPrime: elementwise derivative given pre-activation matrix X

func GeluApply(i, j int, x float64) float64 {
	return 0.5 * x * (1.0 + math.Erf(x/math.Sqrt2))
}

func GeluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	const invSqrt2Pi = 0.3989422804014327 // 1/sqrt(2*pi)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := m.At(i, j)
			cdf := 0.5 * (1.0 + math.Erf(x/math.Sqrt2))
			pdf := invSqrt2Pi * math.Exp(-0.5*x*x)
			out.Set(i, j, cdf+x*pdf)
		}
	}
	return out
}

// Masking stuff

// CausalMask returns (T x T) with 0 on and below the diagonal, -Inf above.
// Row i is the query position, column j the key position.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	negInf := math.Inf(-1)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, negInf)
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst (r x c) in place.
// Every row must keep at least one finite entry.
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	if mr, mc := mask.Dims(); mr != r || mc != c {
		panic("RowSoftmaxMaskedInPlace: mask shape mismatch")
	}
	for i := 0; i < r; i++ {
		row := dst.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] = m.At(i, j) + mask.At(i, j)
		}
		softmaxInPlace(row)
	}
	return dst
}

// Softmax returns a new probability vector for the given scores.
func Softmax(v []float64) []float64 {
	out := append([]float64(nil), v...)
	softmaxInPlace(out)
	return out
}

func softmaxInPlace(row []float64) {
	mx := floats.Max(row)
	for j, v := range row {
		row[j] = math.Exp(v - mx)
	}
	floats.Scale(1/floats.Sum(row), row)
}

// Softmax backward for row-wise softmax used in attention.
// Vector-JVP form: for each row i,
// s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- Loss ----------

// CrossEntropyColumns scores every column of logits (V x T) against targets[t].
// Columns whose target equals ignore contribute neither loss nor gradient.
// Returns the summed loss, how many columns counted, and dLoss/dLogits of the sum.
func CrossEntropyColumns(logits *mat.Dense, targets []int, ignore int) (float64, int, *mat.Dense) {
	V, T := logits.Dims()
	if len(targets) != T {
		panic("CrossEntropyColumns: need one target per column")
	}
	grad := mat.NewDense(V, T, nil)
	col := make([]float64, V)
	sum := 0.0
	count := 0
	for t, gold := range targets {
		if gold == ignore {
			continue
		}
		if gold < 0 || gold >= V {
			panic("CrossEntropyColumns: target out of range")
		}
		mat.Col(col, t, logits)
		lse := floats.LogSumExp(col)
		sum += lse - col[gold]
		count++
		for i, v := range col {
			grad.Set(i, t, math.Exp(v-lse))
		}
		grad.Set(gold, t, grad.At(gold, t)-1.0)
	}
	return sum, count, grad
}
