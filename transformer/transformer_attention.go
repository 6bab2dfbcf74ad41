package transformer

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/RockAfeller2013/mygpt/utils"
)

// Attention is causal multi-head self-attention. Heads are row blocks of the
// (d x d) projections: head h owns rows [h*DHead, (h+1)*DHead).
type Attention struct {
	H       int
	DModel  int
	DHead   int
	Dropout float64

	Wquery, Wkey, Wvalue, Woutput *mat.Dense
	// accumulated grads
	GWq, GWk, GWv, GWo *mat.Dense

	// cache for backprop
	X         *mat.Dense
	Q, K, V   *mat.Dense   // (d x T)
	A         []*mat.Dense // per head softmax weights (T x T)
	attnMask  []*mat.Dense // per head dropout masks, nil when inactive
	O_cat     *mat.Dense   // (d x T)
	residMask *mat.Dense

	maskCache map[int]*mat.Dense
}

func NewAttention(dModel, nHeads int, dropout float64, rng *rand.Rand) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	return &Attention{
		H:         nHeads,
		DModel:    dModel,
		DHead:     dModel / nHeads,
		Dropout:   dropout,
		Wquery:    mat.NewDense(dModel, dModel, utils.RandomNormal(dModel*dModel, initStd, rng)),
		Wkey:      mat.NewDense(dModel, dModel, utils.RandomNormal(dModel*dModel, initStd, rng)),
		Wvalue:    mat.NewDense(dModel, dModel, utils.RandomNormal(dModel*dModel, initStd, rng)),
		Woutput:   mat.NewDense(dModel, dModel, utils.RandomNormal(dModel*dModel, initStd, rng)),
		GWq:       mat.NewDense(dModel, dModel, nil),
		GWk:       mat.NewDense(dModel, dModel, nil),
		GWv:       mat.NewDense(dModel, dModel, nil),
		GWo:       mat.NewDense(dModel, dModel, nil),
		A:         make([]*mat.Dense, nHeads),
		attnMask:  make([]*mat.Dense, nHeads),
		maskCache: make(map[int]*mat.Dense),
	}
}

func (attn *Attention) head(m *mat.Dense, h int) *mat.Dense {
	_, T := m.Dims()
	base := h * attn.DHead
	return m.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
}

// Forward maps X (d x T) to (d x T). rng is only consulted when training
// with a non-zero dropout rate.
func (attn *Attention) Forward(X *mat.Dense, train bool, rng *rand.Rand) *mat.Dense {
	attn.X = X
	_, T := X.Dims()
	p := 0.0
	if train {
		p = attn.Dropout
	}

	// cache mask by T
	mask, ok := attn.maskCache[T]
	if !ok {
		mask = utils.CausalMask(T)
		attn.maskCache[T] = mask
	}
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	attn.Q = utils.Dot(attn.Wquery, X)
	attn.K = utils.Dot(attn.Wkey, X)
	attn.V = utils.Dot(attn.Wvalue, X)
	headsCat := mat.NewDense(attn.DModel, T, nil)

	for h := 0; h < attn.H; h++ {
		// S = (Q^T K)/sqrt
		scores := utils.Dot(attn.head(attn.Q, h).T(), attn.head(attn.K, h))
		scores.Scale(rescale, scores)
		A := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(A, scores, mask)
		attn.A[h] = A

		attn.attnMask[h] = nil
		Ad := A
		if p > 0 {
			attn.attnMask[h] = utils.DropoutMask(T, T, p, rng)
			Ad = utils.Multiply(A, attn.attnMask[h])
		}
		// O = V * A^T
		attn.head(headsCat, h).Mul(attn.head(attn.V, h), Ad.T())
	}
	attn.O_cat = headsCat

	Y := utils.Dot(attn.Woutput, headsCat)
	attn.residMask = nil
	if p > 0 {
		attn.residMask = utils.DropoutMask(attn.DModel, T, p, rng)
		utils.ApplyMask(Y, attn.residMask)
	}
	return Y
}

// Backward accumulates weight grads and returns dX.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	dX, dWq, dWk, dWv, dWo := attn.BackwardGradsOnly(dY)
	attn.GWq.Add(attn.GWq, dWq)
	attn.GWk.Add(attn.GWk, dWk)
	attn.GWv.Add(attn.GWv, dWv)
	attn.GWo.Add(attn.GWo, dWo)
	return dX
}

// BackwardGradsOnly computes grads from the last Forward without touching
// the accumulators.
func (attn *Attention) BackwardGradsOnly(dY *mat.Dense) (dX, dWq, dWk, dWv, dWo *mat.Dense) {
	_, T := attn.X.Dims()
	if attn.residMask != nil {
		dY = utils.Multiply(dY, attn.residMask)
	}

	// Y = Wout * Ocat
	dWo = utils.Dot(dY, attn.O_cat.T())
	dOcat := utils.Dot(attn.Woutput.T(), dY)

	dQ := mat.NewDense(attn.DModel, T, nil)
	dK := mat.NewDense(attn.DModel, T, nil)
	dV := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	for h := 0; h < attn.H; h++ {
		dO := attn.head(dOcat, h)
		Vh := attn.head(attn.V, h)
		Ad := attn.A[h]
		if attn.attnMask[h] != nil {
			Ad = utils.Multiply(attn.A[h], attn.attnMask[h])
		}

		// O = V * Ad^T
		attn.head(dV, h).Mul(dO, Ad) // (dHead x T)
		dAd := utils.Dot(dO.T(), Vh) // (T x T)
		if attn.attnMask[h] != nil {
			dAd.MulElem(dAd, attn.attnMask[h])
		}

		// A = softmax_row(S); masked entries have A=0 so their dS is 0
		dS := utils.SoftmaxBackward(dAd, attn.A[h])

		// S = Q^T K / sqrt(dHead)
		dQh := attn.head(dQ, h)
		dQh.Mul(attn.head(attn.K, h), dS.T())
		dQh.Scale(rescale, dQh)
		dKh := attn.head(dK, h)
		dKh.Mul(attn.head(attn.Q, h), dS)
		dKh.Scale(rescale, dKh)
	}

	// Params
	dWq = utils.Dot(dQ, attn.X.T())
	dWk = utils.Dot(dK, attn.X.T())
	dWv = utils.Dot(dV, attn.X.T())

	// Inputs
	dX = utils.Dot(attn.Wquery.T(), dQ)
	dX.Add(dX, utils.Dot(attn.Wkey.T(), dK))
	dX.Add(dX, utils.Dot(attn.Wvalue.T(), dV))
	return dX, dWq, dWk, dWv, dWo
}
