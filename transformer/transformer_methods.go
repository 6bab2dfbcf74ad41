package transformer

import (
	"math/rand/v2"

	"github.com/RockAfeller2013/mygpt/optimizations"
	"github.com/RockAfeller2013/mygpt/utils"
	"gonum.org/v1/gonum/mat"
)

const lnEps = 1e-5

// TransformerBlock is pre-norm: x += attn(ln1(x)); x += mlp(ln2(x)).
type TransformerBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm
	Ln2  *optimizations.LayerNorm
}

func NewBlock(dModel, nHeads int, dropout float64, rng *rand.Rand) *TransformerBlock {
	return &TransformerBlock{
		Ln1:  optimizations.NewLayerNorm(dModel, lnEps),
		Attn: NewAttention(dModel, nHeads, dropout, rng),
		Ln2:  optimizations.NewLayerNorm(dModel, lnEps),
		Mlp:  NewMLP(dModel, dropout, rng),
	}
}

// Block forward/backward with residuals.
func (b *TransformerBlock) Forward(X *mat.Dense, train bool, rng *rand.Rand) *mat.Dense {
	attnOut := b.Attn.Forward(b.Ln1.Forward(X), train, rng)
	xRes := utils.Add(X, attnOut)
	mlpOut := b.Mlp.Forward(b.Ln2.Forward(xRes), train, rng)
	return utils.Add(xRes, mlpOut)
}

// Backward accumulates grads for every sub-module and returns dX.
// Y = xRes + MLP(Ln2(xRes)); xRes = X + Attn(Ln1(X))
func (b *TransformerBlock) Backward(grad *mat.Dense) *mat.Dense {
	dXres := b.Ln2.Backward(b.Mlp.Backward(grad))
	dXres.Add(dXres, grad)
	dX := b.Ln1.Backward(b.Attn.Backward(dXres))
	dX.Add(dX, dXres)
	return dX
}
