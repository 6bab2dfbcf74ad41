package optimizations

import (
	"fmt"
	"math"

	"github.com/RockAfeller2013/mygpt/utils"
	"gonum.org/v1/gonum/mat"
)

// Param is one learned tensor and the gradient accumulated for it.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// AdamW keeps first/second moment buffers for a fixed list of parameters.
type AdamW struct {
	Beta1, Beta2, Eps float64
	WeightDecay       float64

	T    int
	M, V []*mat.Dense
}

func NewAdamW(params []*Param, beta1, beta2, eps, weightDecay float64) *AdamW {
	opt := &AdamW{
		Beta1:       beta1,
		Beta2:       beta2,
		Eps:         eps,
		WeightDecay: weightDecay,
		M:           make([]*mat.Dense, len(params)),
		V:           make([]*mat.Dense, len(params)),
	}
	for i, p := range params {
		opt.M[i] = utils.ZerosLike(p.W)
		opt.V[i] = utils.ZerosLike(p.W)
	}
	return opt
}

// Step applies one AdamW update to every parameter using its G.
func (opt *AdamW) Step(params []*Param, lr float64) {
	if len(params) != len(opt.M) {
		panic(fmt.Sprintf("AdamW.Step: have state for %d params, got %d", len(opt.M), len(params)))
	}
	opt.T++
	for i, p := range params {
		AdamUpdateInPlace(p.W, p.G, opt.M[i], opt.V[i], opt.T, lr,
			opt.Beta1, opt.Beta2, opt.Eps, opt.WeightDecay)
	}
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i := 0; i < pr; i++ {
		pRow, gRow := p.RawRowView(i), g.RawRowView(i)
		mRow, vRow := m.RawRowView(i), v.RawRowView(i)
		for j := 0; j < pc; j++ {
			gij := gRow[j]
			mRow[j] = beta1*mRow[j] + (1.0-beta1)*gij
			vRow[j] = beta2*vRow[j] + (1.0-beta2)*gij*gij
			mhat := mRow[j] * c1
			vhat := vRow[j] * c2
			update := mhat/(math.Sqrt(vhat)+eps) + weightDecay*pRow[j]
			pRow[j] -= lr * update
		}
	}
}

// LRSchedule returns the learning rate for a 1-based step: linear warmup over
// warmup steps, then either constant or cosine decay to 10% of peak at total.
func LRSchedule(step int, peak float64, warmup, total int, cosine bool) float64 {
	if step <= 0 {
		return 0
	}
	if warmup > 0 && step < warmup {
		return peak * float64(step) / float64(warmup)
	}
	if !cosine || total <= warmup {
		return peak
	}
	x := float64(step-warmup) / float64(total-warmup)
	if x > 1 {
		x = 1
	} else if x < 0 {
		x = 0
	}
	minLR := 0.1 * peak
	return minLR + 0.5*(peak-minLR)*(1+math.Cos(math.Pi*x))
}
