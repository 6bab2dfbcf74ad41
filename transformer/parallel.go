package transformer

import (
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/RockAfeller2013/mygpt/optimizations"
	"github.com/RockAfeller2013/mygpt/utils"
)

// cloneForGrads returns a model that shares every weight matrix with g but
// owns its caches and gradient buffers. Clones may run forward/backward
// concurrently as long as nobody writes the weights meanwhile.
func (g *GPT) cloneForGrads() *GPT {
	c := &GPT{
		Config:  g.Config,
		TokEmb:  g.TokEmb, // shared read-only
		PosEmb:  g.PosEmb,
		Head:    g.Head,
		Blocks:  make([]*TransformerBlock, len(g.Blocks)),
		LnF:     cloneLNForGrads(g.LnF),
		GTokEmb: utils.ZerosLike(g.TokEmb),
		GPosEmb: utils.ZerosLike(g.PosEmb),
		GHead:   utils.ZerosLike(g.Head),
		Workers: 1,
	}
	for i, b := range g.Blocks {
		c.Blocks[i] = &TransformerBlock{
			Attn: cloneAttentionForGrads(b.Attn),
			Mlp:  cloneMLPForGrads(b.Mlp),
			Ln1:  cloneLNForGrads(b.Ln1),
			Ln2:  cloneLNForGrads(b.Ln2),
		}
	}
	c.params = c.collectParams()
	return c
}

func cloneAttentionForGrads(src *Attention) *Attention {
	d := src.DModel
	return &Attention{
		H:       src.H,
		DModel:  d,
		DHead:   src.DHead,
		Dropout: src.Dropout,
		Wquery:  src.Wquery, // shared read-only
		Wkey:    src.Wkey,
		Wvalue:  src.Wvalue,
		Woutput: src.Woutput,
		GWq:     mat.NewDense(d, d, nil),
		GWk:     mat.NewDense(d, d, nil),
		GWv:     mat.NewDense(d, d, nil),
		GWo:     mat.NewDense(d, d, nil),
		// private caches
		A:         make([]*mat.Dense, src.H),
		attnMask:  make([]*mat.Dense, src.H),
		maskCache: make(map[int]*mat.Dense),
	}
}

func cloneMLPForGrads(src *MLP) *MLP {
	return &MLP{
		Inputs:        src.Inputs,
		Hiddens:       src.Hiddens,
		Outputs:       src.Outputs,
		Dropout:       src.Dropout,
		HiddenWeights: src.HiddenWeights, // shared read-only
		HiddenBias:    src.HiddenBias,
		OutputWeights: src.OutputWeights,
		OutputBias:    src.OutputBias,
		GHiddenW:      utils.ZerosLike(src.HiddenWeights),
		GHiddenB:      utils.ZerosLike(src.HiddenBias),
		GOutputW:      utils.ZerosLike(src.OutputWeights),
		GOutputB:      utils.ZerosLike(src.OutputBias),
	}
}

func cloneLNForGrads(src *optimizations.LayerNorm) *optimizations.LayerNorm {
	ln := optimizations.NewLayerNorm(src.D, src.Eps)
	ln.Gamma = src.Gamma // shared read-only
	ln.Beta = src.Beta
	// grads and caches stay private per clone
	return ln
}

func (g *GPT) workerClones(n int) []*GPT {
	for len(g.workers) < n {
		g.workers = append(g.workers, g.cloneForGrads())
	}
	return g.workers[:n]
}

// runWindows calls fn once for every window b in [0, batch), running up to
// Workers windows at a time, each on its own clone with its own dropout RNG
// seeded from g's RNG in window order. When reduce is non-nil the clone's
// gradients are zeroed before fn, and after each round reduce sees the
// windows in order. Window b's result and the order of reduction are the same
// for any worker count.
func (g *GPT) runWindows(batch int, fn func(m *GPT, b int, rng *rand.Rand), reduce func(m *GPT, b int)) {
	n := min(max(g.Workers, 1), batch)
	seeds := make([]uint64, batch)
	for b := range seeds {
		seeds[b] = g.rng.Uint64()
	}
	clones := g.workerClones(n)

	for start := 0; start < batch; start += n {
		end := min(start+n, batch)
		var wg sync.WaitGroup
		for b := start; b < end; b++ {
			m := clones[b-start]
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.training = g.training
				if reduce != nil {
					m.ZeroGrad()
				}
				fn(m, b, rand.New(rand.NewPCG(seeds[b], uint64(b))))
			}()
		}
		wg.Wait()
		if reduce == nil {
			continue
		}
		for b := start; b < end; b++ {
			reduce(clones[b-start], b)
		}
	}
}
