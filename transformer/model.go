package transformer

import (
	"fmt"
	"math/rand/v2"
	"runtime"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/RockAfeller2013/mygpt/optimizations"
	"github.com/RockAfeller2013/mygpt/params"
	"github.com/RockAfeller2013/mygpt/utils"
)

const (
	initStd = 0.02

	// IgnoreIndex marks a target position that contributes no loss.
	IgnoreIndex = -1
)

// GPT is token embedding + position embedding -> blocks -> final norm -> head.
// One GPT is owned by one goroutine: Forward caches activations on the modules.
type GPT struct {
	Config params.GPTConfig

	TokEmb *mat.Dense // (dModel x |V|)
	PosEmb *mat.Dense // (dModel x BlockSize)
	Blocks []*TransformerBlock
	LnF    *optimizations.LayerNorm
	Head   *mat.Dense // (|V| x dModel), no bias

	GTokEmb, GPosEmb, GHead *mat.Dense

	// Workers bounds how many windows of a batch run at once. It does not
	// change any result.
	Workers int

	training bool
	rng      *rand.Rand
	params   []*optimizations.Param
	workers  []*GPT

	// cache for backprop
	idx        []int
	embMask    *mat.Dense
	lastHidden *mat.Dense
}

// NewGPT builds a freshly initialised model. rng seeds the weights and is kept
// for dropout. The model starts in training mode.
func NewGPT(cfg params.GPTConfig, rng *rand.Rand) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, V := cfg.NEmbd, cfg.VocabSize
	g := &GPT{
		Config:   cfg,
		TokEmb:   mat.NewDense(d, V, utils.RandomNormal(d*V, initStd, rng)),
		PosEmb:   mat.NewDense(d, cfg.BlockSize, utils.RandomNormal(d*cfg.BlockSize, initStd, rng)),
		Blocks:   make([]*TransformerBlock, cfg.NLayer),
		Workers:  runtime.GOMAXPROCS(0),
		training: true,
		rng:      rng,
	}
	for i := range g.Blocks {
		g.Blocks[i] = NewBlock(d, cfg.NHead, cfg.Dropout, rng)
	}
	g.LnF = optimizations.NewLayerNorm(d, lnEps)
	g.Head = mat.NewDense(V, d, utils.RandomNormal(V*d, initStd, rng))

	g.GTokEmb = utils.ZerosLike(g.TokEmb)
	g.GPosEmb = utils.ZerosLike(g.PosEmb)
	g.GHead = utils.ZerosLike(g.Head)
	g.params = g.collectParams()
	return g, nil
}

func (g *GPT) collectParams() []*optimizations.Param {
	ps := []*optimizations.Param{
		{Name: "tok_emb", W: g.TokEmb, G: g.GTokEmb},
		{Name: "pos_emb", W: g.PosEmb, G: g.GPosEmb},
	}
	for i, b := range g.Blocks {
		p := func(name string, w, grad *mat.Dense) {
			ps = append(ps, &optimizations.Param{Name: fmt.Sprintf("blocks.%d.%s", i, name), W: w, G: grad})
		}
		p("ln1.gamma", b.Ln1.Gamma, b.Ln1.GGamma)
		p("ln1.beta", b.Ln1.Beta, b.Ln1.GBeta)
		p("attn.query", b.Attn.Wquery, b.Attn.GWq)
		p("attn.key", b.Attn.Wkey, b.Attn.GWk)
		p("attn.value", b.Attn.Wvalue, b.Attn.GWv)
		p("attn.proj", b.Attn.Woutput, b.Attn.GWo)
		p("ln2.gamma", b.Ln2.Gamma, b.Ln2.GGamma)
		p("ln2.beta", b.Ln2.Beta, b.Ln2.GBeta)
		p("mlp.hidden.weight", b.Mlp.HiddenWeights, b.Mlp.GHiddenW)
		p("mlp.hidden.bias", b.Mlp.HiddenBias, b.Mlp.GHiddenB)
		p("mlp.output.weight", b.Mlp.OutputWeights, b.Mlp.GOutputW)
		p("mlp.output.bias", b.Mlp.OutputBias, b.Mlp.GOutputB)
	}
	ps = append(ps,
		&optimizations.Param{Name: "ln_f.gamma", W: g.LnF.Gamma, G: g.LnF.GGamma},
		&optimizations.Param{Name: "ln_f.beta", W: g.LnF.Beta, G: g.LnF.GBeta},
		&optimizations.Param{Name: "head", W: g.Head, G: g.GHead},
	)
	return ps
}

// Parameters returns every learned tensor in a fixed order.
func (g *GPT) Parameters() []*optimizations.Param { return g.params }

func (g *GPT) NumParams() int {
	n := 0
	for _, p := range g.params {
		r, c := p.W.Dims()
		n += r * c
	}
	return n
}

func (g *GPT) ZeroGrad() {
	for _, p := range g.params {
		p.ZeroGrad()
	}
}

// SetTraining toggles dropout.
func (g *GPT) SetTraining(on bool) { g.training = on }

func (g *GPT) Training() bool { return g.training }

// Forward runs one window of byte ids (1 <= len <= BlockSize) and returns the
// logits (|V| x T). When targets is non-nil it must have len(idx) entries and
// the mean cross-entropy over positions whose target is not IgnoreIndex is
// returned as well; otherwise the loss is 0.
func (g *GPT) Forward(idx []int, targets []int) (*mat.Dense, float64) {
	logits := g.forward(idx, g.rng)
	if targets == nil {
		return logits, 0
	}
	sum, count, _ := utils.CrossEntropyColumns(logits, targets, IgnoreIndex)
	if count == 0 {
		return logits, 0
	}
	return logits, sum / float64(count)
}

// forward draws dropout masks from rng; rng may be nil when not training.
func (g *GPT) forward(idx []int, rng *rand.Rand) *mat.Dense {
	T := len(idx)
	if T == 0 || T > g.Config.BlockSize {
		panic(fmt.Sprintf("GPT.forward: window of %d ids, block size is %d", T, g.Config.BlockSize))
	}
	d := g.Config.NEmbd
	X := mat.NewDense(d, T, nil)
	for t, id := range idx {
		if id < 0 || id >= g.Config.VocabSize {
			panic(fmt.Sprintf("GPT.forward: id %d out of range at position %d", id, t))
		}
		for i := 0; i < d; i++ {
			X.Set(i, t, g.TokEmb.At(i, id)+g.PosEmb.At(i, t))
		}
	}
	g.idx = idx
	g.embMask = nil
	if g.training && g.Config.Dropout > 0 {
		g.embMask = utils.DropoutMask(d, T, g.Config.Dropout, rng)
		utils.ApplyMask(X, g.embMask)
	}

	for _, b := range g.Blocks {
		X = b.Forward(X, g.training, rng)
	}
	g.lastHidden = g.LnF.Forward(X)
	return utils.Dot(g.Head, g.lastHidden)
}

// backward takes dLoss/dLogits for the last forward and accumulates every
// parameter gradient.
func (g *GPT) backward(dLogits *mat.Dense) {
	utils.AddProduct(g.GHead, dLogits, g.lastHidden.T())
	dX := g.LnF.Backward(utils.Dot(g.Head.T(), dLogits))
	for i := len(g.Blocks) - 1; i >= 0; i-- {
		dX = g.Blocks[i].Backward(dX)
	}
	utils.ApplyMask(dX, g.embMask)

	d, _ := dX.Dims()
	for t, id := range g.idx {
		for i := 0; i < d; i++ {
			v := dX.At(i, t)
			g.GTokEmb.Set(i, id, g.GTokEmb.At(i, id)+v)
			g.GPosEmb.Set(i, t, g.GPosEmb.At(i, t)+v)
		}
	}
}

func countTargets(y [][]int) int {
	n := 0
	for _, row := range y {
		for _, id := range row {
			if id != IgnoreIndex {
				n++
			}
		}
	}
	return n
}

// Loss is the mean cross-entropy over every counted target of a batch.
// Gradients are left untouched.
func (g *GPT) Loss(x, y [][]int) float64 {
	total := countTargets(y)
	if total == 0 {
		return 0
	}
	sums := make([]float64, len(x))
	g.runWindows(len(x), func(m *GPT, b int, rng *rand.Rand) {
		sums[b], _, _ = utils.CrossEntropyColumns(m.forward(x[b], rng), y[b], IgnoreIndex)
	}, nil)
	return floats.Sum(sums) / float64(total)
}

// ForwardBackward zeroes the gradients, then leaves dLoss/dParam of the batch
// mean loss on every Param.G. Returns the batch mean loss.
func (g *GPT) ForwardBackward(x, y [][]int) float64 {
	g.ZeroGrad()
	total := countTargets(y)
	if total == 0 {
		return 0
	}
	inv := 1.0 / float64(total)
	sums := make([]float64, len(x))
	g.runWindows(len(x), func(m *GPT, b int, rng *rand.Rand) {
		logits := m.forward(x[b], rng)
		s, _, dLogits := utils.CrossEntropyColumns(logits, y[b], IgnoreIndex)
		sums[b] = s
		dLogits.Scale(inv, dLogits)
		m.backward(dLogits)
	}, func(m *GPT, _ int) {
		for i, p := range m.params {
			g.params[i].G.Add(g.params[i].G, p.G)
		}
	})
	return floats.Sum(sums) * inv
}

// NextByteProbs returns the model's distribution over the byte that follows
// context (cropped to the last BlockSize ids), without dropout.
func (g *GPT) NextByteProbs(context []int) []float64 {
	was := g.training
	g.training = false
	defer func() { g.training = was }()
	if len(context) > g.Config.BlockSize {
		context = context[len(context)-g.Config.BlockSize:]
	}
	return utils.Softmax(utils.LastCol(g.forward(context, nil)))
}
