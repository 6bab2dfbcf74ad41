package transformer

import (
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/RockAfeller2013/mygpt/params"
	"github.com/RockAfeller2013/mygpt/utils"
)

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	eps := 1e-5
	w0 := param.At(i, j)

	// Perturb +eps
	param.Set(i, j, w0+eps)
	lp := forward()

	// Perturb -eps
	param.Set(i, j, w0-eps)
	lm := forward()

	// Restore
	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)

	if math.Abs(numGrad-anaGrad) > 1e-4*math.Max(1, math.Abs(numGrad)) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g",
			name, i, j, numGrad, anaGrad)
	}
}

// checkAll runs finiteDiffCheck over every entry of param.
func checkAll(t *testing.T, name string, param, grad *mat.Dense, forward func() float64) {
	t.Helper()
	r, c := param.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			finiteDiffCheck(t, name, param, grad, forward, i, j)
		}
	}
}

func randDense(r, c int, std float64, rng *rand.Rand) *mat.Dense {
	return mat.NewDense(r, c, utils.RandomNormal(r*c, std, rng))
}

// weightedSum is a scalar loss with dLoss/dY = R.
func weightedSum(Y, R *mat.Dense) float64 {
	return mat.Sum(utils.Multiply(Y, R))
}

// fixedRNG returns the same dropout masks on every call.
func fixedRNG() *rand.Rand { return rand.New(rand.NewPCG(9, 9)) }

func TestAttentionGradCheck(t *testing.T) {
	for _, dropout := range []float64{0, 0.2} {
		rng := rand.New(rand.NewPCG(123, 0))
		d, T := 4, 3
		attn := NewAttention(d, 2, dropout, rng)
		attn.Wquery = randDense(d, d, 0.5, rng)
		attn.Wkey = randDense(d, d, 0.5, rng)
		attn.Wvalue = randDense(d, d, 0.5, rng)
		attn.Woutput = randDense(d, d, 0.5, rng)

		x := randDense(d, T, 1, rng)
		R := randDense(d, T, 1, rng)
		train := dropout > 0

		forward := func() float64 {
			return weightedSum(attn.Forward(x, train, fixedRNG()), R)
		}

		attn.Forward(x, train, fixedRNG())
		dX, dWq, dWk, dWv, dWo := attn.BackwardGradsOnly(R)

		checkAll(t, "Wquery", attn.Wquery, dWq, forward)
		checkAll(t, "Wkey", attn.Wkey, dWk, forward)
		checkAll(t, "Wvalue", attn.Wvalue, dWv, forward)
		checkAll(t, "Woutput", attn.Woutput, dWo, forward)
		checkAll(t, "X", x, dX, forward)
	}
}

func TestMLPGradCheck(t *testing.T) {
	for _, dropout := range []float64{0, 0.2} {
		rng := rand.New(rand.NewPCG(123, 1))
		d, T := 4, 3
		mlp := NewMLP(d, dropout, rng)
		mlp.HiddenWeights = randDense(4*d, d, 0.5, rng)
		mlp.HiddenBias = randDense(4*d, 1, 0.5, rng)
		mlp.OutputWeights = randDense(d, 4*d, 0.5, rng)
		mlp.OutputBias = randDense(d, 1, 0.5, rng)

		x := randDense(d, T, 1, rng)
		R := randDense(d, T, 1, rng)
		train := dropout > 0

		forward := func() float64 {
			return weightedSum(mlp.Forward(x, train, fixedRNG()), R)
		}

		mlp.Forward(x, train, fixedRNG())
		dX, dWhid, dbHid, dWout, dbOut := mlp.BackwardGradsOnly(R)

		checkAll(t, "hiddenWeights", mlp.HiddenWeights, dWhid, forward)
		checkAll(t, "hiddenBias", mlp.HiddenBias, dbHid, forward)
		checkAll(t, "outputWeights", mlp.OutputWeights, dWout, forward)
		checkAll(t, "outputBias", mlp.OutputBias, dbOut, forward)
		checkAll(t, "X", x, dX, forward)
	}
}

func TestBlockGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(123, 2))
	d, T := 4, 3
	block := NewBlock(d, 2, 0, rng)
	block.Attn.Wquery = randDense(d, d, 0.5, rng)
	block.Attn.Wkey = randDense(d, d, 0.5, rng)
	block.Attn.Wvalue = randDense(d, d, 0.5, rng)
	block.Attn.Woutput = randDense(d, d, 0.5, rng)
	block.Mlp.HiddenWeights = randDense(4*d, d, 0.5, rng)
	block.Mlp.OutputWeights = randDense(d, 4*d, 0.5, rng)
	block.Ln1.Gamma = randDense(d, 1, 1, rng)
	block.Ln2.Beta = randDense(d, 1, 1, rng)

	x := randDense(d, T, 1, rng)
	R := randDense(d, T, 1, rng)

	forward := func() float64 {
		return weightedSum(block.Forward(x, false, nil), R)
	}

	block.Forward(x, false, nil)
	dX := block.Backward(R)

	checkAll(t, "Block.Wquery", block.Attn.Wquery, block.Attn.GWq, forward)
	checkAll(t, "Block.Woutput", block.Attn.Woutput, block.Attn.GWo, forward)
	checkAll(t, "Block.hiddenWeights", block.Mlp.HiddenWeights, block.Mlp.GHiddenW, forward)
	checkAll(t, "Block.outputBias", block.Mlp.OutputBias, block.Mlp.GOutputB, forward)
	checkAll(t, "Block.ln1.gamma", block.Ln1.Gamma, block.Ln1.GGamma, forward)
	checkAll(t, "Block.ln2.beta", block.Ln2.Beta, block.Ln2.GBeta, forward)
	checkAll(t, "Block.X", x, dX, forward)
}

func tinyConfig() params.GPTConfig {
	return params.GPTConfig{
		VocabSize: params.VocabSize,
		BlockSize: 6,
		NLayer:    2,
		NHead:     2,
		NEmbd:     8,
		Dropout:   0,
	}
}

func newTinyGPT(t *testing.T, cfg params.GPTConfig, seed uint64) *GPT {
	t.Helper()
	g, err := NewGPT(cfg, rand.New(rand.NewPCG(seed, seed)))
	if err != nil {
		t.Fatalf("NewGPT: %v", err)
	}
	return g
}

func TestGPTGradCheck(t *testing.T) {
	g := newTinyGPT(t, tinyConfig(), 42)
	// larger weights so every gradient is well above finite-difference noise
	for _, p := range g.Parameters() {
		if !strings.Contains(p.Name, "ln") {
			p.W.Scale(20, p.W)
		}
	}

	x := [][]int{{1, 2, 3, 4, 5}, {7, 7, 2, 1, 0}}
	y := [][]int{{2, 3, 4, 5, 6}, {7, IgnoreIndex, 1, 0, 3}}

	loss := g.ForwardBackward(x, y)
	if got := g.Loss(x, y); math.Abs(got-loss) > 1e-12 {
		t.Fatalf("Loss = %v, ForwardBackward = %v", got, loss)
	}
	forward := func() float64 { return g.Loss(x, y) }

	for _, p := range g.Parameters() {
		r, c := p.W.Dims()
		finiteDiffCheck(t, p.Name, p.W, p.G, forward, 0, 0)
		finiteDiffCheck(t, p.Name, p.W, p.G, forward, r-1, c-1)
		finiteDiffCheck(t, p.Name, p.W, p.G, forward, r/2, c/2)
	}

	byName := map[string]int{}
	for i, p := range g.Parameters() {
		byName[p.Name] = i
	}
	tok := g.Parameters()[byName["tok_emb"]]
	finiteDiffCheck(t, "tok_emb", tok.W, tok.G, forward, 3, 7)
	finiteDiffCheck(t, "tok_emb", tok.W, tok.G, forward, 5, 2)
	pos := g.Parameters()[byName["pos_emb"]]
	finiteDiffCheck(t, "pos_emb", pos.W, pos.G, forward, 1, 4)
	head := g.Parameters()[byName["head"]]
	finiteDiffCheck(t, "head", head.W, head.G, forward, 6, 3)

	// ForwardBackward starts from zero grads every time
	before := mat.DenseCopyOf(head.G)
	g.ForwardBackward(x, y)
	if !mat.EqualApprox(before, head.G, 1e-12) {
		t.Fatal("gradients accumulated across ForwardBackward calls")
	}
}
