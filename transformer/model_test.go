package transformer

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/RockAfeller2013/mygpt/params"
)

func TestNewGPTRejectsBadConfig(t *testing.T) {
	cfg := tinyConfig()
	cfg.NEmbd, cfg.NHead = 10, 3
	if _, err := NewGPT(cfg, fixedRNG()); !errors.Is(err, params.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestParametersLayout(t *testing.T) {
	cfg := tinyConfig()
	g := newTinyGPT(t, cfg, 1)
	ps := g.Parameters()
	if ps[0].Name != "tok_emb" || ps[1].Name != "pos_emb" || ps[len(ps)-1].Name != "head" {
		t.Fatalf("unexpected order: first %q, %q; last %q", ps[0].Name, ps[1].Name, ps[len(ps)-1].Name)
	}
	seen := map[string]bool{}
	for _, p := range ps {
		if seen[p.Name] {
			t.Fatalf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
		wr, wc := p.W.Dims()
		gr, gc := p.G.Dims()
		if wr != gr || wc != gc {
			t.Fatalf("%s: weight %dx%d, grad %dx%d", p.Name, wr, wc, gr, gc)
		}
	}
	if g.NumParams() != cfg.NumParams() {
		t.Fatalf("NumParams = %d, config says %d", g.NumParams(), cfg.NumParams())
	}
}

func TestInitialLossNearUniform(t *testing.T) {
	g := newTinyGPT(t, tinyConfig(), 3)
	_, loss := g.Forward([]int{10, 20, 30, 40}, []int{20, 30, 40, 50})
	if math.Abs(loss-math.Log(256)) > 0.1 {
		t.Fatalf("initial loss %v, want about ln(256) = %v", loss, math.Log(256))
	}
}

func TestForwardShapesAndIgnoredTargets(t *testing.T) {
	g := newTinyGPT(t, tinyConfig(), 4)
	logits, loss := g.Forward([]int{1, 2, 3}, nil)
	if r, c := logits.Dims(); r != params.VocabSize || c != 3 {
		t.Fatalf("logits are %dx%d", r, c)
	}
	if loss != 0 {
		t.Fatalf("loss without targets = %v", loss)
	}
	_, loss = g.Forward([]int{1, 2, 3}, []int{IgnoreIndex, IgnoreIndex, IgnoreIndex})
	if loss != 0 {
		t.Fatalf("loss with every target ignored = %v", loss)
	}
}

func TestForwardRejectsLongWindow(t *testing.T) {
	g := newTinyGPT(t, tinyConfig(), 5)
	defer func() {
		if recover() == nil {
			t.Fatal("window longer than block size did not panic")
		}
	}()
	g.Forward(make([]int, g.Config.BlockSize+1), nil)
}

func TestCausality(t *testing.T) {
	cfg := tinyConfig()
	g := newTinyGPT(t, cfg, 6)
	g.SetTraining(false)

	idx := []int{65, 66, 67, 68, 69, 70}
	base, _ := g.Forward(idx, nil)
	base = mat.DenseCopyOf(base)

	for j := 1; j < len(idx); j++ {
		changed := append([]int(nil), idx...)
		changed[j] = 200
		logits, _ := g.Forward(changed, nil)
		for i := 0; i < j; i++ {
			for v := 0; v < params.VocabSize; v++ {
				if math.Abs(logits.At(v, i)-base.At(v, i)) > 1e-12 {
					t.Fatalf("changing position %d moved the logits of position %d", j, i)
				}
			}
		}
		if mat.EqualApprox(logits.Slice(0, params.VocabSize, j, j+1), base.Slice(0, params.VocabSize, j, j+1), 1e-12) {
			t.Fatalf("changing position %d left its own logits unchanged", j)
		}
	}
}

func TestDropoutOnlyWhileTraining(t *testing.T) {
	cfg := tinyConfig()
	cfg.Dropout = 0.5
	g := newTinyGPT(t, cfg, 7)
	idx := []int{1, 2, 3, 4}

	g.SetTraining(false)
	a, _ := g.Forward(idx, nil)
	a = mat.DenseCopyOf(a)
	b, _ := g.Forward(idx, nil)
	if !mat.Equal(a, b) {
		t.Fatal("inference forward is not deterministic")
	}

	g.SetTraining(true)
	c, _ := g.Forward(idx, nil)
	if mat.Equal(a, c) {
		t.Fatal("training forward with dropout 0.5 matched inference")
	}
}

func TestLossLeavesGradientsAlone(t *testing.T) {
	g := newTinyGPT(t, tinyConfig(), 8)
	x := [][]int{{1, 2, 3}}
	y := [][]int{{2, 3, 4}}
	g.ForwardBackward(x, y)
	head := g.Parameters()[len(g.Parameters())-1]
	before := mat.DenseCopyOf(head.G)
	g.Loss(x, y)
	if !mat.Equal(before, head.G) {
		t.Fatal("Loss changed the gradients")
	}
}

func TestNextByteProbs(t *testing.T) {
	g := newTinyGPT(t, tinyConfig(), 9)
	g.SetTraining(true)
	long := make([]int, 3*g.Config.BlockSize)
	probs := g.NextByteProbs(long)
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if len(probs) != params.VocabSize || math.Abs(sum-1) > 1e-9 {
		t.Fatalf("got %d probabilities summing to %v", len(probs), sum)
	}
	if !g.Training() {
		t.Fatal("NextByteProbs did not restore training mode")
	}
}

func TestForwardBackwardWorkersAgree(t *testing.T) {
	cfg := tinyConfig()
	cfg.Dropout = 0.2
	serial := newTinyGPT(t, cfg, 10)
	serial.Workers = 1
	parallel := newTinyGPT(t, cfg, 10)
	parallel.Workers = 3

	x := [][]int{{1, 2, 3}, {4, 5, 6, 7}, {8, 9}, {10, 11, 12, 13, 14}, {15}}
	y := [][]int{{2, 3, 4}, {5, 6, 7, 8}, {9, 10}, {11, 12, 13, 14, 15}, {16}}

	ls := serial.ForwardBackward(x, y)
	lp := parallel.ForwardBackward(x, y)
	if ls != lp {
		t.Fatalf("loss with 1 worker %v, with 3 workers %v", ls, lp)
	}
	for i, p := range serial.Parameters() {
		if !mat.Equal(p.G, parallel.Parameters()[i].G) {
			t.Fatalf("%s gradients differ between 1 and 3 workers", p.Name)
		}
	}
}
