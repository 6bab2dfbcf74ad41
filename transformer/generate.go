package transformer

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/RockAfeller2013/mygpt/utils"
)

// ErrEmptySeed is returned when asked to extend an empty sequence.
var ErrEmptySeed = errors.New("sampling needs at least one seed byte")

// minTemperature keeps the logit scaling finite for temperature 0.
const minTemperature = 1e-6

// SampleOptions controls how the next byte is drawn.
type SampleOptions struct {
	Temperature float64 // logits are divided by max(Temperature, 1e-6)
	TopK        int     // keep only the K most likely bytes; <= 0 keeps all
}

func DefaultSampleOptions() SampleOptions {
	return SampleOptions{Temperature: 1.0, TopK: 200}
}

// Stream yields the seed followed by n sampled ids. Each new id is drawn from
// the model's prediction for the last BlockSize ids so far. The returned
// sequence can be ranged once; later ranges yield nothing.
func (g *GPT) Stream(seed []int, n int, opts SampleOptions, rng *rand.Rand) (iter.Seq[int], error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot sample %d bytes", n)
	}
	if len(seed) == 0 && n > 0 {
		return nil, ErrEmptySeed
	}
	for i, id := range seed {
		if id < 0 || id >= g.Config.VocabSize {
			return nil, fmt.Errorf("seed id %d at position %d is outside the vocabulary", id, i)
		}
	}
	seq := slices.Clone(seed)
	used := false

	return func(yield func(int) bool) {
		if used {
			return
		}
		used = true
		for _, id := range seq {
			if !yield(id) {
				return
			}
		}
		for i := 0; i < n; i++ {
			next := g.sampleNext(seq, opts, rng)
			seq = append(seq, next)
			if !yield(next) {
				return
			}
		}
	}, nil
}

// Generate returns seed followed by n sampled ids. n == 0 returns a copy of seed.
func (g *GPT) Generate(seed []int, n int, opts SampleOptions, rng *rand.Rand) ([]int, error) {
	stream, err := g.Stream(seed, n, opts, rng)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(seed)+n)
	for id := range stream {
		out = append(out, id)
	}
	return out, nil
}

func (g *GPT) sampleNext(seq []int, opts SampleOptions, rng *rand.Rand) int {
	was := g.training
	g.training = false
	defer func() { g.training = was }()

	context := seq
	if len(context) > g.Config.BlockSize {
		context = context[len(context)-g.Config.BlockSize:]
	}
	logits := utils.LastCol(g.forward(context, nil))
	probs := SampleDistribution(logits, opts)
	return int(distuv.NewCategorical(probs, rng).Rand())
}

// SampleDistribution turns last-position logits into the distribution the
// sampler draws from: temperature scaling, then top-k truncation.
func SampleDistribution(logits []float64, opts SampleOptions) []float64 {
	scaled := make([]float64, len(logits))
	inv := 1.0 / math.Max(opts.Temperature, minTemperature)
	for i, v := range logits {
		scaled[i] = v * inv
	}
	if k := opts.TopK; k > 0 && k < len(scaled) {
		sorted := slices.Clone(scaled)
		sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
		kth := sorted[k-1]
		for i, v := range scaled {
			if v < kth {
				scaled[i] = math.Inf(-1)
			}
		}
	}
	return utils.Softmax(scaled)
}
