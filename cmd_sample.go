package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/RockAfeller2013/mygpt/IO"
	"github.com/RockAfeller2013/mygpt/params"
	"github.com/RockAfeller2013/mygpt/train"
	"github.com/RockAfeller2013/mygpt/transformer"
	"github.com/RockAfeller2013/mygpt/utils"
)

type sampleFlags struct {
	ckpt   string
	prompt string
	n      int
	seed   uint64
	opts   transformer.SampleOptions
	debug  bool
}

func newSampleCmd() *cobra.Command {
	sf := sampleFlags{
		ckpt: filepath.Join(params.DefaultTrainingConfig().OutDir, train.CheckpointName),
		n:    params.DefaultTrainingConfig().SampleLen,
		seed: params.DefaultTrainingConfig().Seed,
		opts: transformer.DefaultSampleOptions(),
	}
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate text from a saved checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			utils.DebugEnabled = sf.debug
			return runSample(cmd.OutOrStdout(), sf)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.ckpt, "ckpt", sf.ckpt, "checkpoint written by train")
	f.StringVar(&sf.prompt, "prompt", "", "text to continue (empty: one random byte)")
	f.IntVar(&sf.n, "n", sf.n, "bytes to generate")
	f.Float64Var(&sf.opts.Temperature, "temperature", sf.opts.Temperature, "sampling temperature")
	f.IntVar(&sf.opts.TopK, "top_k", sf.opts.TopK, "sample only from the K most likely bytes (0 = all)")
	f.Uint64Var(&sf.seed, "seed", sf.seed, "sampling seed")
	f.BoolVar(&sf.debug, "debug", false, "log checkpoint details")
	return cmd
}

func runSample(out io.Writer, sf sampleFlags) error {
	if sf.n < 0 {
		return fmt.Errorf("%w: n must be >= 0, got %d", params.ErrInvalidConfig, sf.n)
	}
	if sf.opts.Temperature < 0 {
		return fmt.Errorf("%w: temperature must be >= 0, got %g", params.ErrInvalidConfig, sf.opts.Temperature)
	}
	ck, err := transformer.LoadCheckpoint(sf.ckpt)
	if err != nil {
		return err
	}
	utils.Debugf("loaded %s: step %d, val_loss %.4f, %+v", sf.ckpt, ck.Step, ck.BestLoss, ck.Config)
	model, err := ck.Model(sf.seed)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(sf.seed, sf.seed))
	tok := IO.ByteTokenizer{}
	seed := tok.Encode(sf.prompt)
	if len(seed) == 0 {
		seed = []int{rng.IntN(params.VocabSize)}
	}
	ids, err := model.Generate(seed, sf.n, sf.opts, rng)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, tok.Decode(ids))
	return err
}
