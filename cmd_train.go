package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/RockAfeller2013/mygpt/IO"
	"github.com/RockAfeller2013/mygpt/params"
	"github.com/RockAfeller2013/mygpt/train"
	"github.com/RockAfeller2013/mygpt/utils"
)

func newTrainCmd() *cobra.Command {
	gcfg := params.DefaultGPTConfig()
	tcfg := params.DefaultTrainingConfig()
	device := tcfg.Device.String()

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on --data and checkpoint the best validation loss",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			utils.DebugEnabled = tcfg.Debug
			dev, err := params.ParseDevice(device)
			if err != nil {
				return fmt.Errorf("%w: %v", params.ErrInvalidConfig, err)
			}
			tcfg.Device = resolveDevice(dev)
			return runTrain(cmd.Context(), cmd.OutOrStdout(), gcfg, tcfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&tcfg.DataPath, "data", "", "training text, read as raw bytes (required)")
	f.StringVar(&tcfg.OutDir, "out", tcfg.OutDir, "directory for the checkpoint and training log")
	f.IntVar(&tcfg.Steps, "steps", tcfg.Steps, "optimizer steps")
	f.IntVar(&tcfg.BatchSize, "batch", tcfg.BatchSize, "windows per step")
	f.IntVar(&gcfg.BlockSize, "block", gcfg.BlockSize, "context length in bytes")
	f.IntVar(&gcfg.NLayer, "layers", gcfg.NLayer, "transformer blocks")
	f.IntVar(&gcfg.NHead, "heads", gcfg.NHead, "attention heads per block")
	f.IntVar(&gcfg.NEmbd, "emb", gcfg.NEmbd, "model width (divisible by --heads)")
	f.Float64Var(&tcfg.LR, "lr", tcfg.LR, "peak learning rate")
	f.Float64Var(&gcfg.Dropout, "dropout", gcfg.Dropout, "dropout rate while training")
	f.IntVar(&tcfg.EvalEvery, "eval_every", tcfg.EvalEvery, "evaluate every N steps")
	f.StringVar(&device, "device", device, "cuda, cpu or mps")
	f.Uint64Var(&tcfg.Seed, "seed", tcfg.Seed, "seed for init, batching, dropout and sampling")
	f.IntVar(&tcfg.WarmupSteps, "warmup", tcfg.WarmupSteps, "linear learning-rate warmup steps")
	f.BoolVar(&tcfg.Cosine, "cosine", tcfg.Cosine, "cosine-decay the learning rate after warmup")
	f.IntVar(&tcfg.SampleLen, "sample_len", tcfg.SampleLen, "bytes to sample after training")
	f.Float64Var(&tcfg.Temperature, "temperature", tcfg.Temperature, "sampling temperature")
	f.IntVar(&tcfg.TopK, "top_k", tcfg.TopK, "sample only from the K most likely bytes (0 = all)")
	f.BoolVar(&tcfg.Debug, "debug", tcfg.Debug, "log per-step diagnostics")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// runTrain validates everything before touching the corpus, so a bad flag
// never costs a file read.
func runTrain(ctx context.Context, out io.Writer, gcfg params.GPTConfig, tcfg params.TrainingConfig) error {
	if err := gcfg.Validate(); err != nil {
		return err
	}
	if err := tcfg.Validate(); err != nil {
		return err
	}
	ds, err := IO.LoadDataset(tcfg.DataPath, gcfg.BlockSize)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "data: %d bytes | params: %d | device: %s\n", ds.Len(), gcfg.NumParams(), tcfg.Device)

	tr, err := train.New(gcfg, tcfg, ds, train.WithOutput(out))
	if err != nil {
		return err
	}
	res, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	plotLosses(out, res.ValLosses)
	fmt.Fprintf(out, "best val_loss %.4f, checkpoint %s\n", res.BestLoss, res.CheckpointPath)
	return nil
}
