package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/RockAfeller2013/mygpt/IO"
	"github.com/RockAfeller2013/mygpt/optimizations"
	"github.com/RockAfeller2013/mygpt/params"
	"github.com/RockAfeller2013/mygpt/transformer"
	"github.com/RockAfeller2013/mygpt/utils"
)

var (
	// ErrNonFiniteLoss aborts a run whose loss became NaN or Inf.
	ErrNonFiniteLoss = errors.New("non-finite loss")
	// ErrNonFiniteGrad aborts a run whose loss is finite but whose gradients are not.
	ErrNonFiniteGrad = errors.New("non-finite gradient")
)

const (
	CheckpointName = "gpt_byte.gob"
	LogName        = "training_log.csv"
)

// Trainer owns one model, its optimizer and the single RNG that drives
// batching, dropout and the final sample.
type Trainer struct {
	Model *transformer.GPT
	Opt   *optimizations.AdamW
	Data  *IO.Dataset

	gcfg params.GPTConfig
	tcfg params.TrainingConfig
	rng  *rand.Rand

	out          io.Writer
	onCheckpoint func(step int, loss float64)

	step     int
	bestLoss float64
	grads    []*mat.Dense
}

type Option func(*Trainer)

// WithOutput sends progress lines and the final sample to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(t *Trainer) { t.out = w }
}

// WithCheckpointHook is called after every checkpoint is written.
func WithCheckpointHook(fn func(step int, loss float64)) Option {
	return func(t *Trainer) { t.onCheckpoint = fn }
}

// Result summarises a finished run.
type Result struct {
	Steps            int
	FinalTrainLoss   float64
	FinalValLoss     float64
	BestLoss         float64
	ValLosses        []float64 // val loss at each evaluation, in order
	CheckpointLosses []float64 // val loss at each checkpoint, in order
	CheckpointPath   string
	Sample           string
}

func New(gcfg params.GPTConfig, tcfg params.TrainingConfig, data *IO.Dataset, opts ...Option) (*Trainer, error) {
	if err := gcfg.Validate(); err != nil {
		return nil, err
	}
	if err := tcfg.Validate(); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.New("train: nil dataset")
	}
	if data.BlockSize() != gcfg.BlockSize {
		return nil, fmt.Errorf("%w: dataset block size %d does not match model block_size %d",
			params.ErrInvalidConfig, data.BlockSize(), gcfg.BlockSize)
	}
	if err := os.MkdirAll(tcfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	rng := rand.New(rand.NewPCG(tcfg.Seed, tcfg.Seed))
	model, err := transformer.NewGPT(gcfg, rng)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		Model:    model,
		Data:     data,
		gcfg:     gcfg,
		tcfg:     tcfg,
		rng:      rng,
		out:      os.Stdout,
		bestLoss: math.Inf(1),
	}
	for _, p := range model.Parameters() {
		t.grads = append(t.grads, p.G)
	}
	t.Opt = optimizations.NewAdamW(model.Parameters(),
		tcfg.AdamBeta1, tcfg.AdamBeta2, tcfg.AdamEps, tcfg.WeightDecay)
	for _, o := range opts {
		o(t)
	}
	utils.Debugf("model: %d parameters, %d layers, %d heads, width %d, block %d",
		model.NumParams(), gcfg.NLayer, gcfg.NHead, gcfg.NEmbd, gcfg.BlockSize)
	return t, nil
}

// StepCount is how many optimizer steps have been taken.
func (t *Trainer) StepCount() int { return t.step }

func (t *Trainer) BestLoss() float64 { return t.bestLoss }

func (t *Trainer) CheckpointPath() string {
	return filepath.Join(t.tcfg.OutDir, CheckpointName)
}

// Step draws a fresh batch and takes one clipped AdamW step on it.
// Returns the batch training loss.
func (t *Trainer) Step() (float64, error) {
	t.Model.SetTraining(true)
	x, y := t.Data.GetBatch(t.rng, t.tcfg.BatchSize)
	loss := t.Model.ForwardBackward(x, y)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, fmt.Errorf("%w at step %d: train loss %v", ErrNonFiniteLoss, t.step+1, loss)
	}
	if err := t.checkGrads(); err != nil {
		return loss, err
	}

	gn := utils.ClipGrads(t.tcfg.GradClip, t.grads...)
	lr := optimizations.LRSchedule(t.step+1, t.tcfg.LR, t.tcfg.WarmupSteps, t.tcfg.Steps, t.tcfg.Cosine)
	t.Opt.Step(t.Model.Parameters(), lr)
	t.step++
	utils.Debugf("step %d loss %.4f grad_norm %.4f lr %.3g", t.step, loss, gn, lr)
	return loss, nil
}

func (t *Trainer) checkGrads() error {
	for _, p := range t.Model.Parameters() {
		if !utils.AllFinite(p.G) {
			return fmt.Errorf("%w at step %d: %s", ErrNonFiniteGrad, t.step+1, p.Name)
		}
	}
	return nil
}

// Evaluate measures the loss on one fresh batch with dropout off.
// Parameters and gradients are not touched.
func (t *Trainer) Evaluate() (float64, error) {
	was := t.Model.Training()
	t.Model.SetTraining(false)
	defer t.Model.SetTraining(was)

	x, y := t.Data.GetBatch(t.rng, t.tcfg.BatchSize)
	loss := t.Model.Loss(x, y)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, fmt.Errorf("%w at step %d: val loss %v", ErrNonFiniteLoss, t.step, loss)
	}
	return loss, nil
}

func (t *Trainer) shouldEval() bool {
	return t.step%t.tcfg.EvalEvery == 0 || t.step == t.tcfg.Steps
}

// Run trains until the configured number of steps, evaluating every
// EvalEvery steps and at the last step. A checkpoint is written only when the
// validation loss strictly improves on every earlier one. The run ends by
// printing a sample grown from one random byte.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	trainLog, err := IO.CreateTrainLog(filepath.Join(t.tcfg.OutDir, LogName))
	if err != nil {
		return nil, err
	}
	defer trainLog.Close()

	res := &Result{CheckpointPath: t.CheckpointPath()}
	t0 := time.Now()
	for t.step < t.tcfg.Steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		loss, err := t.Step()
		if err != nil {
			return res, err
		}
		res.Steps = t.step
		res.FinalTrainLoss = loss

		if !t.shouldEval() {
			continue
		}
		vloss, err := t.Evaluate()
		if err != nil {
			return res, err
		}
		res.FinalValLoss = vloss
		res.ValLosses = append(res.ValLosses, vloss)

		elapsed := time.Since(t0)
		fmt.Fprintf(t.out, "step %d/%d | train_loss %.4f | val_loss %.4f | elapsed %.1fs\n",
			t.step, t.tcfg.Steps, loss, vloss, elapsed.Seconds())
		t0 = time.Now()

		improved, err := t.checkpointIfBetter(res, vloss)
		if err != nil {
			return res, err
		}
		if err := trainLog.Record(t.step, loss, vloss, elapsed, improved); err != nil {
			return res, err
		}
	}
	res.BestLoss = t.bestLoss

	sample, err := t.Sample()
	if err != nil {
		return res, err
	}
	res.Sample = sample
	fmt.Fprintln(t.out, sample)
	return res, trainLog.Close()
}

// checkpointIfBetter writes a checkpoint when vloss is strictly below every
// earlier validation loss. A tie keeps the older checkpoint.
func (t *Trainer) checkpointIfBetter(res *Result, vloss float64) (bool, error) {
	if !(vloss < t.bestLoss) {
		return false, nil
	}
	t.bestLoss = vloss
	if err := t.Model.Save(res.CheckpointPath, t.step, vloss); err != nil {
		return false, fmt.Errorf("save checkpoint at step %d: %w", t.step, err)
	}
	res.CheckpointLosses = append(res.CheckpointLosses, vloss)
	utils.Debugf("checkpoint written to %s (val_loss %.4f)", res.CheckpointPath, vloss)
	if t.onCheckpoint != nil {
		t.onCheckpoint(t.step, vloss)
	}
	return true, nil
}

// Sample grows SampleLen bytes from one uniformly random start byte and
// decodes the result.
func (t *Trainer) Sample() (string, error) {
	start := []int{t.rng.IntN(params.VocabSize)}
	opts := transformer.SampleOptions{Temperature: t.tcfg.Temperature, TopK: t.tcfg.TopK}
	ids, err := t.Model.Generate(start, t.tcfg.SampleLen, opts, t.rng)
	if err != nil {
		return "", err
	}
	return IO.ByteTokenizer{}.Decode(ids), nil
}
