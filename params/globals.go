package params

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// VocabSize is fixed: one id per byte value.
const VocabSize = 256

// GPTConfig is the model shape. It is stored verbatim in every checkpoint.
type GPTConfig struct {
	VocabSize int     // |V|, always 256
	BlockSize int     // context length in bytes
	NLayer    int     // how many times attn --> mlp happens
	NHead     int     // attention heads
	NEmbd     int     // model width, dHead = NEmbd/NHead
	Dropout   float64 // dropout rate used while training
}

// TrainingConfig holds everything about one run that is not model shape.
type TrainingConfig struct {
	DataPath string
	OutDir   string
	Device   Device
	Seed     uint64

	Steps     int // total optimizer steps
	BatchSize int // windows per step
	EvalEvery int // evaluate (and maybe checkpoint) every N steps

	// Optimization
	LR          float64
	AdamBeta1   float64
	AdamBeta2   float64
	AdamEps     float64
	WeightDecay float64 // decoupled, AdamW-style
	GradClip    float64 // max global norm, <=0 disables
	WarmupSteps int     // linear warmup steps (0 = none)
	Cosine      bool    // cosine decay to 10% of LR after warmup

	// Final sample printed at the end of the run
	SampleLen   int
	Temperature float64
	TopK        int

	Debug bool
}

func DefaultGPTConfig() GPTConfig {
	return GPTConfig{
		VocabSize: VocabSize,
		BlockSize: 256,
		NLayer:    8,
		NHead:     8,
		NEmbd:     512,
		Dropout:   0.1,
	}
}

func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		OutDir:    "out",
		Device:    DeviceCUDA,
		Seed:      1337,
		Steps:     2000,
		BatchSize: 32,
		EvalEvery: 100,

		LR:          3e-4,
		AdamBeta1:   0.9,
		AdamBeta2:   0.95,
		AdamEps:     1e-8,
		WeightDecay: 0.1,
		GradClip:    1.0,

		SampleLen:   400,
		Temperature: 1.0,
		TopK:        200,
	}
}

// NumParams counts the learned scalars of a model with this shape.
func (c GPTConfig) NumParams() int {
	d := c.NEmbd
	emb := c.VocabSize*d + c.BlockSize*d
	attn := 4 * d * d
	mlp := 4*d*d + 4*d + 4*d*d + d
	norms := 4 * d
	perLayer := attn + mlp + norms
	return emb + perLayer*c.NLayer + 2*d + c.VocabSize*d
}

func (c GPTConfig) Validate() error {
	var problems []string
	if c.VocabSize != VocabSize {
		problems = append(problems, fmt.Sprintf("vocab_size must be %d, got %d", VocabSize, c.VocabSize))
	}
	if c.BlockSize < 1 {
		problems = append(problems, fmt.Sprintf("block_size must be >= 1, got %d", c.BlockSize))
	}
	if c.NLayer < 1 {
		problems = append(problems, fmt.Sprintf("n_layer must be >= 1, got %d", c.NLayer))
	}
	if c.NHead < 1 {
		problems = append(problems, fmt.Sprintf("n_head must be >= 1, got %d", c.NHead))
	}
	if c.NEmbd < 1 {
		problems = append(problems, fmt.Sprintf("n_embd must be >= 1, got %d", c.NEmbd))
	}
	if c.NHead >= 1 && c.NEmbd >= 1 && c.NEmbd%c.NHead != 0 {
		problems = append(problems, fmt.Sprintf("n_embd (%d) must be divisible by n_head (%d)", c.NEmbd, c.NHead))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		problems = append(problems, fmt.Sprintf("dropout must be in [0, 1), got %g", c.Dropout))
	}
	return joinProblems(problems)
}

func (c TrainingConfig) Validate() error {
	var problems []string
	if c.DataPath == "" {
		problems = append(problems, "data path is required")
	}
	if c.OutDir == "" {
		problems = append(problems, "output directory is required")
	}
	if _, err := ParseDevice(string(c.Device)); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Steps < 1 {
		problems = append(problems, fmt.Sprintf("steps must be >= 1, got %d", c.Steps))
	}
	if c.BatchSize < 1 {
		problems = append(problems, fmt.Sprintf("batch must be >= 1, got %d", c.BatchSize))
	}
	if c.EvalEvery < 1 {
		problems = append(problems, fmt.Sprintf("eval_every must be >= 1, got %d", c.EvalEvery))
	}
	if !(c.LR > 0) {
		problems = append(problems, fmt.Sprintf("lr must be > 0, got %g", c.LR))
	}
	if c.AdamBeta1 < 0 || c.AdamBeta1 >= 1 {
		problems = append(problems, fmt.Sprintf("adam beta1 must be in [0, 1), got %g", c.AdamBeta1))
	}
	if c.AdamBeta2 < 0 || c.AdamBeta2 >= 1 {
		problems = append(problems, fmt.Sprintf("adam beta2 must be in [0, 1), got %g", c.AdamBeta2))
	}
	if c.AdamEps <= 0 {
		problems = append(problems, fmt.Sprintf("adam eps must be > 0, got %g", c.AdamEps))
	}
	if c.WeightDecay < 0 {
		problems = append(problems, fmt.Sprintf("weight decay must be >= 0, got %g", c.WeightDecay))
	}
	if c.WarmupSteps < 0 {
		problems = append(problems, fmt.Sprintf("warmup must be >= 0, got %d", c.WarmupSteps))
	}
	if c.SampleLen < 0 {
		problems = append(problems, fmt.Sprintf("sample_len must be >= 0, got %d", c.SampleLen))
	}
	if c.Temperature < 0 {
		problems = append(problems, fmt.Sprintf("temperature must be >= 0, got %g", c.Temperature))
	}
	return joinProblems(problems)
}

func joinProblems(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}
