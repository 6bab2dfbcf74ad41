package transformer

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/RockAfeller2013/mygpt/params"
)

// CheckpointVersion is bumped whenever the gob layout changes.
const CheckpointVersion = 1

// ErrCheckpointVersion means the file was written by an incompatible build.
var ErrCheckpointVersion = errors.New("unsupported checkpoint version")

// Tensor is one named parameter, row-major.
type Tensor struct {
	Name       string
	Rows, Cols int
	Data       []float64
}

// Checkpoint is what gets persisted: the weights plus the exact shape needed
// to rebuild the model. It carries no wall-clock data so two identical runs
// write identical bytes.
type Checkpoint struct {
	Version  int
	Step     int
	BestLoss float64
	Config   params.GPTConfig
	Tensors  []Tensor
}

// Checkpoint snapshots the current weights.
func (g *GPT) Checkpoint(step int, loss float64) *Checkpoint {
	ck := &Checkpoint{
		Version:  CheckpointVersion,
		Step:     step,
		BestLoss: loss,
		Config:   g.Config,
		Tensors:  make([]Tensor, len(g.params)),
	}
	for i, p := range g.params {
		r, c := p.W.Dims()
		raw := mat.DenseCopyOf(p.W).RawMatrix()
		ck.Tensors[i] = Tensor{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), raw.Data...),
		}
	}
	return ck
}

// Save writes a checkpoint of g to filename, replacing any previous file.
func (g *GPT) Save(filename string, step int, loss float64) error {
	return SaveCheckpoint(g.Checkpoint(step, loss), filename)
}

// SaveCheckpoint gob-encodes ck into a temp file next to filename and renames
// it into place, so readers only ever see a complete checkpoint.
func SaveCheckpoint(ck *Checkpoint, filename string) (err error) {
	dir := filepath.Dir(filename)
	f, err := os.CreateTemp(dir, "."+filepath.Base(filename)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(f)
	if err = gob.NewEncoder(w).Encode(ck); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err = f.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod checkpoint: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err = os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads and validates a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(filename string) (*Checkpoint, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ck := &Checkpoint{}
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", filename, err)
	}
	if ck.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrCheckpointVersion, filename, ck.Version, CheckpointVersion)
	}
	if err := ck.Config.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", filename, err)
	}
	return ck, nil
}

// Model rebuilds the GPT described by the checkpoint. The model starts in
// inference mode; its dropout RNG is seeded with seed.
func (ck *Checkpoint) Model(seed uint64) (*GPT, error) {
	g, err := NewGPT(ck.Config, rand.New(rand.NewPCG(seed, seed)))
	if err != nil {
		return nil, err
	}
	if err := g.LoadTensors(ck.Tensors); err != nil {
		return nil, err
	}
	g.SetTraining(false)
	return g, nil
}

// LoadTensors copies saved weights into g. Names and shapes must match exactly.
func (g *GPT) LoadTensors(tensors []Tensor) error {
	if len(tensors) != len(g.params) {
		return fmt.Errorf("LoadTensors: tensor count mismatch (have %d, file %d)", len(g.params), len(tensors))
	}
	for i, p := range g.params {
		t := tensors[i]
		r, c := p.W.Dims()
		if t.Name != p.Name {
			return fmt.Errorf("LoadTensors: tensor %d is %q, want %q", i, t.Name, p.Name)
		}
		if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
			return fmt.Errorf("LoadTensors: %s shape mismatch (have %dx%d, file %dx%d)", p.Name, r, c, t.Rows, t.Cols)
		}
		p.W.Copy(mat.NewDense(r, c, t.Data))
	}
	return nil
}
