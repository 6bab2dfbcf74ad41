package IO

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
)

// ErrCorpusTooShort means the corpus cannot hold one window plus its lookahead byte.
var ErrCorpusTooShort = errors.New("corpus too short")

// Dataset holds the whole training corpus in memory and cuts random
// (input, next-byte target) windows from it.
type Dataset struct {
	data      []byte
	blockSize int
}

// LoadDataset reads path as an opaque byte blob.
func LoadDataset(path string, blockSize int) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read training data: %w", err)
	}
	ds, err := NewDataset(data, blockSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// NewDataset wraps data without copying it; callers must not modify it afterwards.
func NewDataset(data []byte, blockSize int) (*Dataset, error) {
	if blockSize < 1 {
		return nil, fmt.Errorf("block size must be >= 1, got %d", blockSize)
	}
	if len(data) < blockSize+1 {
		return nil, fmt.Errorf("%w: %d bytes, need at least block size + 1 = %d",
			ErrCorpusTooShort, len(data), blockSize+1)
	}
	return &Dataset{data: data, blockSize: blockSize}, nil
}

func (ds *Dataset) Len() int       { return len(ds.data) }
func (ds *Dataset) BlockSize() int { return ds.blockSize }

// NumOffsets is how many distinct windows exist.
func (ds *Dataset) NumOffsets() int { return len(ds.data) - ds.blockSize }

// Window returns the input window starting at off and its targets, which are
// the same bytes shifted by one.
func (ds *Dataset) Window(off int) (x, y []int) {
	if off < 0 || off >= ds.NumOffsets() {
		panic(fmt.Sprintf("Dataset.Window: offset %d outside [0, %d)", off, ds.NumOffsets()))
	}
	x = make([]int, ds.blockSize)
	y = make([]int, ds.blockSize)
	for t := 0; t < ds.blockSize; t++ {
		x[t] = int(ds.data[off+t])
		y[t] = int(ds.data[off+t+1])
	}
	return x, y
}

// GetBatch draws batchSize windows at uniformly random offsets, with replacement.
func (ds *Dataset) GetBatch(rng *rand.Rand, batchSize int) (x, y [][]int) {
	x = make([][]int, batchSize)
	y = make([][]int, batchSize)
	for b := range x {
		x[b], y[b] = ds.Window(rng.IntN(ds.NumOffsets()))
	}
	return x, y
}
