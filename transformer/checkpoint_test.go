package transformer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := tinyConfig()
	cfg.Dropout = 0.1
	g := newTinyGPT(t, cfg, 11)
	path := filepath.Join(t.TempDir(), "gpt_byte.gob")
	if err := g.Save(path, 42, 1.25); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ck, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if ck.Step != 42 || ck.BestLoss != 1.25 || ck.Config != cfg {
		t.Fatalf("metadata mismatch: step %d loss %v cfg %+v", ck.Step, ck.BestLoss, ck.Config)
	}
	loaded, err := ck.Model(1)
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if loaded.Training() {
		t.Fatal("restored model should start in inference mode")
	}

	g.SetTraining(false)
	idx := []int{104, 101, 108, 108, 111}
	want, _ := g.Forward(idx, nil)
	got, _ := loaded.Forward(idx, nil)
	if !mat.Equal(want, got) {
		t.Fatal("restored model produces different logits")
	}
}

func TestSaveIsDeterministicAndAtomic(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.gob")
	b := filepath.Join(dir, "b.gob")
	if err := newTinyGPT(t, tinyConfig(), 12).Save(a, 1, 2); err != nil {
		t.Fatal(err)
	}
	if err := newTinyGPT(t, tinyConfig(), 12).Save(b, 1, 2); err != nil {
		t.Fatal(err)
	}
	ab, _ := os.ReadFile(a)
	bb, _ := os.ReadFile(b)
	if len(ab) == 0 || !bytes.Equal(ab, bb) {
		t.Fatal("identical models wrote different checkpoint bytes")
	}

	// overwrite in place and make sure no temp files are left behind
	if err := newTinyGPT(t, tinyConfig(), 13).Save(a, 2, 1); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("directory holds %v, want only a.gob and b.gob", names)
	}
}

func TestSavedCheckpointIsWorldReadable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "gpt_byte.gob")
	if err := newTinyGPT(t, tinyConfig(), 14).Save(path, 1, 2); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o644 {
		t.Fatalf("checkpoint mode %v, want -rw-r--r--", fi.Mode().Perm())
	}
}

func TestLoadCheckpointRejectsOtherVersions(t *testing.T) {
	ck := newTinyGPT(t, tinyConfig(), 14).Checkpoint(0, 0)
	ck.Version = CheckpointVersion + 1
	path := filepath.Join(t.TempDir(), "future.gob")
	if err := SaveCheckpoint(ck, path); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(path); !errors.Is(err, ErrCheckpointVersion) {
		t.Fatalf("err = %v, want ErrCheckpointVersion", err)
	}
}

func TestLoadTensorsShapeMismatch(t *testing.T) {
	small := newTinyGPT(t, tinyConfig(), 15)
	cfg := tinyConfig()
	cfg.NEmbd = 16
	big := newTinyGPT(t, cfg, 15)
	if err := small.LoadTensors(big.Checkpoint(0, 0).Tensors); err == nil {
		t.Fatal("loading 16-wide tensors into an 8-wide model succeeded")
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.gob")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}
