package IO

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTrainLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training_log.csv")
	l, err := CreateTrainLog(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(100, 2.5, 2.75, 1500*time.Millisecond, true); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(200, 2.0, 2.8, time.Second, false); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"step", "train_loss", "val_loss", "elapsed_seconds", "checkpoint"},
		{"100", "2.500000", "2.750000", "1.500", "true"},
		{"200", "2.000000", "2.800000", "1.000", "false"},
	}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i := range want {
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Fatalf("row %d col %d = %q, want %q", i, j, rows[i][j], want[i][j])
			}
		}
	}
}
