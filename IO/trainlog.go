package IO

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// TrainLog appends one CSV row per evaluation.
type TrainLog struct {
	f *os.File
	w *csv.Writer
}

var trainLogHeader = []string{"step", "train_loss", "val_loss", "elapsed_seconds", "checkpoint"}

// CreateTrainLog creates or truncates path and writes the header row.
func CreateTrainLog(path string) (*TrainLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create training log: %w", err)
	}
	l := &TrainLog{f: f, w: csv.NewWriter(f)}
	if err := l.write(trainLogHeader); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *TrainLog) Record(step int, trainLoss, valLoss float64, elapsed time.Duration, checkpoint bool) error {
	return l.write([]string{
		strconv.Itoa(step),
		strconv.FormatFloat(trainLoss, 'f', 6, 64),
		strconv.FormatFloat(valLoss, 'f', 6, 64),
		strconv.FormatFloat(elapsed.Seconds(), 'f', 3, 64),
		strconv.FormatBool(checkpoint),
	})
}

func (l *TrainLog) write(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("write training log: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the file. Closing twice is a no-op.
func (l *TrainLog) Close() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
