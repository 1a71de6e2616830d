package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// RunLog emits per-step scalar events (training loss, learning rate,
// gradient norm, validation loss) through structured logging, and
// optionally mirrors them to a JSONL file keyed by a run ID so separate
// runs can be told apart after the fact.
type RunLog struct {
	log   *slog.Logger
	runID string
	f     *os.File
	enc   *json.Encoder
}

type runEvent struct {
	Run      string    `json:"run"`
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	Step     int       `json:"step"`
	Loss     float64   `json:"loss,omitempty"`
	LR       float64   `json:"lr,omitempty"`
	GradNorm float64   `json:"grad_norm,omitempty"`
	Text     string    `json:"text,omitempty"`
}

// NewRunLog builds a run logger. jsonlPath may be empty to disable the file
// mirror; logger defaults to slog's default logger.
func NewRunLog(logger *slog.Logger, jsonlPath string) (*RunLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RunLog{log: logger, runID: uuid.NewString()}
	if jsonlPath != "" {
		f, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("runlog: %w", err)
		}
		rl.f = f
		rl.enc = json.NewEncoder(f)
	}
	return rl, nil
}

func (rl *RunLog) emit(ev runEvent) {
	if rl == nil || rl.enc == nil {
		return
	}
	ev.Run = rl.runID
	ev.Time = time.Now()
	if err := rl.enc.Encode(ev); err != nil {
		rl.log.Warn("runlog: dropping event", "err", err)
	}
}

// Step records one optimizer step.
func (rl *RunLog) Step(step int, loss, lr, gradNorm float32) {
	if rl == nil {
		return
	}
	rl.log.Info("train step", "step", step, "loss", loss, "lr", lr, "grad_norm", gradNorm)
	rl.emit(runEvent{Kind: "step", Step: step, Loss: float64(loss), LR: float64(lr), GradNorm: float64(gradNorm)})
}

// ValLoss records a periodic validation loss.
func (rl *RunLog) ValLoss(step int, loss float32) {
	if rl == nil {
		return
	}
	rl.log.Info("validation", "step", step, "val_loss", loss)
	rl.emit(runEvent{Kind: "val", Step: step, Loss: float64(loss)})
}

// Sample records generated sample text.
func (rl *RunLog) Sample(step int, text string) {
	if rl == nil {
		return
	}
	rl.log.Info("sample", "step", step, "text", text)
	rl.emit(runEvent{Kind: "sample", Step: step, Text: text})
}

// Close flushes the JSONL mirror.
func (rl *RunLog) Close() error {
	if rl == nil || rl.f == nil {
		return nil
	}
	return rl.f.Close()
}
