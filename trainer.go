package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// ===========================================================================
// TRAINING LOOP
// ===========================================================================
//
// One Trainer per rank. Each optimizer step runs GradAccum forward/backward
// micro-batches (gradients sum in place; the loss scale baked into the
// fused classifier already divides by the accumulation count), synchronizes
// gradients for the active sharding stage, applies the sharded AdamW update
// at the scheduled learning rate, and reconstitutes the full parameter
// vector when sharding is on.
//
// Every rank advances the same RNG stream, so stochastic rounding stays
// replica-identical without any extra communication.
//
// ===========================================================================

// LRSchedule is linear warmup into cosine decay: the learning rate climbs
// linearly to BaseLR over WarmupSteps, follows a half-cosine down to MinLR
// over the next DecaySteps, and stays at MinLR afterwards.
type LRSchedule struct {
	BaseLR      float32
	MinLR       float32
	WarmupSteps int
	DecaySteps  int
}

// At returns the learning rate for a 1-based step.
func (s LRSchedule) At(step int) float32 {
	if s.WarmupSteps > 0 && step <= s.WarmupSteps {
		return s.BaseLR * float32(step) / float32(s.WarmupSteps)
	}
	if s.DecaySteps <= 0 {
		return s.BaseLR
	}
	progress := float64(step-s.WarmupSteps) / float64(s.DecaySteps)
	if progress >= 1 {
		return s.MinLR
	}
	coeff := 0.5 * (1 + math.Cos(math.Pi*progress))
	return s.MinLR + float32(coeff)*(s.BaseLR-s.MinLR)
}

// TrainerConfig fixes the shape and cadence of a run.
type TrainerConfig struct {
	BatchSize int // B, per micro-batch per rank
	SeqLen    int // T
	Steps     int // optimizer steps to run
	GradAccum int // micro-batches per optimizer step

	Update   UpdateConfig
	Schedule LRSchedule

	ValEvery   int // steps between validation passes; 0 disables
	ValBatches int

	SampleEvery  int // steps between generation samples; 0 disables
	SampleTokens int

	CheckpointEvery int // steps between snapshots; 0 disables
	CheckpointDir   string

	// KeepMaster selects fp32 master weights for reduced-precision models
	// (the alternative is stochastic rounding). It must flow through the
	// trainer so a resumed run keeps the same update rule as the original.
	KeepMaster bool

	Seed uint64 // RNG stream for stochastic rounding and sampling
}

// Trainer drives one rank of a run.
type Trainer struct {
	Model *GPT2
	Comm  *Communicator
	Train DataLoader
	Val   DataLoader // may be nil
	Tok   Tokenizer
	Log   *RunLog

	cfg   TrainerConfig
	shard ShardDescriptor
	step  int
	rng   uint64
}

// NewTrainer wires a trainer around a freshly built model. Resuming a run
// from a snapshot goes through NewTrainerFromSnapshot instead.
func NewTrainer(model *GPT2, comm *Communicator, train, val DataLoader, tok Tokenizer, log *RunLog, cfg TrainerConfig) (*Trainer, error) {
	if err := validateTrainerConfig(&cfg); err != nil {
		return nil, err
	}
	shard, err := shardFor(model.NumParameters, comm.Rank, comm.WorldSize, comm.Stage)
	if err != nil {
		return nil, err
	}
	model.GradAccum = cfg.GradAccum
	model.KeepMaster = cfg.KeepMaster
	if tok == nil {
		tok = IDTokenizer{EOT: GPT2EOT}
	}
	return &Trainer{
		Model: model, Comm: comm, Train: train, Val: val, Tok: tok, Log: log,
		cfg: cfg, shard: shard, rng: cfg.Seed,
	}, nil
}

// NewTrainerFromSnapshot rebuilds a trainer from a snapshot written by
// snapshot(): the rank-0 model file restores parameters, this rank's state
// file restores optimizer moments, the step counter, the RNG stream, and
// the training-loader cursor.
func NewTrainerFromSnapshot(dir string, step int, dtype DType, recompute int, comm *Communicator,
	train, val DataLoader, tok Tokenizer, log *RunLog, cfg TrainerConfig) (*Trainer, error) {
	model, err := BuildFromCheckpoint(snapshotModelPath(dir, step), dtype, recompute)
	if err != nil {
		return nil, err
	}
	t, err := NewTrainer(model, comm, train, val, tok, log, cfg)
	if err != nil {
		return nil, err
	}
	ts, err := model.LoadState(snapshotStatePath(dir, step, comm.Rank), comm)
	if err != nil {
		return nil, err
	}
	if err := train.SetPosition(ts.LoaderShard, ts.LoaderOffset); err != nil {
		return nil, err
	}
	t.step = ts.Step
	t.rng = ts.RNG
	return t, nil
}

func validateTrainerConfig(cfg *TrainerConfig) error {
	if cfg.BatchSize < 1 || cfg.SeqLen < 1 {
		return fmt.Errorf("trainer: invalid batch shape (B=%d, T=%d)", cfg.BatchSize, cfg.SeqLen)
	}
	if cfg.Steps < 1 {
		return fmt.Errorf("trainer: steps must be >= 1, got %d", cfg.Steps)
	}
	if cfg.GradAccum < 1 {
		cfg.GradAccum = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1337
	}
	return nil
}

// Step reports the number of optimizer steps completed so far.
func (t *Trainer) Step() int { return t.step }

// nextRNG advances the shared RNG stream one step and returns the new state.
// All ranks start from the same seed and advance in lockstep, so the value
// is replica-identical without communication.
func (t *Trainer) nextRNG() uint64 {
	t.rng = splitmix64(t.rng)
	return t.rng
}

// Run executes the configured number of optimizer steps, continuing from
// the restored step when resuming.
func (t *Trainer) Run() error {
	B, T := t.cfg.BatchSize, t.cfg.SeqLen
	for t.step < t.cfg.Steps {
		lastStep := t.step+1 == t.cfg.Steps

		if t.Val != nil && t.cfg.ValEvery > 0 && (t.step%t.cfg.ValEvery == 0 || lastStep) {
			vl, err := t.Validate()
			if err != nil {
				return err
			}
			if t.Comm.Rank == 0 {
				t.Log.ValLoss(t.step, vl)
			}
		}
		if t.cfg.SampleEvery > 0 && t.step > 0 && t.step%t.cfg.SampleEvery == 0 && t.Comm.Rank == 0 {
			text, err := t.Sample(t.cfg.SampleTokens)
			if err != nil {
				return err
			}
			t.Log.Sample(t.step, text)
		}

		step := t.step + 1
		t.Model.ZeroGrads()
		lossAccum := float32(0)
		for micro := 0; micro < t.cfg.GradAccum; micro++ {
			inputs, targets, err := t.Train.NextBatch()
			if err != nil {
				return err
			}
			loss, err := t.Model.Forward(inputs, targets, B, T)
			if err != nil {
				return err
			}
			if err := t.Model.Backward(); err != nil {
				return err
			}
			lossAccum += loss
		}
		lossAccum /= float32(t.cfg.GradAccum)
		lossAccum = float32(t.Comm.AllReduceSumScalar(float64(lossAccum)) / float64(t.Comm.WorldSize))

		t.Comm.SyncGradients(t.Model.GradsMemory, t.shard)

		ucfg := t.cfg.Update
		ucfg.LearningRate = t.cfg.Schedule.At(step)
		norm, err := t.Model.Update(t.Comm, ucfg, step, t.nextRNG())
		if err != nil {
			return err
		}
		t.Model.GatherParams(t.Comm)
		t.step = step

		if t.Comm.Rank == 0 {
			t.Log.Step(step, lossAccum, ucfg.LearningRate, norm)
		}
		if t.cfg.CheckpointEvery > 0 && (step%t.cfg.CheckpointEvery == 0 || lastStep) {
			if err := t.snapshot(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate runs ValBatches forward passes over the validation stream and
// returns the loss averaged across batches and ranks. The validation cursor
// rewinds first so every pass sees the same data.
func (t *Trainer) Validate() (float32, error) {
	t.Val.Reset()
	sum := float32(0)
	n := t.cfg.ValBatches
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		inputs, targets, err := t.Val.NextBatch()
		if err != nil {
			return 0, err
		}
		loss, err := t.Model.Forward(inputs, targets, t.cfg.BatchSize, t.cfg.SeqLen)
		if err != nil {
			return 0, err
		}
		sum += loss
	}
	mean := sum / float32(n)
	return float32(t.Comm.AllReduceSumScalar(float64(mean)) / float64(t.Comm.WorldSize)), nil
}

// Sample greedily extends an end-of-text prompt by numTokens multinomial
// draws and decodes the result. The sampling RNG is derived from the step
// counter, not the training stream, so sampling never perturbs training.
func (t *Trainer) Sample(numTokens int) (string, error) {
	B, T := t.cfg.BatchSize, t.cfg.SeqLen
	V := t.Model.Config.VocabSize
	Vp := t.Model.Config.PaddedVocab
	// Position 0 holds the end-of-text prompt, so at most T-1 tokens fit.
	if numTokens < 1 || numTokens > T-1 {
		numTokens = T - 1
	}

	tokens := make([]int32, B*T)
	for i := range tokens {
		tokens[i] = t.Tok.EndOfText()
	}
	probs := make([]float32, V)
	rng := t.cfg.Seed ^ uint64(t.step)

	var sb strings.Builder
	for pos := 1; pos <= numTokens; pos++ {
		if _, err := t.Model.Forward(tokens, nil, B, T); err != nil {
			return "", err
		}
		logits := t.Model.actView(ActLogits)
		softmaxProbs(probs, logits[(pos-1)*Vp:pos*Vp], V)
		rng = splitmix64(rng)
		coin := float32(rng>>40) / (1 << 24)
		next := int32(sampleMult(probs, coin))
		tokens[pos] = next
		sb.WriteString(t.Tok.Decode(next))
	}
	return sb.String(), nil
}

func snapshotModelPath(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("model_%08d.bin", step))
}

func snapshotStatePath(dir string, step, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("state_%08d_%03d.bin", step, rank))
}

func snapshotDonePath(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("done_%08d", step))
}

// snapshot writes one resumable snapshot: rank 0 writes the model file,
// every rank writes its own state file, and only after every rank's file is
// durable does rank 0 drop the done marker. A snapshot without its marker
// must be treated as torn.
func (t *Trainer) snapshot() error {
	dir := t.cfg.CheckpointDir
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if t.Comm.Rank == 0 {
		if err := t.Model.SaveCheckpoint(snapshotModelPath(dir, t.step)); err != nil {
			return err
		}
	}
	shard, offset := t.Train.Position()
	ts := TrainState{Step: t.step, RNG: t.rng, LoaderShard: shard, LoaderOffset: offset}
	if err := t.Model.SaveState(snapshotStatePath(dir, t.step, t.Comm.Rank), t.Comm, ts); err != nil {
		return err
	}
	t.Comm.Barrier()
	if t.Comm.Rank == 0 {
		if err := os.WriteFile(snapshotDonePath(dir, t.step), []byte("done\n"), 0o644); err != nil {
			return fmt.Errorf("snapshot: done marker: %w", err)
		}
	}
	return nil
}

// LatestSnapshot scans dir for the highest-numbered complete snapshot (one
// whose done marker exists) and returns its step, or ok=false when none is
// found.
func LatestSnapshot(dir string) (step int, ok bool) {
	matches, err := filepath.Glob(filepath.Join(dir, "done_*"))
	if err != nil {
		return 0, false
	}
	best := -1
	for _, m := range matches {
		var s int
		if _, err := fmt.Sscanf(filepath.Base(m), "done_%d", &s); err == nil && s > best {
			best = s
		}
	}
	return best, best >= 0
}
