package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	root := &cobra.Command{
		Use:           "local-model-train",
		Short:         "Train and sample GPT-2 style models on local hardware",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCmd(), newSampleCmd(), newInfoCmd())
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

type trainFlags struct {
	depth     int
	batch     int
	seq       int
	steps     int
	gradAccum int

	lr          float64
	minLR       float64
	warmup      int
	decay       int
	weightDecay float64
	gradClip    float64

	dtype     string
	recompute int
	master    bool

	data      string
	valData   string
	valEvery  int
	valBatch  int
	sampleEv  int
	sampleTok int

	ckptEvery int
	outDir    string
	resume    bool
	jsonl     string

	ranks     int
	zeroStage int
	seed      uint64
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model from scratch or resume from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(f)
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&f.depth, "depth", 6, "transformer depth (6, 12, 24, 36 or 48)")
	fs.IntVarP(&f.batch, "batch", "b", 4, "micro-batch size per rank")
	fs.IntVarP(&f.seq, "seq", "t", 256, "sequence length")
	fs.IntVar(&f.steps, "steps", 100, "optimizer steps")
	fs.IntVar(&f.gradAccum, "grad-accum", 1, "micro-batches per optimizer step")
	fs.Float64Var(&f.lr, "lr", 3e-4, "peak learning rate")
	fs.Float64Var(&f.minLR, "min-lr", 3e-5, "final learning rate after cosine decay")
	fs.IntVar(&f.warmup, "warmup", 10, "linear warmup steps")
	fs.IntVar(&f.decay, "decay", 0, "cosine decay steps (0: decay over all remaining steps)")
	fs.Float64Var(&f.weightDecay, "weight-decay", 0.0, "AdamW weight decay on matrix parameters")
	fs.Float64Var(&f.gradClip, "grad-clip", 1.0, "global gradient-norm clip threshold")
	fs.StringVar(&f.dtype, "dtype", "fp32", "parameter precision: fp32, fp16 or bf16")
	fs.IntVar(&f.recompute, "recompute", 0, "activation recomputation level (0, 1 or 2)")
	fs.BoolVar(&f.master, "master-weights", false, "keep a float32 master copy of sharded parameters")
	fs.StringVar(&f.data, "data", "", "glob of uint16 token shard files; empty trains on a synthetic stream")
	fs.StringVar(&f.valData, "val-data", "", "glob of validation token shard files")
	fs.IntVar(&f.valEvery, "val-every", 20, "steps between validation passes (0 disables)")
	fs.IntVar(&f.valBatch, "val-batches", 8, "batches per validation pass")
	fs.IntVar(&f.sampleEv, "sample-every", 0, "steps between generation samples (0 disables)")
	fs.IntVar(&f.sampleTok, "sample-tokens", 64, "tokens per generation sample")
	fs.IntVar(&f.ckptEvery, "checkpoint-every", 0, "steps between snapshots (0 disables)")
	fs.StringVarP(&f.outDir, "out", "o", "out", "snapshot directory")
	fs.BoolVar(&f.resume, "resume", false, "resume from the latest complete snapshot in the output directory")
	fs.StringVar(&f.jsonl, "metrics", "", "JSONL metrics file (empty disables)")
	fs.IntVar(&f.ranks, "ranks", 1, "data-parallel ranks to run in this process")
	fs.IntVar(&f.zeroStage, "zero", 0, "optimizer sharding stage: 0 replicates, 1 shards")
	fs.Uint64Var(&f.seed, "seed", 1337, "seed for initialization, stochastic rounding and sampling")
	return cmd
}

func runTrain(f trainFlags) error {
	dtype, err := ParseDType(f.dtype)
	if err != nil {
		return err
	}
	if f.ranks < 1 {
		return fmt.Errorf("train: ranks must be >= 1, got %d", f.ranks)
	}
	stage := ShardNone
	switch f.zeroStage {
	case 0:
	case 1:
		stage = ShardOptimizer
	default:
		return fmt.Errorf("train: unsupported sharding stage %d", f.zeroStage)
	}
	decay := f.decay
	if decay <= 0 {
		decay = f.steps - f.warmup
		if decay < 1 {
			decay = 1
		}
	}
	cfg := TrainerConfig{
		BatchSize: f.batch,
		SeqLen:    f.seq,
		Steps:     f.steps,
		GradAccum: f.gradAccum,
		Update: UpdateConfig{
			Beta1:       0.9,
			Beta2:       0.95,
			Eps:         1e-8,
			WeightDecay: float32(f.weightDecay),
			GradClip:    float32(f.gradClip),
		},
		Schedule: LRSchedule{
			BaseLR:      float32(f.lr),
			MinLR:       float32(f.minLR),
			WarmupSteps: f.warmup,
			DecaySteps:  decay,
		},
		ValEvery:        f.valEvery,
		ValBatches:      f.valBatch,
		SampleEvery:     f.sampleEv,
		SampleTokens:    f.sampleTok,
		CheckpointEvery: f.ckptEvery,
		CheckpointDir:   f.outDir,
		KeepMaster:      f.master,
		Seed:            f.seed,
	}

	rlog, err := NewRunLog(slog.Default(), f.jsonl)
	if err != nil {
		return err
	}
	defer rlog.Close()

	resumeStep := -1
	if f.resume {
		if s, ok := LatestSnapshot(f.outDir); ok {
			resumeStep = s
			slog.Info("resuming from snapshot", "dir", f.outDir, "step", s)
		} else {
			slog.Info("no complete snapshot found, starting fresh", "dir", f.outDir)
		}
	}

	group := NewGroup(f.ranks, stage)
	var g errgroup.Group
	for rank := 0; rank < f.ranks; rank++ {
		rank := rank
		g.Go(func() error {
			comm, err := group.Join(rank, "")
			if err != nil {
				return err
			}
			train, val, err := openLoaders(f, comm)
			if err != nil {
				return err
			}

			var t *Trainer
			if resumeStep >= 0 {
				t, err = NewTrainerFromSnapshot(f.outDir, resumeStep, dtype, f.recompute, comm, train, val, nil, rlog, cfg)
			} else {
				var model *GPT2
				model, err = BuildRandom(f.depth, int64(f.seed), dtype, f.recompute)
				if err != nil {
					return err
				}
				t, err = NewTrainer(model, comm, train, val, nil, rlog, cfg)
			}
			if err != nil {
				return err
			}
			if rank == 0 {
				slog.Info("model ready", "config", t.Model.Config.String(),
					"parameters", t.Model.NumParameters, "dtype", dtype, "ranks", f.ranks, "zero", f.zeroStage)
			}
			return t.Run()
		})
	}
	return g.Wait()
}

// openLoaders builds this rank's training and validation streams. Without a
// data glob the trainer runs on a deterministic synthetic token stream,
// which exercises the full engine without any dataset on disk.
func openLoaders(f trainFlags, comm *Communicator) (DataLoader, DataLoader, error) {
	var train, val DataLoader
	if f.data != "" {
		paths, err := filepath.Glob(f.data)
		if err != nil || len(paths) == 0 {
			return nil, nil, fmt.Errorf("train: no shard files match %q", f.data)
		}
		train, err = NewTokenFileLoader(paths, f.batch, f.seq, comm.Rank, comm.WorldSize)
		if err != nil {
			return nil, nil, err
		}
	} else {
		train = syntheticLoader(f, comm, 0)
	}
	if f.valData != "" {
		paths, err := filepath.Glob(f.valData)
		if err != nil || len(paths) == 0 {
			return nil, nil, fmt.Errorf("train: no shard files match %q", f.valData)
		}
		val, err = NewTokenFileLoader(paths, f.batch, f.seq, comm.Rank, comm.WorldSize)
		if err != nil {
			return nil, nil, err
		}
	} else if f.data == "" {
		val = syntheticLoader(f, comm, 1)
	}
	return train, val, nil
}

func syntheticLoader(f trainFlags, comm *Communicator, salt int64) DataLoader {
	rng := rand.New(rand.NewSource(int64(f.seed) + salt))
	n := comm.WorldSize*f.batch*f.seq*4 + 1
	tokens := make([]int32, n)
	for i := range tokens {
		tokens[i] = int32(rng.Intn(gpt2VocabSize))
	}
	l, err := NewMemoryLoader(tokens, f.batch, f.seq, comm.Rank, comm.WorldSize)
	if err != nil {
		panic(err) // sized above the loader minimum by construction
	}
	return l
}

func newSampleCmd() *cobra.Command {
	var (
		model     string
		dtype     string
		numTokens int
		seed      uint64
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate tokens from a model checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ParseDType(dtype)
			if err != nil {
				return err
			}
			m, err := BuildFromCheckpoint(model, d, 0)
			if err != nil {
				return err
			}
			// Position 0 carries the end-of-text prompt.
			T := numTokens + 1
			if T > m.Config.MaxSeqLen {
				T = m.Config.MaxSeqLen
			}
			t, err := NewTrainer(m, NewSingleProcess(), nil, nil, nil, nil, TrainerConfig{
				BatchSize: 1, SeqLen: T, Steps: 1, Seed: seed,
			})
			if err != nil {
				return err
			}
			text, err := t.Sample(numTokens)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model checkpoint file")
	cmd.Flags().StringVar(&dtype, "dtype", "fp32", "checkpoint precision: fp32, fp16 or bf16")
	cmd.Flags().IntVarP(&numTokens, "tokens", "n", 64, "tokens to generate")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "sampling seed")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newInfoCmd() *cobra.Command {
	var dtype string
	cmd := &cobra.Command{
		Use:   "info <checkpoint>",
		Short: "Print the hyperparameters of a model checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := ParseDType(dtype)
			if err != nil {
				return err
			}
			m, err := BuildFromCheckpoint(args[0], d, 0)
			if err != nil {
				return err
			}
			fmt.Println(m.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&dtype, "dtype", "fp32", "checkpoint precision: fp32, fp16 or bf16")
	return cmd
}
