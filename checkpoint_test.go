package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	for _, dtype := range []DType{DTypeFloat32, DTypeFloat16, DTypeBFloat16} {
		t.Run(dtype.String(), func(t *testing.T) {
			m := tinyModel(t, dtype, 0)
			path := filepath.Join(t.TempDir(), "model.bin")
			require.NoError(t, m.SaveCheckpoint(path))

			back, err := BuildFromCheckpoint(path, dtype, 0)
			require.NoError(t, err)
			require.Equal(t, m.Config, back.Config)
			// The arena only ever holds representable values, so the reduced
			// payload reproduces it bit for bit.
			require.Equal(t, m.ParamsMemory, back.ParamsMemory)
		})
	}
}

func TestCheckpointPrecisionMismatch(t *testing.T) {
	m := tinyModel(t, DTypeFloat32, 0)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, m.SaveCheckpoint(path))

	_, err := BuildFromCheckpoint(path, DTypeBFloat16, 0)
	require.Error(t, err, "precision mismatch must be refused, not coerced")
}

func TestCheckpointBadFile(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.bin")
	require.NoError(t, os.WriteFile(garbage, make([]byte, 2048), 0o644))
	_, err := BuildFromCheckpoint(garbage, DTypeFloat32, 0)
	require.Error(t, err, "zero magic must be rejected")

	_, err = BuildFromCheckpoint(filepath.Join(dir, "missing.bin"), DTypeFloat32, 0)
	require.Error(t, err)
}

func TestStateRoundTrip(t *testing.T) {
	comm := NewSingleProcess()
	m := tinyModel(t, DTypeFloat32, 0)
	inputs, targets := tinyBatch(30, 1, 4, m.Config.VocabSize)
	stepOnce(t, m, comm, testUpdate, 1, inputs, targets, 1, 4)

	ts := TrainState{Step: 7, RNG: 0xdeadbeefcafef00d, LoaderShard: 3, LoaderOffset: 1 << 40}
	path := filepath.Join(t.TempDir(), "state.bin")
	require.NoError(t, m.SaveState(path, comm, ts))

	fresh := tinyModel(t, DTypeFloat32, 0)
	got, err := fresh.LoadState(path, comm)
	require.NoError(t, err)
	require.Equal(t, ts, got)
	require.Equal(t, m.MMemory, fresh.MMemory)
	require.Equal(t, m.VMemory, fresh.VMemory)
}

func TestStateBeforeFirstUpdateIsZeroMoments(t *testing.T) {
	comm := NewSingleProcess()
	m := tinyModel(t, DTypeFloat32, 0)
	path := filepath.Join(t.TempDir(), "state.bin")
	require.NoError(t, m.SaveState(path, comm, TrainState{}))

	fresh := tinyModel(t, DTypeFloat32, 0)
	_, err := fresh.LoadState(path, comm)
	require.NoError(t, err)
	for i, v := range fresh.MMemory {
		require.Zerof(t, v, "first moment %d", i)
	}
	for i, v := range fresh.VMemory {
		require.Zerof(t, v, "second moment %d", i)
	}
}

func TestStateTopologyMismatch(t *testing.T) {
	comm := NewSingleProcess()
	m := tinyModel(t, DTypeFloat32, 0)
	path := filepath.Join(t.TempDir(), "state.bin")
	require.NoError(t, m.SaveState(path, comm, TrainState{Step: 3}))

	other := &Communicator{Rank: 1, WorldSize: 2, Stage: ShardNone}
	fresh := tinyModel(t, DTypeFloat32, 0)
	_, err := fresh.LoadState(path, other)
	require.Error(t, err, "a state file is bound to its exact (rank, world) pair")
}

func TestStateStageMismatch(t *testing.T) {
	comm := NewSingleProcess()
	m := tinyModel(t, DTypeFloat32, 0)
	inputs, targets := tinyBatch(31, 1, 4, m.Config.VocabSize)
	stepOnce(t, m, comm, testUpdate, 1, inputs, targets, 1, 4)

	path := filepath.Join(t.TempDir(), "state.bin")
	require.NoError(t, m.SaveState(path, comm, TrainState{Step: 1}))

	// Same rank and world size, different sharding stage: the moment shard
	// in the file covers a different parameter range, so loading it would
	// silently corrupt the optimizer.
	sharded := &Communicator{Rank: 0, WorldSize: 1, Stage: ShardOptimizer}
	fresh := tinyModel(t, DTypeFloat32, 0)
	_, err := fresh.LoadState(path, sharded)
	require.Error(t, err, "a state file is bound to the sharding stage it was written under")
}
