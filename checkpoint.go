package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// ===========================================================================
// CHECKPOINT / TRAINING-STATE PERSISTENCE
// ===========================================================================
//
// Two independent little-endian files:
//
//	model checkpoint: 256 x int32 header {magic, version, 6 hyperparameters}
//	                  followed by the flat parameter payload in declaration
//	                  order, element width per version (fp32/fp16/bf16).
//
//	training state:   256 x int32 header {magic, version, world size, rank,
//	                  sharding stage, step, RNG state, loader position}
//	                  followed by this rank's shard of first then second
//	                  moments as float32.
//
// Loading validates magic, version and (for state) process topology
// exactly; any mismatch is fatal rather than coerced, because silently
// proceeding risks silently-wrong training.
//
// ===========================================================================

const (
	checkpointMagic = int32(20240326)
	stateMagic      = int32(20240527)
	stateVersion    = int32(1)
	headerInts      = 256
)

// header field offsets in the training-state file.
const (
	stateHdrWorld  = 2
	stateHdrRank   = 3
	stateHdrStage  = 4
	stateHdrStep   = 10
	stateHdrRNG    = 20 // 8 bytes: ints 20 and 21
	stateHdrShard  = 30
	stateHdrOffset = 31 // 8 bytes: ints 31 and 32
)

// SaveCheckpoint writes the model checkpoint: hyperparameters plus the full
// parameter vector at the model's storage precision.
func (m *GPT2) SaveCheckpoint(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("checkpoint: close: %w", cerr)
		}
	}()
	w := bufio.NewWriter(f)

	var header [headerInts]int32
	header[0] = checkpointMagic
	header[1] = m.DType.checkpointVersion()
	header[2] = int32(m.Config.MaxSeqLen)
	header[3] = int32(m.Config.VocabSize)
	header[4] = int32(m.Config.NumLayers)
	header[5] = int32(m.Config.NumHeads)
	header[6] = int32(m.Config.Channels)
	header[7] = int32(m.Config.PaddedVocab)
	if err := binary.Write(w, binary.LittleEndian, header[:]); err != nil {
		return fmt.Errorf("checkpoint: writing header: %w", err)
	}
	if err := writeParams(w, m.ParamsMemory, m.DType); err != nil {
		return fmt.Errorf("checkpoint: writing parameters: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flush: %w", err)
	}
	return nil
}

func writeParams(w io.Writer, params []float32, d DType) error {
	switch d {
	case DTypeFloat32:
		return binary.Write(w, binary.LittleEndian, params)
	case DTypeBFloat16:
		_, err := w.Write(bfloat16.EncodeFloat32(params))
		return err
	case DTypeFloat16:
		half := make([]uint16, len(params))
		for i, v := range params {
			half[i] = float16.Fromfloat32(v).Bits()
		}
		return binary.Write(w, binary.LittleEndian, half)
	}
	return fmt.Errorf("unsupported dtype %v", d)
}

func readParams(r io.Reader, params []float32, d DType) error {
	switch d {
	case DTypeFloat32:
		return binary.Read(r, binary.LittleEndian, params)
	case DTypeBFloat16:
		buf := make([]byte, 2*len(params))
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		copy(params, bfloat16.DecodeFloat32(buf))
		return nil
	case DTypeFloat16:
		half := make([]uint16, len(params))
		if err := binary.Read(r, binary.LittleEndian, half); err != nil {
			return err
		}
		for i, h := range half {
			params[i] = float16.Frombits(h).Float32()
		}
		return nil
	}
	return fmt.Errorf("unsupported dtype %v", d)
}

// BuildFromCheckpoint restores a model from a checkpoint written by
// SaveCheckpoint. dtype is the precision this process is configured for;
// a checkpoint written at any other precision is refused.
func BuildFromCheckpoint(path string, dtype DType, recompute int) (*GPT2, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var header [headerInts]int32
	if err := binary.Read(r, binary.LittleEndian, header[:]); err != nil {
		return nil, fmt.Errorf("checkpoint: reading header: %w", err)
	}
	if header[0] != checkpointMagic {
		return nil, fmt.Errorf("checkpoint: bad magic %d (want %d)", header[0], checkpointMagic)
	}
	fileDType, ok := dtypeForVersion(header[1])
	if !ok {
		return nil, fmt.Errorf("checkpoint: unknown format version %d", header[1])
	}
	if fileDType != dtype {
		return nil, fmt.Errorf("checkpoint: file precision %v does not match configured precision %v", fileDType, dtype)
	}
	cfg := ModelConfig{
		MaxSeqLen:   int(header[2]),
		VocabSize:   int(header[3]),
		NumLayers:   int(header[4]),
		NumHeads:    int(header[5]),
		Channels:    int(header[6]),
		PaddedVocab: int(header[7]),
	}
	m, err := newModel(cfg, dtype, recompute)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if err := readParams(r, m.ParamsMemory, dtype); err != nil {
		return nil, fmt.Errorf("checkpoint: reading parameters: %w", err)
	}
	return m, nil
}

// TrainState is everything beyond the parameters needed for exact resume:
// the step counter, the stochastic-rounding RNG, and the data loader
// cursor.
type TrainState struct {
	Step         int
	RNG          uint64
	LoaderShard  int32
	LoaderOffset int64
}

// SaveState writes this rank's training-state file: topology, step, RNG,
// loader position, and the local shard of optimizer moments.
func (m *GPT2) SaveState(path string, comm *Communicator, ts TrainState) (err error) {
	shard, err := shardFor(m.NumParameters, comm.Rank, comm.WorldSize, comm.Stage)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("state: close: %w", cerr)
		}
	}()
	w := bufio.NewWriter(f)

	var header [headerInts]int32
	header[0] = stateMagic
	header[1] = stateVersion
	header[stateHdrWorld] = int32(comm.WorldSize)
	header[stateHdrRank] = int32(comm.Rank)
	header[stateHdrStage] = int32(comm.Stage)
	header[stateHdrStep] = int32(ts.Step)
	header[stateHdrRNG] = int32(uint32(ts.RNG))
	header[stateHdrRNG+1] = int32(uint32(ts.RNG >> 32))
	header[stateHdrShard] = ts.LoaderShard
	header[stateHdrOffset] = int32(uint32(uint64(ts.LoaderOffset)))
	header[stateHdrOffset+1] = int32(uint32(uint64(ts.LoaderOffset) >> 32))
	if err := binary.Write(w, binary.LittleEndian, header[:]); err != nil {
		return fmt.Errorf("state: writing header: %w", err)
	}
	if m.MMemory == nil {
		// State saved before the first update: moments are all zero. Stream
		// them instead of materializing two shard-sized slices.
		if err := writeZeroFloats(w, 2*shard.NumElements); err != nil {
			return fmt.Errorf("state: writing zero moments: %w", err)
		}
	} else {
		if err := binary.Write(w, binary.LittleEndian, m.MMemory); err != nil {
			return fmt.Errorf("state: writing first moments: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, m.VMemory); err != nil {
			return fmt.Errorf("state: writing second moments: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("state: flush: %w", err)
	}
	return nil
}

// writeZeroFloats writes n float32 zeros through a fixed-size buffer.
func writeZeroFloats(w io.Writer, n int) error {
	var zeros [16 * 1024]byte
	remaining := 4 * n
	for remaining > 0 {
		chunk := remaining
		if chunk > len(zeros) {
			chunk = len(zeros)
		}
		if _, err := w.Write(zeros[:chunk]); err != nil {
			return err
		}
		remaining -= chunk
	}
	return nil
}

// LoadState restores this rank's optimizer moments and returns the saved
// training cursor. The file's process topology must match the live run
// exactly; resuming under a different world size, rank, or sharding stage
// is fatal.
func (m *GPT2) LoadState(path string, comm *Communicator) (TrainState, error) {
	f, err := os.Open(path)
	if err != nil {
		return TrainState{}, fmt.Errorf("state: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var header [headerInts]int32
	if err := binary.Read(r, binary.LittleEndian, header[:]); err != nil {
		return TrainState{}, fmt.Errorf("state: reading header: %w", err)
	}
	if header[0] != stateMagic {
		return TrainState{}, fmt.Errorf("state: bad magic %d (want %d)", header[0], stateMagic)
	}
	if header[1] != stateVersion {
		return TrainState{}, fmt.Errorf("state: unsupported version %d", header[1])
	}
	if int(header[stateHdrWorld]) != comm.WorldSize || int(header[stateHdrRank]) != comm.Rank {
		return TrainState{}, fmt.Errorf("state: topology mismatch: file is rank %d of %d, live run is rank %d of %d",
			header[stateHdrRank], header[stateHdrWorld], comm.Rank, comm.WorldSize)
	}
	// The shard boundaries depend on the stage, so a moment payload written
	// under one stage is meaningless under another even when world and rank
	// agree.
	if ShardStage(header[stateHdrStage]) != comm.Stage {
		return TrainState{}, fmt.Errorf("state: sharding stage mismatch: file was written at stage %d, live run is stage %d",
			header[stateHdrStage], comm.Stage)
	}

	shard, err := shardFor(m.NumParameters, comm.Rank, comm.WorldSize, comm.Stage)
	if err != nil {
		return TrainState{}, err
	}
	m.shard = shard
	m.shardSet = true
	m.MMemory = make([]float32, shard.NumElements)
	m.VMemory = make([]float32, shard.NumElements)
	if err := binary.Read(r, binary.LittleEndian, m.MMemory); err != nil {
		return TrainState{}, fmt.Errorf("state: reading first moments: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, m.VMemory); err != nil {
		return TrainState{}, fmt.Errorf("state: reading second moments: %w", err)
	}
	if m.KeepMaster && m.DType != DTypeFloat32 {
		m.MasterMemory = make([]float32, shard.NumElements)
		copy(m.MasterMemory, m.ParamsMemory[shard.Offset:shard.End()])
	}

	rng := uint64(uint32(header[stateHdrRNG])) | uint64(uint32(header[stateHdrRNG+1]))<<32
	off := int64(uint64(uint32(header[stateHdrOffset])) | uint64(uint32(header[stateHdrOffset+1]))<<32)
	return TrainState{
		Step:         int(header[stateHdrStep]),
		RNG:          rng,
		LoaderShard:  header[stateHdrShard],
		LoaderOffset: off,
	}, nil
}
