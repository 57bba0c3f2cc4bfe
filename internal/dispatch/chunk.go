package dispatch

import (
	"fmt"
	"path/filepath"
	"time"
)

// ChunkState is the lifecycle of one timeline chunk. Transitions are
// monotonic except Encoding -> Pending on failure.
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkEncoding
	ChunkDownloading
	ChunkCompleted
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkEncoding:
		return "encoding"
	case ChunkDownloading:
		return "downloading"
	case ChunkCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Chunk is one slice of the transcode timeline.
type Chunk struct {
	Index int
	SS    float64 // absolute seek into the source, seconds
	T     float64 // encode duration, seconds

	State      ChunkState
	WorkerIdx  int
	JobID      string
	StartEpoch time.Time

	// Endgame duplication. A chunk is duplicated at most once.
	EndgameDuped bool
	DupWorkerIdx int
	DupJobID     string

	Emitted    bool
	StagingDir string
}

// PlanChunks divides the remaining duration after seek into fixed-size
// chunks. The last chunk absorbs the remainder; a chunk whose computed
// duration would be <= 0 is not created.
func PlanChunks(duration, seek, chunkDur float64, stagingRoot string) []*Chunk {
	remaining := duration - seek
	if remaining <= 0 || chunkDur <= 0 {
		return nil
	}

	n := int(remaining / chunkDur)
	if n < 1 {
		n = 1
	}

	chunks := make([]*Chunk, 0, n)
	for i := 0; i < n; i++ {
		ss := seek + float64(i)*chunkDur
		t := chunkDur
		if i == n-1 {
			t = remaining - float64(i)*chunkDur // absorb remainder
		}
		if t <= 0 {
			continue
		}
		chunks = append(chunks, &Chunk{
			Index:        i,
			SS:           ss,
			T:            t,
			State:        ChunkPending,
			WorkerIdx:    -1,
			DupWorkerIdx: -1,
			StagingDir:   filepath.Join(stagingRoot, fmt.Sprintf("chunk_%04d", i)),
		})
	}
	return chunks
}

// PlanSlices divides the remaining duration proportionally to per-worker
// weights, flooring each slice at minSlice. The last worker absorbs the
// remainder. Weights of zero degrade to one so a stalled calibration never
// divides the timeline by nothing.
func PlanSlices(duration, seek float64, weights []int, minSlice float64, stagingRoot string) []*Chunk {
	remaining := duration - seek
	if remaining <= 0 || len(weights) == 0 {
		return nil
	}

	total := 0
	normalized := make([]int, len(weights))
	for i, w := range weights {
		if w < 1 {
			w = 1
		}
		normalized[i] = w
		total += w
	}

	chunks := make([]*Chunk, 0, len(weights))
	used := 0.0
	for i := range normalized {
		var t float64
		if i == len(normalized)-1 {
			t = remaining - used
		} else {
			t = remaining * float64(normalized[i]) / float64(total)
			if t < minSlice {
				t = minSlice
			}
			if used+t > remaining {
				t = remaining - used
			}
		}
		if t <= 0 {
			continue
		}
		chunks = append(chunks, &Chunk{
			Index:        len(chunks),
			SS:           seek + used,
			T:            t,
			State:        ChunkPending,
			WorkerIdx:    -1,
			DupWorkerIdx: -1,
			StagingDir:   filepath.Join(stagingRoot, fmt.Sprintf("slice_%04d", len(chunks))),
		})
		used += t
	}
	return chunks
}
