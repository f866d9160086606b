// Package distributor splits a run into chunks of targets, scores every chunk
// against all candidates in a worker and collects the outcomes.
package distributor

import (
	"runtime"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/similarity"
)

// Range is a half-open range of target positions
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of positions in the range
func (r Range) Len() int {
	return r.End - r.Start
}

// Chunk splits n items into exactly workers contiguous ranges using ceiling
// division. Trailing ranges are empty when n < workers.
func Chunk(n, workers int) []Range {
	if workers < 1 {
		panic("distributor: workers must be at least 1")
	}
	size := (n + workers - 1) / workers
	ranges := make([]Range, workers)
	for i := range ranges {
		start := min(i*size, n)
		ranges[i] = Range{Start: start, End: min(start+size, n)}
	}
	return ranges
}

// DefaultWorkers leaves two cores for the coordinator and the database
func DefaultWorkers() int {
	return max(runtime.NumCPU()-2, 1)
}

// Assignment is the immutable snapshot a worker receives at spawn
type Assignment struct {
	RunID       string             `json:"run_id"`
	ChunkIndex  int                `json:"chunk_index"`
	Offset      int                `json:"offset"`
	Targets     []models.AppRecord `json:"targets"`
	Candidates  []models.AppRecord `json:"candidates"`
	Pipeline    string             `json:"pipeline"`
	Aggregator  string             `json:"aggregator"`
	ExtraScores bool               `json:"extra_scores"`
	Destination string             `json:"destination"`
	ShmDir      string             `json:"shm_dir"`
	Regions     similarity.Names   `json:"regions"`
	BatchSize   int                `json:"batch_size"`
	TraceParent string             `json:"traceparent,omitempty"`
}

// Outcome is what a worker reports back
type Outcome struct {
	ChunkIndex    int    `json:"chunk_index"`
	Scored        int64  `json:"scored"`
	Skipped       int64  `json:"skipped"`
	Persisted     int64  `json:"persisted"`
	FailedBatches int    `json:"failed_batches"`
	Error         string `json:"error,omitempty"`
	Protocol      bool   `json:"protocol,omitempty"`
}

// Failed reports whether the worker lost work to a fatal error
func (o Outcome) Failed() bool {
	return o.Error != ""
}

// RunReport summarizes a complete run
type RunReport struct {
	RunID         string        `json:"run_id"`
	Pipeline      string        `json:"pipeline"`
	Aggregator    string        `json:"aggregator"`
	Destination   string        `json:"destination"`
	Workers       int           `json:"workers"`
	Targets       int           `json:"targets"`
	Candidates    int           `json:"candidates"`
	Scored        int64         `json:"scored"`
	Skipped       int64         `json:"skipped"`
	Persisted     int64         `json:"persisted"`
	FailedBatches int           `json:"failed_batches"`
	FailedWorkers int           `json:"failed_workers"`
	Duration      time.Duration `json:"duration"`
}

func (r *RunReport) add(o Outcome) {
	r.Scored += o.Scored
	r.Skipped += o.Skipped
	r.Persisted += o.Persisted
	r.FailedBatches += o.FailedBatches
	if o.Failed() {
		r.FailedWorkers++
	}
}
