package events

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	EventTypeBestMatchSelected EventType = "best_match.selected"
	EventTypeRunCompleted      EventType = "run.completed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Collection    string    `json:"collection"`
	RunID         string    `json:"run_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// BestMatchSelectedEvent announces the chosen candidate of one target
type BestMatchSelectedEvent struct {
	BaseEvent
	TargetID       string          `json:"target_id"`
	CandidateID    string          `json:"candidate_id"`
	AggregateScore float64         `json:"aggregate_score"`
	Scores         models.ScoreSet `json:"scores"`
}

// RunCompletedEvent summarizes a finished run and its selection pass
type RunCompletedEvent struct {
	BaseEvent
	Pipeline      string  `json:"pipeline"`
	Aggregator    string  `json:"aggregator"`
	Targets       int     `json:"targets"`
	Candidates    int     `json:"candidates"`
	Scored        int64   `json:"scored"`
	Skipped       int64   `json:"skipped"`
	Persisted     int64   `json:"persisted"`
	FailedBatches int     `json:"failed_batches"`
	FailedWorkers int     `json:"failed_workers"`
	Selected      int     `json:"selected"`
	DurationSecs  float64 `json:"duration_seconds"`
}

func newBase(t EventType, collection, runID string) BaseEvent {
	return BaseEvent{
		EventType:     t,
		SchemaVersion: SchemaVersion,
		Collection:    collection,
		RunID:         runID,
		Timestamp:     time.Now().UTC(),
	}
}
