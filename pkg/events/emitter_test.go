package events

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/distributor"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/selector"
)

type recorder struct {
	events []kafka.Event
}

func (r *recorder) Publish(_ context.Context, events ...kafka.Event) error {
	r.events = append(r.events, events...)
	return nil
}

func newEmitter() (*Emitter, *recorder) {
	rec := &recorder{}
	return NewEmitter(rec, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})), rec
}

func TestBestMatchSelected(t *testing.T) {
	e, rec := newEmitter()

	best := models.NewBestMatch(models.MatchRecord{
		Collection:     "matches",
		TargetID:       "T1",
		CandidateID:    "C1",
		Scores:         models.ScoreSet{"app_name_max": 0.9},
		AggregateScore: 0.9,
		RunID:          "run-1",
	})
	require.NoError(t, e.BestMatchSelected(context.Background(), best))
	require.Len(t, rec.events, 1)

	ev := rec.events[0]
	assert.Equal(t, "matches/T1", ev.Key)
	assert.Equal(t, string(EventTypeBestMatchSelected), ev.Type)

	payload := ev.Payload.(BestMatchSelectedEvent)
	assert.Equal(t, "C1", payload.CandidateID)
	assert.Equal(t, "run-1", payload.RunID)
	assert.Equal(t, SchemaVersion, payload.SchemaVersion)
}

func TestRunCompleted(t *testing.T) {
	tests := []struct {
		name     string
		sel      *selector.Report
		selected int
	}{
		{"with selection", &selector.Report{Targets: 2, Persisted: 2}, 2},
		{"without selection", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, rec := newEmitter()
			run := &distributor.RunReport{
				RunID:       "run-1",
				Destination: "matches",
				Pipeline:    "default",
				Persisted:   4,
				Duration:    1500 * time.Millisecond,
			}
			require.NoError(t, e.RunCompleted(context.Background(), run, tt.sel))
			require.Len(t, rec.events, 1)

			payload := rec.events[0].Payload.(RunCompletedEvent)
			assert.Equal(t, "matches", payload.Collection)
			assert.Equal(t, int64(4), payload.Persisted)
			assert.Equal(t, tt.selected, payload.Selected)
			assert.InDelta(t, 1.5, payload.DurationSecs, 1e-9)
		})
	}
}
