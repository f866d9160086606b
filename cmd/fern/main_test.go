package main

import (
	"context"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/distributor"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestRootCommandWiresSubcommands(t *testing.T) {
	root := newRootCommand(newCommandContext())

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"run", "worker", "select", "import", "migrate", "serve", "ground-truth"}, names)

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	for _, flag := range []string{"targets", "candidates", "destination", "workers", "pipeline", "aggregator", "local", "select"} {
		assert.NotNil(t, run.Flags().Lookup(flag), flag)
	}
}

func TestRunOptionsApply(t *testing.T) {
	base := distributor.RunConfig{Pipeline: "default", Aggregator: "mean", Workers: 8}

	tests := []struct {
		name     string
		opts     runOptions
		expected distributor.RunConfig
	}{
		{
			name:     "flags unset keep configured values",
			opts:     runOptions{destination: "matches"},
			expected: distributor.RunConfig{Destination: "matches", Pipeline: "default", Aggregator: "mean", Workers: 8},
		},
		{
			name:     "flags override",
			opts:     runOptions{destination: "baseline", workers: 2, pipeline: "related_work", aggregator: "linear"},
			expected: distributor.RunConfig{Destination: "baseline", Pipeline: "related_work", Aggregator: "linear", Workers: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.opts.apply(base))
		})
	}
}

func TestNewZapLogger(t *testing.T) {
	_, err := newZapLogger("debug", true)
	assert.NoError(t, err)

	_, err = newZapLogger("loud", false)
	assert.Error(t, err)
}

func TestReadRecords(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		ids       []string
		expectErr string
	}{
		{
			name:  "skips blank lines",
			input: `{"id":"a","name":"Alpha"}` + "\n\n" + `{"id":"b","name":"Beta"}` + "\n",
			ids:   []string{"a", "b"},
		},
		{
			name:  "last duplicate wins",
			input: `{"id":"a","name":"Old"}` + "\n" + `{"id":"a","name":"New"}`,
			ids:   []string{"a"},
		},
		{
			name:      "malformed line",
			input:     `{"id":"a"}` + "\n" + `{"id":`,
			expectErr: "line 2",
		},
		{
			name:      "missing id",
			input:     `{"name":"Nameless"}`,
			expectErr: "line 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := readRecords(strings.NewReader(tt.input))
			if tt.expectErr != "" {
				assert.ErrorContains(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)

			var ids []string
			for _, r := range records {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.ids, ids)
		})
	}

	records, err := readRecords(strings.NewReader(`{"id":"a","name":"Old"}` + "\n" + `{"id":"a","name":"New"}`))
	require.NoError(t, err)
	assert.Equal(t, "New", records[0].Name)
}

func TestReadPairs(t *testing.T) {
	input := "target_id,candidate_id\nT1,C1\nT2, C2\nT3,C9\n"

	t.Run("all pairs", func(t *testing.T) {
		g, err := readPairs(strings.NewReader(input), nil)
		require.NoError(t, err)
		assert.Len(t, g.targets, 3)
		assert.Contains(t, g.candidates, "C2")
	})

	t.Run("unknown candidates dropped", func(t *testing.T) {
		known := map[string]struct{}{"C1": {}, "C2": {}}
		g, err := readPairs(strings.NewReader(input), known)
		require.NoError(t, err)
		assert.NotContains(t, g.targets, "T3")
		assert.NotContains(t, g.candidates, "C9")
	})

	t.Run("wrong column count", func(t *testing.T) {
		_, err := readPairs(strings.NewReader("T1,C1,extra\n"), nil)
		assert.Error(t, err)
	})
}

type sliceStreamer []models.MatchRecord

func (s sliceStreamer) Stream(_ context.Context, collection string, fn func(models.MatchRecord) error) error {
	for _, m := range s {
		if m.Collection != collection {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func TestCopyGroundTruth(t *testing.T) {
	ctx := context.Background()
	rec := func(target, candidate string) models.MatchRecord {
		return models.MatchRecord{Collection: "all", TargetID: target, CandidateID: candidate, Scores: models.ScoreSet{"app_name_max": 0.5}, AggregateScore: 0.5}
	}
	src := sliceStreamer{rec("T1", "C1"), rec("T1", "C2"), rec("T2", "C1"), rec("T3", "C1"), rec("T2", "C2")}
	truth := groundTruth{
		targets:    map[string]struct{}{"T1": {}, "T2": {}},
		candidates: map[string]struct{}{"C1": {}},
	}

	store := memory.New()
	copied, err := copyGroundTruth(ctx, src, sink.New(store, testLogger()), truth, "all", "truth", 1, testLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(2), copied)

	var keys []string
	for _, m := range store.Matches(ctx, "truth") {
		keys = append(keys, m.TargetID+"/"+m.CandidateID)
	}
	assert.ElementsMatch(t, []string{"T1/C1", "T2/C1"}, keys)
}
