package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/selector"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

var fixedScores = map[[2]string]float64{
	{"T1", "C1"}: 0.9,
	{"T1", "C2"}: 0.3,
	{"T2", "C1"}: 0.4,
	{"T2", "C2"}: 0.8,
}

func init() {
	pipeline.RegisterMatcher(pipeline.Matcher{
		Name:   "test_fixed",
		Inputs: pipeline.InputRecords,
		Keys:   []string{"fixed"},
		Fn: func(a pipeline.Args) (models.ScoreSet, error) {
			v, ok := fixedScores[[2]string{a.Target.ID, a.Candidate.ID}]
			if !ok {
				return nil, errors.New("no fixed score")
			}
			return models.ScoreSet{"fixed": v}, nil
		},
	})
	pipeline.RegisterMatcher(pipeline.Matcher{
		Name:   "test_panic",
		Inputs: pipeline.InputCandidate,
		Keys:   []string{"panic"},
		Fn: func(a pipeline.Args) (models.ScoreSet, error) {
			if a.Candidate.ID == "boom" {
				panic("matcher exploded")
			}
			return models.ScoreSet{"panic": 0.5}, nil
		},
	})
	pipeline.RegisterConfig(pipeline.Config{Name: "test-fixed", Matchers: []string{"test_fixed"}})
	pipeline.RegisterConfig(pipeline.Config{Name: "test-panic", Matchers: []string{"test_panic"}})
}

func newLocal(store *memory.Store) *Coordinator {
	worker := NewWorker(sink.New(store, testLogger()), testLogger())
	return NewCoordinator(LocalSpawner{Worker: worker}, testLogger())
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name     string
		n, w     int
		expected []Range
	}{
		{"even", 4, 2, []Range{{0, 2}, {2, 4}}},
		{"ceiling", 5, 2, []Range{{0, 3}, {3, 5}}},
		{"last smaller", 10, 4, []Range{{0, 3}, {3, 6}, {6, 9}, {9, 10}}},
		{"fewer items than workers", 2, 4, []Range{{0, 1}, {1, 2}, {2, 2}, {2, 2}}},
		{"no items", 0, 3, []Range{{0, 0}, {0, 0}, {0, 0}}},
		{"single worker", 7, 1, []Range{{0, 7}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges := Chunk(tt.n, tt.w)
			assert.Equal(t, tt.expected, ranges)

			total := 0
			for _, r := range ranges {
				total += r.Len()
			}
			assert.Equal(t, tt.n, total)
		})
	}

	assert.Panics(t, func() { Chunk(3, 0) })
	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}

func TestRunTwoByTwo(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	targets := []models.AppRecord{{ID: "T1"}, {ID: "T2"}}
	candidates := []models.AppRecord{{ID: "C1"}, {ID: "C2"}}

	report, err := newLocal(store).Run(ctx, RunConfig{
		RunID:       "two-by-two",
		Destination: "matches",
		Pipeline:    "test-fixed",
		Aggregator:  pipeline.AggregatorMean,
		Workers:     2,
		ShmDir:      t.TempDir(),
	}, targets, candidates)
	require.NoError(t, err)

	assert.Equal(t, int64(4), report.Scored)
	assert.Equal(t, int64(4), report.Persisted)
	assert.Zero(t, report.FailedWorkers)

	stored := store.Matches(ctx, "matches")
	require.Len(t, stored, 4)
	for _, r := range stored {
		assert.Equal(t, fixedScores[[2]string{r.TargetID, r.CandidateID}], r.AggregateScore)
		assert.Equal(t, "two-by-two", r.RunID)
	}

	_, err = selector.New(store, testLogger()).Run(ctx, "matches")
	require.NoError(t, err)

	for target, expected := range map[string]struct {
		candidate string
		score     float64
	}{
		"T1": {"C1", 0.9},
		"T2": {"C2", 0.8},
	} {
		best, err := store.BestMatch(ctx, "matches", target)
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, expected.candidate, best.CandidateID)
		assert.Equal(t, expected.score, best.AggregateScore)
	}
}

func TestMalformedRecordIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	targets := []models.AppRecord{{
		ID:          "com.example.target",
		Name:        "Example",
		Developer:   "Example Inc",
		Description: "An example app for testing",
		Icon:        &models.IconHashes{AHash: "ffffffffffffffff"},
	}}
	candidates := make([]models.AppRecord, 10000)
	for i := range candidates {
		candidates[i] = models.AppRecord{
			ID:          fmt.Sprintf("com.example.app%d", i),
			Name:        fmt.Sprintf("App %d", i),
			Developer:   "Someone",
			Description: fmt.Sprintf("Candidate app number %d", i),
			Icon:        &models.IconHashes{AHash: "ffffffffffff0000"},
		}
	}
	candidates[4321].Icon.AHash = "definitely-not-hex"

	report, err := newLocal(store).Run(ctx, RunConfig{
		RunID:       "malformed",
		Destination: "matches",
		Pipeline:    pipeline.ConfigDefault,
		Aggregator:  pipeline.AggregatorMean,
		ExtraScores: true,
		Workers:     4,
		BatchSize:   1000,
		ShmDir:      t.TempDir(),
	}, targets, candidates)
	require.NoError(t, err)

	assert.Equal(t, int64(9999), report.Scored)
	assert.Equal(t, int64(1), report.Skipped)
	assert.Equal(t, int64(9999), report.Persisted)
	assert.Zero(t, report.FailedWorkers)

	stored := store.Matches(ctx, "matches")
	assert.Len(t, stored, 9999)
	assert.NotNil(t, stored[0].WeightedScore)
	assert.NotNil(t, stored[0].LinearScore)
}

func TestPanickingMatcherSkipsPair(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	report, err := newLocal(store).Run(ctx, RunConfig{
		RunID:       "panic",
		Destination: "matches",
		Pipeline:    "test-panic",
		Workers:     1,
		ShmDir:      t.TempDir(),
	}, []models.AppRecord{{ID: "t"}}, []models.AppRecord{{ID: "a"}, {ID: "boom"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Persisted)
	assert.Equal(t, int64(1), report.Skipped)
}

func TestRegionNamesAreRunScoped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	other := similarity.NewPublisher(dir, similarity.NamesForRun("busy"), testLogger())
	require.NoError(t, other.Publish(ctx, &similarity.Matrix{Rows: 1, Cols: 1, Data: []float64{1}}))
	defer other.Close()

	_, err := newLocal(memory.New()).Run(ctx, RunConfig{
		RunID:       "busy",
		Destination: "matches",
		Pipeline:    pipeline.ConfigDefault,
		Workers:     1,
		ShmDir:      dir,
	}, []models.AppRecord{{ID: "t"}}, []models.AppRecord{{ID: "c"}})
	assert.ErrorIs(t, err, similarity.ErrRegionExists)
}

func TestWorkerProtocolErrors(t *testing.T) {
	ctx := context.Background()
	worker := NewWorker(sink.New(memory.New(), testLogger()), testLogger())

	t.Run("index not published", func(t *testing.T) {
		out, err := worker.Run(ctx, Assignment{
			RunID:      "missing",
			Targets:    []models.AppRecord{{ID: "t"}},
			Candidates: []models.AppRecord{{ID: "c"}},
			Pipeline:   pipeline.ConfigDefault,
			ShmDir:     t.TempDir(),
			Regions:    similarity.NamesForRun("missing"),
		})
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		assert.ErrorIs(t, err, similarity.ErrNotPublished)
		assert.True(t, out.Protocol)
		assert.True(t, out.Failed())
	})

	t.Run("shape does not cover the chunk", func(t *testing.T) {
		dir := t.TempDir()
		names := similarity.NamesForRun("small")
		pub := similarity.NewPublisher(dir, names, testLogger())
		require.NoError(t, pub.Publish(ctx, &similarity.Matrix{Rows: 1, Cols: 1, Data: []float64{0.5}}))
		defer pub.Close()

		_, err := worker.Run(ctx, Assignment{
			Targets:    []models.AppRecord{{ID: "t"}},
			Candidates: []models.AppRecord{{ID: "c1"}, {ID: "c2"}},
			Pipeline:   pipeline.ConfigDefault,
			ShmDir:     dir,
			Regions:    names,
		})
		assert.ErrorIs(t, err, similarity.ErrProtocol)
	})

	t.Run("unknown pipeline is worker fatal", func(t *testing.T) {
		out, err := worker.Run(ctx, Assignment{
			Targets:    []models.AppRecord{{ID: "t"}},
			Candidates: []models.AppRecord{{ID: "c"}},
			Pipeline:   "nope",
		})
		require.NoError(t, err)
		assert.True(t, out.Failed())
		assert.False(t, out.Protocol)
	})
}

func TestServeAssignment(t *testing.T) {
	store := memory.New()
	worker := NewWorker(sink.New(store, testLogger()), testLogger())

	payload, err := json.Marshal(Assignment{
		RunID:       "serve",
		ChunkIndex:  1,
		Targets:     []models.AppRecord{{ID: "T1"}},
		Candidates:  []models.AppRecord{{ID: "C1"}, {ID: "C2"}},
		Pipeline:    "test-fixed",
		Destination: "matches",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, ServeAssignment(context.Background(), worker, bytes.NewReader(payload), &out))

	var outcome Outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &outcome))
	assert.Equal(t, 1, outcome.ChunkIndex)
	assert.Equal(t, int64(2), outcome.Persisted)
	assert.Len(t, store.Matches(context.Background(), "matches"), 2)
}

func fakeCommand(mode string) func(string, ...string) *exec.Cmd {
	return func(string, ...string) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FERN_HELPER_MODE="+mode)
		return cmd
	}
}

func TestProcessSpawner(t *testing.T) {
	original := command
	t.Cleanup(func() { command = original })

	spawner := &ProcessSpawner{Executable: "fern", Args: []string{"worker"}, Stderr: &bytes.Buffer{}}

	t.Run("success", func(t *testing.T) {
		command = fakeCommand("success")
		out, err := spawner.Spawn(context.Background(), Assignment{ChunkIndex: 2, Targets: []models.AppRecord{{ID: "t"}}})
		require.NoError(t, err)
		assert.Equal(t, 2, out.ChunkIndex)
		assert.Equal(t, int64(1), out.Persisted)
	})

	t.Run("protocol exit", func(t *testing.T) {
		command = fakeCommand("protocol")
		out, err := spawner.Spawn(context.Background(), Assignment{})
		require.NoError(t, err)
		assert.True(t, out.Protocol)
		assert.True(t, out.Failed())
	})

	t.Run("crash", func(t *testing.T) {
		command = fakeCommand("crash")
		_, err := spawner.Spawn(context.Background(), Assignment{})
		assert.Error(t, err)
	})
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	var a Assignment
	if err := json.NewDecoder(os.Stdin).Decode(&a); err != nil {
		os.Exit(2)
	}

	switch os.Getenv("FERN_HELPER_MODE") {
	case "success":
		_ = json.NewEncoder(os.Stdout).Encode(Outcome{ChunkIndex: a.ChunkIndex, Scored: int64(len(a.Targets)), Persisted: int64(len(a.Targets))})
		os.Exit(0)
	case "protocol":
		_ = json.NewEncoder(os.Stdout).Encode(Outcome{ChunkIndex: a.ChunkIndex, Error: "not published", Protocol: true})
		os.Exit(ExitProtocol)
	default:
		os.Exit(1)
	}
}
