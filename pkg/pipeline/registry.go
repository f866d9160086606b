// Package pipeline holds the matcher registry, the named pipeline
// configurations and the score aggregators.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/similarity"
)

// Input is a bitmask over the arguments a matcher can ask for
type Input uint8

const (
	InputTarget Input = 1 << iota
	InputCandidate
	InputTargetIndex
	InputCandidateIndex

	InputRecords = InputTarget | InputCandidate
	InputIndices = InputTargetIndex | InputCandidateIndex
)

// Has reports whether every bit of other is set
func (i Input) Has(other Input) bool {
	return i&other == other
}

func (i Input) String() string {
	var parts []string
	for _, p := range []struct {
		bit  Input
		name string
	}{
		{InputTarget, "target"},
		{InputCandidate, "candidate"},
		{InputTargetIndex, "target_index"},
		{InputCandidateIndex, "candidate_index"},
	} {
		if i.Has(p.bit) {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Lookup reads the published similarity matrix
type Lookup interface {
	Similarity(i, j int) (float64, error)
}

// Args carries the inputs of one matcher call. Only the fields the matcher
// declared are set; everything else is the zero value.
type Args struct {
	Target         *models.AppRecord
	Candidate      *models.AppRecord
	TargetIndex    int
	CandidateIndex int
	Index          Lookup
}

// MatchFunc scores one pair
type MatchFunc func(args Args) (models.ScoreSet, error)

// Matcher is a registered scoring function with its declared inputs and emitted keys
type Matcher struct {
	Name     string
	Inputs   Input
	Keys     []string
	Requires []string
	Fn       MatchFunc
}

// ModifierFunc produces an auxiliary signal for weighting
type ModifierFunc func(args Args) (bool, error)

// Modifier is a registered weight modifier. Its value never enters the ScoreSet.
type Modifier struct {
	Name   string
	Inputs Input
	Key    string
	Fn     ModifierFunc
}

// Env is what pre-pass steps may use besides the records
type Env struct {
	Logger       ectologger.Logger
	Publisher    *similarity.Publisher
	StopWordsDir string
	// DeveloperStopWordsDir falls back to StopWordsDir when empty
	DeveloperStopWordsDir string
}

// PrepareFunc runs once over the full record sets before any pair is scored
type PrepareFunc func(ctx context.Context, env *Env, targets, candidates []models.AppRecord) error

// Prepare is a registered pre-pass step
type Prepare struct {
	Name     string
	Requires []string
	Fn       PrepareFunc
}

var (
	registryMu sync.RWMutex
	prepares   = make(map[string]Prepare)
	matchers   = make(map[string]Matcher)
	modifiers  = make(map[string]Modifier)
)

// RegisterPrepare adds a pre-pass step to the registry
func RegisterPrepare(p Prepare) {
	registryMu.Lock()
	defer registryMu.Unlock()
	prepares[p.Name] = p
}

// RegisterMatcher adds a pairwise or indexed matcher to the registry
func RegisterMatcher(m Matcher) {
	registryMu.Lock()
	defer registryMu.Unlock()
	matchers[m.Name] = m
}

// RegisterModifier adds a weight modifier to the registry
func RegisterModifier(m Modifier) {
	registryMu.Lock()
	defer registryMu.Unlock()
	modifiers[m.Name] = m
}

// Registered returns the sorted names of every registered matcher
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(matchers))
	for name := range matchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config lists registry names per group, in order
type Config struct {
	Name            string
	Prepares        []string
	Matchers        []string
	IndexedMatchers []string
	Modifiers       []string
}

// Pipeline is a validated configuration ready to score pairs
type Pipeline struct {
	name      string
	prepares  []Prepare
	matchers  []Matcher
	modifiers []Modifier
	keys      []string
}

// New resolves a configuration against the registry and validates it
func New(cfg Config) (*Pipeline, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	p := &Pipeline{name: cfg.Name}

	done := make(map[string]bool)
	for _, name := range cfg.Prepares {
		step, ok := prepares[name]
		if !ok {
			return nil, fmt.Errorf("pipeline %s: unknown prepare step %q", cfg.Name, name)
		}
		for _, req := range step.Requires {
			if !done[req] {
				return nil, fmt.Errorf("pipeline %s: prepare step %q requires %q to run before it", cfg.Name, name, req)
			}
		}
		done[name] = true
		p.prepares = append(p.prepares, step)
	}

	owner := make(map[string]string)
	addMatcher := func(name string, indexed bool) error {
		m, ok := matchers[name]
		if !ok {
			return fmt.Errorf("pipeline %s: unknown matcher %q", cfg.Name, name)
		}
		if m.Inputs == 0 {
			return fmt.Errorf("pipeline %s: matcher %q declares no inputs", cfg.Name, name)
		}
		if indexed != (m.Inputs&InputIndices != 0) {
			return fmt.Errorf("pipeline %s: matcher %q with inputs %s is in the wrong group", cfg.Name, name, m.Inputs)
		}
		for _, req := range m.Requires {
			if !done[req] {
				return fmt.Errorf("pipeline %s: matcher %q requires prepare step %q", cfg.Name, name, req)
			}
		}
		if len(m.Keys) == 0 {
			return fmt.Errorf("pipeline %s: matcher %q declares no keys", cfg.Name, name)
		}
		for _, key := range m.Keys {
			if prev, dup := owner[key]; dup {
				return fmt.Errorf("pipeline %s: key %q is emitted by both %q and %q", cfg.Name, key, prev, name)
			}
			owner[key] = name
			p.keys = append(p.keys, key)
		}
		p.matchers = append(p.matchers, m)
		return nil
	}
	for _, name := range cfg.Matchers {
		if err := addMatcher(name, false); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.IndexedMatchers {
		if err := addMatcher(name, true); err != nil {
			return nil, err
		}
	}

	modKeys := make(map[string]bool)
	for _, name := range cfg.Modifiers {
		m, ok := modifiers[name]
		if !ok {
			return nil, fmt.Errorf("pipeline %s: unknown modifier %q", cfg.Name, name)
		}
		if m.Inputs == 0 {
			return nil, fmt.Errorf("pipeline %s: modifier %q declares no inputs", cfg.Name, name)
		}
		if modKeys[m.Key] {
			return nil, fmt.Errorf("pipeline %s: modifier key %q is emitted twice", cfg.Name, m.Key)
		}
		modKeys[m.Key] = true
		p.modifiers = append(p.modifiers, m)
	}

	return p, nil
}

// Name returns the configuration name
func (p *Pipeline) Name() string {
	return p.name
}

// Keys returns every score name the pipeline emits
func (p *Pipeline) Keys() []string {
	return append([]string(nil), p.keys...)
}

// NeedsIndex reports whether any matcher reads the similarity matrix
func (p *Pipeline) NeedsIndex() bool {
	for _, m := range p.matchers {
		if m.Inputs&InputIndices != 0 {
			return true
		}
	}
	return false
}

// Prepare runs every pre-pass step in order
func (p *Pipeline) Prepare(ctx context.Context, env *Env, targets, candidates []models.AppRecord) error {
	for _, step := range p.prepares {
		if err := step.Fn(ctx, env, targets, candidates); err != nil {
			return fmt.Errorf("prepare step %s: %w", step.Name, err)
		}
	}
	return nil
}

// Pair is one (target, candidate) evaluation request
type Pair struct {
	Target         *models.AppRecord
	Candidate      *models.AppRecord
	TargetIndex    int
	CandidateIndex int
	Index          Lookup
}

func (pr Pair) args(inputs Input) Args {
	var a Args
	if inputs.Has(InputTarget) {
		a.Target = pr.Target
	}
	if inputs.Has(InputCandidate) {
		a.Candidate = pr.Candidate
	}
	if inputs.Has(InputTargetIndex) {
		a.TargetIndex = pr.TargetIndex
	}
	if inputs.Has(InputCandidateIndex) {
		a.CandidateIndex = pr.CandidateIndex
	}
	if inputs&InputIndices != 0 {
		a.Index = pr.Index
	}
	return a
}

// Score runs every matcher on the pair and merges their sub-scores
func (p *Pipeline) Score(pair Pair) (models.ScoreSet, error) {
	parts := make([]models.ScoreSet, 0, len(p.matchers))
	for _, m := range p.matchers {
		if m.Inputs&InputIndices != 0 && pair.Index == nil {
			return nil, fmt.Errorf("matcher %s needs the similarity index", m.Name)
		}
		scores, err := m.Fn(pair.args(m.Inputs))
		if err != nil {
			return nil, fmt.Errorf("matcher %s: %w", m.Name, err)
		}
		parts = append(parts, scores)
	}
	return Merge(parts...)
}

// Modifiers runs every weight modifier on the pair
func (p *Pipeline) Modifiers(pair Pair) (map[string]bool, error) {
	out := make(map[string]bool, len(p.modifiers))
	for _, m := range p.modifiers {
		v, err := m.Fn(pair.args(m.Inputs))
		if err != nil {
			return nil, fmt.Errorf("modifier %s: %w", m.Name, err)
		}
		out[m.Key] = v
	}
	return out, nil
}
