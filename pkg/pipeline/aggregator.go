package pipeline

import (
	"errors"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

var ErrEmptyScores = errors.New("no scores to aggregate")

// Merge combines sub-score maps. A key emitted twice fails the pair.
func Merge(parts ...models.ScoreSet) (models.ScoreSet, error) {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	merged := make(models.ScoreSet, size)
	for _, p := range parts {
		for k, v := range p {
			if _, dup := merged[k]; dup {
				return nil, fmt.Errorf("score %q emitted twice", k)
			}
			merged[k] = v
		}
	}
	return merged, nil
}

// Aggregator reduces a pair's ScoreSet to one value
type Aggregator interface {
	Name() string
	Aggregate(scores models.ScoreSet, modifiers map[string]bool) (float64, error)
}

// ModifierConsumer is implemented by aggregators that read weight modifiers
type ModifierConsumer interface {
	UsesModifiers() bool
}

// NeedsModifiers reports whether agg wants weight modifiers computed
func NeedsModifiers(agg Aggregator) bool {
	mc, ok := agg.(ModifierConsumer)
	return ok && mc.UsesModifiers()
}

const (
	AggregatorMean     = "mean"
	AggregatorWeighted = "weighted"
	AggregatorLinear   = "linear"
)

// NewAggregator returns the strategy registered under name
func NewAggregator(name string) (Aggregator, error) {
	switch name {
	case "", AggregatorMean:
		return Mean{}, nil
	case AggregatorWeighted:
		return NewWeighted(DefaultWeights()), nil
	case AggregatorLinear:
		return Linear{K: 2.5, D: -0.75}, nil
	default:
		return nil, fmt.Errorf("unknown aggregator %q", name)
	}
}

// Mean is the arithmetic mean of every score
type Mean struct{}

func (Mean) Name() string { return AggregatorMean }

func (Mean) Aggregate(scores models.ScoreSet, _ map[string]bool) (float64, error) {
	if len(scores) == 0 {
		return 0, ErrEmptyScores
	}
	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores)), nil
}

// DescriptionKey is the score the weighted strategy weighs by language and similarity
const DescriptionKey = "description_cosine_similarity"

// LanguageModifierKey is the modifier the weighted strategy consults
const LanguageModifierKey = "description_language_matches"

// DefaultWeights returns the per-metric weights of the weighted strategy
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"privacy_url_max":   2,
		"developer_url_max": 2,
		"developer_max":     2,
		"app_id_max":        1,
		"app_name_max":      3,
		"deep_link_max":     1,
		"icon_hash_max":     3,
	}
}

// Weighted is a weighted average. Metrics without a weight count once.
// The description weight depends on the similarity and the language modifier.
type Weighted struct {
	weights map[string]float64
}

func NewWeighted(weights map[string]float64) Weighted {
	return Weighted{weights: weights}
}

func (Weighted) Name() string { return AggregatorWeighted }

func (Weighted) UsesModifiers() bool { return true }

func (w Weighted) Aggregate(scores models.ScoreSet, modifiers map[string]bool) (float64, error) {
	if len(scores) == 0 {
		return 0, ErrEmptyScores
	}

	var totalWeight, weightedSum float64
	for key, score := range scores {
		weight := 1.0
		if key == DescriptionKey {
			weight = descriptionWeight(score, modifiers[LanguageModifierKey])
		} else if configured, ok := w.weights[key]; ok {
			weight = configured
		}
		weightedSum += score * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0, nil
	}
	return weightedSum / totalWeight, nil
}

func descriptionWeight(similarity float64, languageMatches bool) float64 {
	switch {
	case similarity >= 0.8:
		return 3
	case languageMatches:
		return 1
	default:
		return 0
	}
}

// Linear rescales every score with clip(K*x + D, 0, 1) before averaging
type Linear struct {
	K float64
	D float64
}

func (Linear) Name() string { return AggregatorLinear }

func (l Linear) Aggregate(scores models.ScoreSet, _ map[string]bool) (float64, error) {
	if len(scores) == 0 {
		return 0, ErrEmptyScores
	}
	sum := 0.0
	for _, v := range scores {
		sum += min(max(l.K*v+l.D, 0), 1)
	}
	return sum / float64(len(scores)), nil
}
