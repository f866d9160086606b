package pipeline

import (
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/Ramsey-B/fern/pkg/comparators"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Baselines from earlier cross-store matching work. They share the engine and
// differ only in their matchers.

const (
	MatcherAliExact      = "ali_exact"
	MatcherAliExactFixed = "ali_exact_fixed"
	MatcherHanExact      = "han_exact_similar_description"
	MatcherHuSimilarity  = "hu_similarity"

	hanDescriptionThreshold = 0.45
	huCutoff                = 0.6
)

func init() {
	RegisterMatcher(Matcher{Name: MatcherAliExact, Inputs: InputRecords, Keys: []string{"ali_exact_match"}, Fn: aliExactMatch})
	RegisterMatcher(Matcher{Name: MatcherAliExactFixed, Inputs: InputRecords, Keys: []string{"ali_exact_match_fixed"}, Fn: aliExactMatchFixed})
	RegisterMatcher(Matcher{
		Name:     MatcherHanExact,
		Inputs:   InputRecords | InputIndices,
		Keys:     []string{"han_exact_match_similar_description"},
		Requires: []string{PrepareTFIDF},
		Fn:       hanExactMatchSimilarDescription,
	})
	RegisterMatcher(Matcher{
		Name:     MatcherHuSimilarity,
		Inputs:   InputRecords,
		Keys:     []string{"hu_similarity_match"},
		Requires: []string{PrepareHuStrings},
		Fn:       huSimilarityMatch,
	})
}

// fullMatchFold matches the whole of s against the literal pattern, ignoring case
func fullMatchFold(pattern, s string) (bool, error) {
	re, err := regexp.Compile("(?i)^" + regexp.QuoteMeta(pattern) + "$")
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func aliExactMatch(args Args) (models.ScoreSet, error) {
	title, err := fullMatchFold(args.Candidate.Name, args.Target.Name)
	if err != nil {
		return nil, err
	}
	developer, err := fullMatchFold(args.Candidate.Developer, args.Target.Developer)
	if err != nil {
		return nil, err
	}
	return models.ScoreSet{"ali_exact_match": comparators.Indicator(title && developer)}, nil
}

func exactLower(a, b *models.AppRecord) bool {
	return strings.ToLower(a.Name) == strings.ToLower(b.Name) &&
		strings.ToLower(a.Developer) == strings.ToLower(b.Developer)
}

func aliExactMatchFixed(args Args) (models.ScoreSet, error) {
	return models.ScoreSet{"ali_exact_match_fixed": comparators.Indicator(exactLower(args.Target, args.Candidate))}, nil
}

func hanExactMatchSimilarDescription(args Args) (models.ScoreSet, error) {
	sim, err := args.Index.Similarity(args.TargetIndex, args.CandidateIndex)
	if err != nil {
		return nil, err
	}
	ok := exactLower(args.Target, args.Candidate) && sim >= hanDescriptionThreshold
	return models.ScoreSet{"han_exact_match_similar_description": comparators.Indicator(ok)}, nil
}

func huSimilarityMatch(args Args) (models.ScoreSet, error) {
	t, c := args.Target.Derived, args.Candidate.Derived
	if t.FoldedName == c.FoldedName && t.FoldedDeveloper == c.FoldedDeveloper {
		return models.ScoreSet{"hu_similarity_match": 1}, nil
	}

	score := 0.8*sequenceRatio(t.FoldedName, c.FoldedName) + 0.2*sequenceRatio(t.FoldedDeveloper, c.FoldedDeveloper)
	if score <= huCutoff {
		score = 0
	}
	return models.ScoreSet{"hu_similarity_match": score}, nil
}

// sequenceRatio is the character level SequenceMatcher ratio of a and b
func sequenceRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return difflib.NewMatcher(chars(a), chars(b)).Ratio()
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
