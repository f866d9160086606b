package pipeline

import (
	"errors"
	"strings"

	"golang.org/x/text/language"

	"github.com/Ramsey-B/fern/pkg/comparators"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

const (
	MatcherPrivacyURL   = "privacy_url"
	MatcherDeveloperURL = "developer_url"
	MatcherDeveloper    = "developer"
	MatcherAppName      = "app_name"
	MatcherAppID        = "app_id"
	MatcherDeepLinks    = "deep_links"
	MatcherIconHash     = "icon_hash"
	MatcherDescription  = "description"
	ModifierLanguage    = "language"
)

func init() {
	RegisterMatcher(Matcher{Name: MatcherPrivacyURL, Inputs: InputRecords, Keys: []string{"privacy_url_max"}, Fn: matchPrivacyURL})
	RegisterMatcher(Matcher{Name: MatcherDeveloperURL, Inputs: InputRecords, Keys: []string{"developer_url_max"}, Fn: matchDeveloperURL})
	RegisterMatcher(Matcher{Name: MatcherDeveloper, Inputs: InputRecords, Keys: []string{"developer_max"}, Fn: matchDeveloper})
	RegisterMatcher(Matcher{Name: MatcherAppName, Inputs: InputRecords, Keys: []string{"app_name_max"}, Fn: matchAppName})
	RegisterMatcher(Matcher{Name: MatcherAppID, Inputs: InputRecords, Keys: []string{"app_id_max"}, Fn: matchAppID})
	RegisterMatcher(Matcher{Name: MatcherDeepLinks, Inputs: InputRecords, Keys: []string{"deep_link_max"}, Fn: matchDeepLinks})
	RegisterMatcher(Matcher{
		Name:     MatcherIconHash,
		Inputs:   InputRecords,
		Keys:     []string{"icon_hash_max"},
		Requires: []string{PrepareImageHashes},
		Fn:       matchIconHash,
	})
	RegisterMatcher(Matcher{
		Name:     MatcherDescription,
		Inputs:   InputIndices,
		Keys:     []string{DescriptionKey},
		Requires: []string{PrepareTFIDF},
		Fn:       matchDescription,
	})
	RegisterModifier(Modifier{Name: ModifierLanguage, Inputs: InputRecords, Key: LanguageModifierKey, Fn: languageMatches})
}

var (
	privacyLabels   = []string{"privacy policy", "datenschutzrichtlinie"}
	developerLabels = []string{"developer website", "website des entwicklers"}
)

// urlMax is the best of host equality, shared prefix and edit similarity
func urlMax(a, b string) float64 {
	return comparators.MaxOf(
		comparators.Indicator(comparators.SameDomain(a, b)),
		comparators.SharedPrefixSimilarity(a, b),
		comparators.EditSimilarity(a, b),
	)
}

// stringMax is the best of shared prefix and edit similarity
func stringMax(a, b string) float64 {
	return comparators.MaxOf(
		comparators.SharedPrefixSimilarity(a, b),
		comparators.EditSimilarity(a, b),
	)
}

// labelledURL prefers the dedicated field and falls back to a labelled link
func labelledURL(r *models.AppRecord, field string, labels []string) string {
	if field != "" {
		return field
	}
	return r.FindLink(labels...)
}

func matchPrivacyURL(args Args) (models.ScoreSet, error) {
	a := labelledURL(args.Target, args.Target.URLs.PrivacyPolicy, privacyLabels)
	b := labelledURL(args.Candidate, args.Candidate.URLs.PrivacyPolicy, privacyLabels)
	return models.ScoreSet{"privacy_url_max": urlMax(a, b)}, nil
}

func matchDeveloperURL(args Args) (models.ScoreSet, error) {
	a := labelledURL(args.Target, args.Target.URLs.DeveloperWebsite, developerLabels)
	b := labelledURL(args.Candidate, args.Candidate.URLs.DeveloperWebsite, developerLabels)
	return models.ScoreSet{"developer_url_max": urlMax(a, b)}, nil
}

func matchDeveloper(args Args) (models.ScoreSet, error) {
	return models.ScoreSet{"developer_max": stringMax(args.Target.Developer, args.Candidate.Developer)}, nil
}

func matchAppName(args Args) (models.ScoreSet, error) {
	return models.ScoreSet{"app_name_max": stringMax(args.Target.Name, args.Candidate.Name)}, nil
}

// matchAppID compares ids with a leading dot removed, since some stores report ".com.example.app"
func matchAppID(args Args) (models.ScoreSet, error) {
	a := strings.TrimPrefix(args.Target.ID, ".")
	b := strings.TrimPrefix(args.Candidate.ID, ".")
	return models.ScoreSet{"app_id_max": stringMax(a, b)}, nil
}

func customSchemes(r *models.AppRecord) []string {
	if r.DeepLinks == nil {
		return nil
	}
	out := make([]string, 0, len(r.DeepLinks.CustomSchemes))
	for _, s := range r.DeepLinks.CustomSchemes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || s == "http" || s == "https" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func appLinks(r *models.AppRecord) []string {
	if r.DeepLinks == nil {
		return nil
	}
	raw := append(append([]string(nil), r.DeepLinks.UniversalLinks...), r.DeepLinks.AppLinks...)
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = normalizers.TrimPrefixes(strings.TrimSpace(l), "applinks:", "*.", "www.")
		if l != "" {
			out = append(out, strings.ToLower(l))
		}
	}
	return out
}

// overlapRatio divides the overlap by the union size, floored at one
func overlapRatio(a, b []string) float64 {
	union := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		union[v] = struct{}{}
	}
	for _, v := range b {
		union[v] = struct{}{}
	}
	return float64(comparators.LinkOverlap(a, b)) / float64(max(len(union), 1))
}

func matchDeepLinks(args Args) (models.ScoreSet, error) {
	schemes := overlapRatio(customSchemes(args.Target), customSchemes(args.Candidate))
	links := overlapRatio(appLinks(args.Target), appLinks(args.Candidate))
	return models.ScoreSet{"deep_link_max": comparators.MaxOf(schemes, links)}, nil
}

var errIconNotPrepared = errors.New("icon hashes were not parsed")

func parsedIcon(r *models.AppRecord) (*models.ParsedIcon, error) {
	if r.Derived.IconError != "" {
		return nil, errors.New(r.Derived.IconError)
	}
	if r.Icon == nil {
		return nil, nil
	}
	if r.Derived.Icon == nil {
		return nil, errIconNotPrepared
	}
	return r.Derived.Icon, nil
}

func matchIconHash(args Args) (models.ScoreSet, error) {
	a, err := parsedIcon(args.Target)
	if err != nil {
		return nil, err
	}
	b, err := parsedIcon(args.Candidate)
	if err != nil {
		return nil, err
	}
	if a == nil || b == nil {
		return models.ScoreSet{"icon_hash_max": 0}, nil
	}

	if a.CRHash != nil && b.CRHash != nil && comparators.MultiHashMatches(a.CRHash, b.CRHash) {
		return models.ScoreSet{"icon_hash_max": 1}, nil
	}

	scores := make([]float64, 0, 3)
	for _, pair := range [][2]*comparators.ImageHash{
		{a.AHash, b.AHash},
		{a.PHash, b.PHash},
		{a.WHash, b.WHash},
	} {
		if pair[0] == nil || pair[1] == nil {
			continue
		}
		s, err := comparators.HashCloseness(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		scores = append(scores, s)
	}
	return models.ScoreSet{"icon_hash_max": comparators.MaxOf(scores...)}, nil
}

func matchDescription(args Args) (models.ScoreSet, error) {
	v, err := args.Index.Similarity(args.TargetIndex, args.CandidateIndex)
	if err != nil {
		return nil, err
	}
	return models.ScoreSet{DescriptionKey: v}, nil
}

// languageMatches compares the base languages of the two descriptions
func languageMatches(args Args) (bool, error) {
	a, b := args.Target.DescriptionLanguage, args.Candidate.DescriptionLanguage
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b), nil
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb, nil
}
