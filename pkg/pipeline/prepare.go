package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/Ramsey-B/fern/pkg/comparators"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/similarity"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	PrepareDescriptions = "descriptions"
	PrepareTFIDF        = "tf_idf"
	PrepareImageHashes  = "image_hashes"
	PrepareHuStrings    = "hu_strings"
)

var errNoPublisher = errors.New("no similarity publisher configured")

func init() {
	RegisterPrepare(Prepare{Name: PrepareDescriptions, Fn: prepareDescriptions})
	RegisterPrepare(Prepare{Name: PrepareTFIDF, Requires: []string{PrepareDescriptions}, Fn: prepareTFIDF})
	RegisterPrepare(Prepare{Name: PrepareImageHashes, Fn: prepareImageHashes})
	RegisterPrepare(Prepare{Name: PrepareHuStrings, Fn: prepareHuStrings})
}

// prepareDescriptions joins fragmented descriptions into one text blob
func prepareDescriptions(_ context.Context, _ *Env, targets, candidates []models.AppRecord) error {
	for _, set := range [][]models.AppRecord{targets, candidates} {
		for i := range set {
			r := &set[i]
			if len(r.DescriptionFragments) > 0 {
				r.Derived.Text = strings.Join(r.DescriptionFragments, "\n")
			} else {
				r.Derived.Text = r.Description
			}
		}
	}
	return nil
}

func prepareTFIDF(ctx context.Context, env *Env, targets, candidates []models.AppRecord) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.prepareTFIDF")
	defer span.End()

	if env == nil || env.Publisher == nil {
		return errNoPublisher
	}

	stop, err := similarity.LoadStopWords(env.StopWordsDir)
	if err != nil {
		return err
	}

	texts := func(set []models.AppRecord) []string {
		out := make([]string, len(set))
		for i := range set {
			out[i] = set[i].Derived.Text
		}
		return out
	}

	m, err := similarity.BuildMatrix(ctx, texts(targets), texts(candidates), stop)
	if err != nil {
		return err
	}
	return env.Publisher.Publish(ctx, m)
}

// prepareImageHashes decodes icon hashes. A malformed hash is recorded on the
// record so only pairs that use it fail.
func prepareImageHashes(_ context.Context, _ *Env, targets, candidates []models.AppRecord) error {
	for _, set := range [][]models.AppRecord{targets, candidates} {
		for i := range set {
			r := &set[i]
			if r.Icon == nil {
				continue
			}
			icon, err := parseIcon(r.Icon)
			if err != nil {
				r.Derived.IconError = err.Error()
				continue
			}
			r.Derived.Icon = icon
		}
	}
	return nil
}

func parseIcon(h *models.IconHashes) (*models.ParsedIcon, error) {
	icon := &models.ParsedIcon{}
	var err error
	for _, f := range []struct {
		raw  string
		dest **comparators.ImageHash
	}{
		{h.AHash, &icon.AHash},
		{h.PHash, &icon.PHash},
		{h.WHash, &icon.WHash},
	} {
		if f.raw == "" {
			continue
		}
		if *f.dest, err = comparators.ParseHash(f.raw); err != nil {
			return nil, err
		}
	}
	if h.CRHash != "" {
		if icon.CRHash, err = comparators.ParseMultiHash(h.CRHash); err != nil {
			return nil, err
		}
	}
	return icon, nil
}

// prepareHuStrings folds names and developers and removes company suffixes from developers
func prepareHuStrings(_ context.Context, env *Env, targets, candidates []models.AppRecord) error {
	dir := ""
	if env != nil {
		dir = env.DeveloperStopWordsDir
		if dir == "" {
			dir = env.StopWordsDir
		}
	}
	stop, err := similarity.LoadStopWords(dir)
	if err != nil {
		return err
	}

	for _, set := range [][]models.AppRecord{targets, candidates} {
		for i := range set {
			r := &set[i]
			r.Derived.FoldedName = HuString(r.Name, nil)
			r.Derived.FoldedDeveloper = HuString(r.Developer, stop)
		}
	}
	return nil
}

// HuString transliterates, lowercases and strips non-word characters, then drops stop words
func HuString(s string, stop map[string]struct{}) string {
	s = normalizers.ApplyChain(s, "fold", "lowercase", "word_chars")
	return normalizers.RemoveWords(s, stop)
}
