package similarity

import (
	"bufio"
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Tokenize lowercases text and returns every run of two or more word characters
func Tokenize(text string) []string {
	var tokens []string
	var current []rune
	flush := func() {
		if len(current) >= 2 {
			tokens = append(tokens, string(current))
		}
		current = current[:0]
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.Is(unicode.Mn, r) {
			current = append(current, r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

// LoadStopWords reads one word per line from every file in dir.
// README files are skipped. A missing or empty dir yields no stop words.
func LoadStopWords(dir string) (map[string]struct{}, error) {
	words := make(map[string]struct{})
	if dir == "" {
		return words, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return words, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read stop words dir")
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), "README") {
			continue
		}
		if err := readWordList(filepath.Join(dir, entry.Name()), words); err != nil {
			return nil, err
		}
	}
	return words, nil
}

func readWordList(path string, into map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open word list %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if w := strings.TrimSpace(scanner.Text()); w != "" {
			into[strings.ToLower(w)] = struct{}{}
		}
	}
	return errors.Wrapf(scanner.Err(), "failed to read word list %s", path)
}

// SparseVector is a tf-idf row sorted by term index
type SparseVector struct {
	Indices []int
	Values  []float64
}

// Dot returns the inner product of two sparse vectors
func (v SparseVector) Dot(other SparseVector) float64 {
	sum := 0.0
	i, j := 0, 0
	for i < len(v.Indices) && j < len(other.Indices) {
		switch {
		case v.Indices[i] == other.Indices[j]:
			sum += v.Values[i] * other.Values[j]
			i++
			j++
		case v.Indices[i] < other.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// Vectorizer is a tf-idf model with smoothed idf and L2 normalized rows
type Vectorizer struct {
	stop  map[string]struct{}
	vocab map[string]int
	idf   []float64
}

func NewVectorizer(stop map[string]struct{}) *Vectorizer {
	return &Vectorizer{stop: stop, vocab: make(map[string]int)}
}

func (v *Vectorizer) terms(doc string) []string {
	tokens := Tokenize(doc)
	kept := tokens[:0]
	for _, t := range tokens {
		if _, ok := v.stop[t]; !ok {
			kept = append(kept, t)
		}
	}
	return kept
}

// Fit learns the vocabulary and idf weights from docs
func (v *Vectorizer) Fit(docs []string) {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]struct{})
		for _, t := range v.terms(doc) {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			df[t]++
		}
	}

	vocab := make([]string, 0, len(df))
	for t := range df {
		vocab = append(vocab, t)
	}
	sort.Strings(vocab)

	n := float64(len(docs))
	v.vocab = make(map[string]int, len(vocab))
	v.idf = make([]float64, len(vocab))
	for i, t := range vocab {
		v.vocab[t] = i
		v.idf[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}
}

// Transform projects doc into the fitted vector space
func (v *Vectorizer) Transform(doc string) SparseVector {
	counts := make(map[int]float64)
	for _, t := range v.terms(doc) {
		if idx, ok := v.vocab[t]; ok {
			counts[idx]++
		}
	}

	vec := SparseVector{Indices: make([]int, 0, len(counts)), Values: make([]float64, 0, len(counts))}
	for idx := range counts {
		vec.Indices = append(vec.Indices, idx)
	}
	sort.Ints(vec.Indices)

	norm := 0.0
	for _, idx := range vec.Indices {
		w := counts[idx] * v.idf[idx]
		vec.Values = append(vec.Values, w)
		norm += w * w
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec.Values {
			vec.Values[i] /= norm
		}
	}
	return vec
}

// Matrix is a dense row-major similarity matrix
type Matrix struct {
	Rows int
	Cols int
	Data []float64
}

// At returns the value at row i, column j
func (m *Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// BuildMatrix fits one model over both document sets and returns the
// cosine similarity of every target against every candidate.
func BuildMatrix(ctx context.Context, targets, candidates []string, stop map[string]struct{}) (*Matrix, error) {
	vectorizer := NewVectorizer(stop)
	all := make([]string, 0, len(targets)+len(candidates))
	all = append(all, candidates...)
	all = append(all, targets...)
	vectorizer.Fit(all)

	targetVecs := make([]SparseVector, len(targets))
	for i, doc := range targets {
		targetVecs[i] = vectorizer.Transform(doc)
	}
	candidateVecs := make([]SparseVector, len(candidates))
	for j, doc := range candidates {
		candidateVecs[j] = vectorizer.Transform(doc)
	}

	m := &Matrix{Rows: len(targets), Cols: len(candidates), Data: make([]float64, len(targets)*len(candidates))}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, rowParallelism()))
	for i := range targetVecs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := m.Data[i*m.Cols : (i+1)*m.Cols]
			for j := range candidateVecs {
				row[j] = clamp01(targetVecs[i].Dot(candidateVecs[j]))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
