// Package memory implements the record, match and best-match stores in memory.
// It backs the engine and CLI tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Ramsey-B/fern/pkg/models"
)

type matchKey struct {
	collection string
	key        models.MatchKey
}

type bestKey struct {
	collection string
	targetID   string
}

// Store is safe for concurrent use
type Store struct {
	mu      sync.RWMutex
	records map[string][]models.AppRecord
	matches map[matchKey]models.MatchRecord
	best    map[bestKey]models.BestMatch
}

func New() *Store {
	return &Store{
		records: make(map[string][]models.AppRecord),
		matches: make(map[matchKey]models.MatchRecord),
		best:    make(map[bestKey]models.BestMatch),
	}
}

// PutRecords replaces every record of a catalog
func (s *Store) PutRecords(_ context.Context, catalog string, records []models.AppRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]models.AppRecord, len(records))
	for i, r := range records {
		r.Catalog = catalog
		copied[i] = r
	}
	s.records[catalog] = copied
	return nil
}

// ListRecords returns the records of a catalog in insertion order
func (s *Store) ListRecords(_ context.Context, catalog string) ([]models.AppRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AppRecord(nil), s.records[catalog]...), nil
}

// UpsertMatches stores records keyed by (collection, target_id, candidate_id)
func (s *Store) UpsertMatches(_ context.Context, records []models.MatchRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.matches[matchKey{collection: r.Collection, key: r.Key()}] = r
	}
	return int64(len(records)), nil
}

// Matches returns every record of a collection sorted by target then candidate
func (s *Store) Matches(_ context.Context, collection string) []models.MatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MatchRecord
	for k, r := range s.matches {
		if k.collection == collection {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out
}

// DistinctTargets returns the sorted target ids present in a collection
func (s *Store) DistinctTargets(_ context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range s.matches {
		if k.collection == collection {
			seen[k.key.TargetID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// TopMatch returns the best record of a target or nil
func (s *Store) TopMatch(_ context.Context, collection, targetID string) (*models.MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var top *models.MatchRecord
	for k, r := range s.matches {
		if k.collection != collection || k.key.TargetID != targetID {
			continue
		}
		if r.Better(top) {
			r := r
			top = &r
		}
	}
	return top, nil
}

// UpsertBestMatch stores the best match of a target, replacing any earlier one
func (s *Store) UpsertBestMatch(_ context.Context, best *models.BestMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.best[bestKey{collection: best.Collection, targetID: best.TargetID}] = *best
	return nil
}

// BestMatch returns the best match of a target or nil
func (s *Store) BestMatch(_ context.Context, collection, targetID string) (*models.BestMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.best[bestKey{collection: collection, targetID: targetID}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}
