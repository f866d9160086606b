package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ScoreSet maps a metric name to a normalized value in [0,1]
type ScoreSet map[string]float64

// Keys returns the metric names in sorted order
func (s ScoreSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Scan implements sql.Scanner for JSONB columns
func (s *ScoreSet) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("ScoreSet.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, s)
}

// Value implements driver.Valuer
func (s ScoreSet) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

// MatchRecord is the scored result of one (target, candidate) pair
type MatchRecord struct {
	Collection     string    `json:"collection" db:"collection" validate:"required"`
	TargetID       string    `json:"target_id" db:"target_id" validate:"required"`
	CandidateID    string    `json:"candidate_id" db:"candidate_id" validate:"required"`
	Scores         ScoreSet  `json:"scores" db:"scores" validate:"required,dive,gte=0,lte=1"`
	AggregateScore float64   `json:"aggregate_score" db:"aggregate_score" validate:"gte=0,lte=1"`
	WeightedScore  *float64  `json:"weighted_score,omitempty" db:"weighted_score" validate:"omitempty,gte=0,lte=1"`
	LinearScore    *float64  `json:"linear_score,omitempty" db:"linear_score" validate:"omitempty,gte=0,lte=1"`
	RunID          string    `json:"run_id" db:"run_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Key identifies a record within its collection
func (m *MatchRecord) Key() MatchKey {
	return MatchKey{TargetID: m.TargetID, CandidateID: m.CandidateID}
}

// MatchKey is the uniqueness identity of a MatchRecord inside a collection
type MatchKey struct {
	TargetID    string
	CandidateID string
}

// Better reports whether m ranks above other: higher aggregate score first,
// then the lexicographically smaller candidate id.
func (m *MatchRecord) Better(other *MatchRecord) bool {
	if other == nil {
		return true
	}
	if m.AggregateScore != other.AggregateScore {
		return m.AggregateScore > other.AggregateScore
	}
	return m.CandidateID < other.CandidateID
}

// BestMatch is the chosen candidate for one target
type BestMatch struct {
	Collection     string      `json:"collection" db:"collection"`
	TargetID       string      `json:"target_id" db:"target_id"`
	CandidateID    string      `json:"candidate_id" db:"candidate_id"`
	AggregateScore float64     `json:"aggregate_score" db:"aggregate_score"`
	Match          MatchRecord `json:"best_match" db:"-"`
	SelectedAt     time.Time   `json:"selected_at" db:"selected_at"`
}

// NewBestMatch wraps a persisted record as the best match of its target
func NewBestMatch(match MatchRecord) *BestMatch {
	return &BestMatch{
		Collection:     match.Collection,
		TargetID:       match.TargetID,
		CandidateID:    match.CandidateID,
		AggregateScore: match.AggregateScore,
		Match:          match,
		SelectedAt:     time.Now().UTC(),
	}
}
