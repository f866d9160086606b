package matches

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	defaultLimit = 10
	maxLimit     = 1000
)

type MatchReader interface {
	ListByTarget(ctx context.Context, collection, targetID string, limit int) ([]models.MatchRecord, error)
}

type BestMatchReader interface {
	Get(ctx context.Context, collection, targetID string) (*models.BestMatch, error)
	List(ctx context.Context, collection string, limit, offset int) ([]models.BestMatch, error)
}

// Handler serves persisted scores and selections
type Handler struct {
	matches MatchReader
	best    BestMatchReader
}

func NewHandler(matches MatchReader, best BestMatchReader) *Handler {
	return &Handler{matches: matches, best: best}
}

// Register mounts the routes on a /collections/:collection group
func (h *Handler) Register(g *echo.Group) {
	g.GET("/matches/:target_id", h.ListMatches)
	g.GET("/best-matches", h.ListBestMatches)
	g.GET("/best-matches/:target_id", h.GetBestMatch)
}

type MatchResponse struct {
	TargetID       string          `json:"target_id"`
	CandidateID    string          `json:"candidate_id"`
	Scores         models.ScoreSet `json:"scores"`
	AggregateScore float64         `json:"aggregate_score"`
	WeightedScore  *float64        `json:"weighted_score,omitempty"`
	LinearScore    *float64        `json:"linear_score,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toMatchResponse(m models.MatchRecord) MatchResponse {
	return MatchResponse{
		TargetID:       m.TargetID,
		CandidateID:    m.CandidateID,
		Scores:         m.Scores,
		AggregateScore: m.AggregateScore,
		WeightedScore:  m.WeightedScore,
		LinearScore:    m.LinearScore,
		RunID:          m.RunID,
		CreatedAt:      m.CreatedAt,
	}
}

type BestMatchResponse struct {
	TargetID       string        `json:"target_id"`
	CandidateID    string        `json:"candidate_id"`
	AggregateScore float64       `json:"aggregate_score"`
	Match          MatchResponse `json:"match"`
	SelectedAt     time.Time     `json:"selected_at"`
}

func toBestMatchResponse(b models.BestMatch) BestMatchResponse {
	return BestMatchResponse{
		TargetID:       b.TargetID,
		CandidateID:    b.CandidateID,
		AggregateScore: b.AggregateScore,
		Match:          toMatchResponse(b.Match),
		SelectedAt:     b.SelectedAt,
	}
}

type ListResponse[T any] struct {
	Collection string `json:"collection"`
	Items      []T    `json:"items"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset,omitempty"`
}

// ListMatches returns the ranked results of one target
func (h *Handler) ListMatches(c echo.Context) error {
	ctx := c.Request().Context()
	collection := c.Param("collection")

	limit, err := intParam(c, "limit", defaultLimit)
	if err != nil {
		return err
	}
	if limit < 1 || limit > maxLimit {
		return httperror.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000")
	}

	records, err := h.matches.ListByTarget(ctx, collection, c.Param("target_id"), limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListResponse[MatchResponse]{
		Collection: collection,
		Items:      ectolinq.Map(records, toMatchResponse),
		Limit:      limit,
	})
}

// ListBestMatches pages through a collection's selections
func (h *Handler) ListBestMatches(c echo.Context) error {
	ctx := c.Request().Context()
	collection := c.Param("collection")

	limit, err := intParam(c, "limit", 100)
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	if limit < 1 || limit > maxLimit || offset < 0 {
		return httperror.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 1000 and offset not negative")
	}

	best, err := h.best.List(ctx, collection, limit, offset)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListResponse[BestMatchResponse]{
		Collection: collection,
		Items:      ectolinq.Map(best, toBestMatchResponse),
		Limit:      limit,
		Offset:     offset,
	})
}

// GetBestMatch returns the selection for one target
func (h *Handler) GetBestMatch(c echo.Context) error {
	ctx := c.Request().Context()

	best, err := h.best.Get(ctx, c.Param("collection"), c.Param("target_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toBestMatchResponse(*best))
}

func intParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusBadRequest, name+" must be an integer")
	}
	return v, nil
}
