package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/models"
)

// ErrNoCandidateAvailable is benign: the request stays PENDING with a retry marker.
var ErrNoCandidateAvailable = errors.New("no technician available")

type Geo interface {
	FindCandidates(ctx context.Context, q geo.Query) ([]geo.Candidate, error)
}

type ETA interface {
	Estimate(ctx context.Context, from, to models.Coord) time.Duration
}

// Entry is one slot of the offer queue.
type Entry struct {
	geo.Candidate
	Rank int           `json:"rank"`
	ETA  time.Duration `json:"eta"`
}

type Service struct {
	Geo      Geo
	Dispatch config.DispatchConfig
	// Positions resolves a candidate's current position for the ETA hint; optional.
	Positions func(technicianID string) (models.Coord, bool)
	ETA       ETA
}

// BuildQueue returns the distance-ordered offer queue for a request. The
// order is fully determined by the index snapshot taken at call time.
func (s *Service) BuildQueue(ctx context.Context, req models.AssistanceRequest) ([]Entry, error) {
	q := geo.Query{
		Point:           req.Location,
		RadiusKm:        s.Dispatch.RadiusFor(req.Category),
		Category:        req.Category,
		MaxActiveOffers: s.Dispatch.MaxConcurrentOffers,
	}
	cands, err := s.Geo.FindCandidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find candidates for %s: %w", req.ID, err)
	}
	if len(cands) == 0 {
		return nil, ErrNoCandidateAvailable
	}
	if n := s.Dispatch.MatcherTopN; n > 0 && len(cands) > n {
		cands = cands[:n]
	}
	out := make([]Entry, 0, len(cands))
	for i, c := range cands {
		e := Entry{Candidate: c, Rank: i + 1}
		if s.ETA != nil && s.Positions != nil {
			if pos, ok := s.Positions(c.TechnicianID); ok {
				e.ETA = s.ETA.Estimate(ctx, pos, req.Location)
			}
		}
		out = append(out, e)
	}
	return out, nil
}
