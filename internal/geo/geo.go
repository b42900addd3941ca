package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// Geo is the candidate index consulted by the queue builder. Technician
// sessions push snapshots into it; reads may be slightly stale.
type Geo interface {
	Upsert(ctx context.Context, t models.Technician) error
	Remove(ctx context.Context, technicianID string) error
	FindCandidates(ctx context.Context, q Query) ([]Candidate, error)
}

type Query struct {
	Point    models.Coord
	RadiusKm float64
	Category models.ServiceCategory
	// MaxActiveOffers excludes technicians already courted by this many requests.
	MaxActiveOffers int
}

type Candidate struct {
	TechnicianID    string    `json:"technician_id"`
	DistanceKm      float64   `json:"distance_km"`
	Rating          float64   `json:"rating"`
	LastCompletedAt time.Time `json:"last_completed_at"`
}

type Index struct {
	mu          sync.RWMutex
	technicians map[string]models.Technician
}

func NewIndex() *Index {
	return &Index{technicians: make(map[string]models.Technician)}
}

func (g *Index) Upsert(_ context.Context, t models.Technician) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t.Updated = time.Now()
	g.technicians[t.ID] = t
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.technicians, id)
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) FindCandidates(_ context.Context, q Query) ([]Candidate, error) {
	g.mu.RLock()
	snapshot := make([]models.Technician, 0, len(g.technicians))
	for _, t := range g.technicians {
		snapshot = append(snapshot, t)
	}
	g.mu.RUnlock()
	return Rank(snapshot, q), nil
}

// Rank applies the candidate filters (online, vehicle fits category, within
// radius, below the offer cap) and orders the survivors by distance, then
// higher rating, then longest idle, then id.
func Rank(techs []models.Technician, q Query) []Candidate {
	out := make([]Candidate, 0, len(techs))
	for _, t := range techs {
		if !t.Online || t.Position == nil || t.State.OnJob() {
			continue
		}
		if !t.VehicleType.Serves(q.Category) {
			continue
		}
		dist := HaversineKm(q.Point.Lat, q.Point.Lon, t.Position.Lat, t.Position.Lon)
		if dist > q.RadiusKm {
			continue
		}
		if q.MaxActiveOffers > 0 && t.ActiveOffers >= q.MaxActiveOffers {
			continue
		}
		out = append(out, Candidate{
			TechnicianID:    t.ID,
			DistanceKm:      dist,
			Rating:          t.Rating,
			LastCompletedAt: t.LastCompletedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if !a.LastCompletedAt.Equal(b.LastCompletedAt) {
			return a.LastCompletedAt.Before(b.LastCompletedAt)
		}
		return a.TechnicianID < b.TechnicianID
	})
	return out
}

const earthRadiusKm = 6371.0

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Distance is HaversineKm over two coordinates.
func Distance(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}
