// Package earnings computes a technician's payout for one completed job.
// It has no side effects; posting the payout is the ledger's business.
package earnings

import (
	"math"
	"time"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/models"
)

// Facts are the completed-job inputs. CustomerRating is 0 when the
// requester did not rate the job.
type Facts struct {
	RequestID      string
	TechnicianID   string
	VehicleType    models.VehicleType
	DistanceKm     float64
	CompletedAt    time.Time
	CustomerRating float64
}

type Calculator struct {
	cfg config.EarningsConfig
}

func NewCalculator(cfg config.EarningsConfig) *Calculator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Calculator{cfg: cfg}
}

func (c *Calculator) Compute(f Facts) models.Payout {
	base := int64(math.Round(math.Max(f.DistanceKm, 0) * float64(c.cfg.RatePerKmCents[f.VehicleType])))
	if base < c.cfg.MinFareCents {
		base = c.cfg.MinFareCents
	}

	var peak int64
	if c.IsPeak(f.CompletedAt) {
		peak = int64(math.Round(float64(base) * c.cfg.PeakBonusRate))
	}

	var rating int64
	if f.CustomerRating > 0 && f.CustomerRating >= c.cfg.RatingBonusMin {
		rating = c.cfg.RatingBonusCents
	}

	return models.Payout{
		RequestID:        f.RequestID,
		TechnicianID:     f.TechnicianID,
		VehicleType:      f.VehicleType,
		DistanceKm:       f.DistanceKm,
		BaseCents:        base,
		PeakBonusCents:   peak,
		RatingBonusCents: rating,
		AmountCents:      base + peak + rating,
		Currency:         c.cfg.Currency,
		ComputedAt:       f.CompletedAt,
	}
}

// IsPeak evaluates t in the configured payout time zone.
func (c *Calculator) IsPeak(t time.Time) bool {
	local := t.In(c.cfg.Location)
	for _, w := range c.cfg.PeakWindows {
		if w.Contains(local) {
			return true
		}
	}
	return false
}
