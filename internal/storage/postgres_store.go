package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/field-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in name order. They are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.AssistanceRequest) error {
	earnings, err := encodeEarnings(r.Earnings)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO assistance_requests(id, requester_id, lat, lon, category, priority, status, marker, technician_id, created_at, assigned_at, started_at, completed_at, cancelled_at, cancel_reason, earnings) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RequesterID, r.Location.Lat, r.Location.Lon, string(r.Category), r.Priority, string(r.Status), r.Marker, r.TechnicianID,
		r.CreatedAt, r.AssignedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.CancelReason, earnings)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrExists
	}
	return err
}

const uniqueViolation = "23505"

const requestColumns = `id, requester_id, lat, lon, category, priority, status, marker, technician_id, created_at, assigned_at, started_at, completed_at, cancelled_at, cancel_reason, earnings`

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.AssistanceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM assistance_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r *models.AssistanceRequest, expect models.RequestStatus) error {
	earnings, err := encodeEarnings(r.Earnings)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE assistance_requests SET status=$1, marker=$2, technician_id=$3, assigned_at=$4, started_at=$5, completed_at=$6, cancelled_at=$7, cancel_reason=$8, earnings=$9 WHERE id=$10 AND status=$11`,
		string(r.Status), r.Marker, r.TechnicianID, r.AssignedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.CancelReason, earnings, r.ID, string(expect))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetRequest(ctx, r.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.JobOffer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO job_offers(id, request_id, technician_id, rank, distance_km, status, issued_at, deadline, resolved_at, reason) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, resolved_at=EXCLUDED.resolved_at, reason=EXCLUDED.reason`,
		o.ID, o.RequestID, o.TechnicianID, o.Rank, o.DistanceKm, string(o.Status), o.IssuedAt, o.Deadline, o.ResolvedAt, o.Reason)
	return err
}

// offerSelect takes category and location from the parent request.
const offerSelect = `SELECT o.id, o.request_id, o.technician_id, o.rank, o.distance_km, o.status, o.issued_at, o.deadline, o.resolved_at, o.reason, r.category, r.lat, r.lon
FROM job_offers o JOIN assistance_requests r ON r.id = o.request_id`

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.JobOffer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, offerSelect+` WHERE o.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOffers(ctx context.Context, requestID string) ([]models.JobOffer, error) {
	rows, err := p.db.QueryContext(ctx, offerSelect+` WHERE o.request_id=$1 ORDER BY o.issued_at, o.rank`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.JobOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOffer(s scanner) (*models.JobOffer, error) {
	var o models.JobOffer
	var status, category string
	var resolved sql.NullTime
	if err := s.Scan(&o.ID, &o.RequestID, &o.TechnicianID, &o.Rank, &o.DistanceKm, &status, &o.IssuedAt, &o.Deadline, &resolved, &o.Reason,
		&category, &o.Location.Lat, &o.Location.Lon); err != nil {
		return nil, err
	}
	o.Status = models.OfferStatus(status)
	o.Category = models.ServiceCategory(category)
	o.ResolvedAt = timePtr(resolved)
	return &o, nil
}

func (p *PostgresStore) ListRetryable(ctx context.Context, limit int) ([]models.AssistanceRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM assistance_requests WHERE status='PENDING' AND marker <> '' ORDER BY priority DESC, created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AssistanceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*models.AssistanceRequest, error) {
	var r models.AssistanceRequest
	var category, status string
	var techID sql.NullString
	var assigned, started, completed, cancelled sql.NullTime
	var earnings []byte
	if err := s.Scan(&r.ID, &r.RequesterID, &r.Location.Lat, &r.Location.Lon, &category, &r.Priority, &status, &r.Marker, &techID,
		&r.CreatedAt, &assigned, &started, &completed, &cancelled, &r.CancelReason, &earnings); err != nil {
		return nil, err
	}
	r.Category = models.ServiceCategory(category)
	r.Status = models.RequestStatus(status)
	if techID.Valid {
		id := techID.String
		r.TechnicianID = &id
	}
	r.AssignedAt = timePtr(assigned)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	if len(earnings) > 0 {
		var p models.Payout
		if err := json.Unmarshal(earnings, &p); err != nil {
			return nil, fmt.Errorf("decode earnings for %s: %w", r.ID, err)
		}
		r.Earnings = &p
	}
	return &r, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func encodeEarnings(p *models.Payout) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
