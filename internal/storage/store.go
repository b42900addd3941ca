package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/field-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a request id is already taken.
	ErrExists = errors.New("request already exists")
	// ErrConflict means the stored status no longer matches the caller's expectation.
	ErrConflict = errors.New("request status changed concurrently")
)

// Store persists requests and offers. UpdateRequest is a compare-and-set
// on status so concurrent writers cannot both move a request.
type Store interface {
	// CreateRequest never overwrites: an existing id yields ErrExists.
	CreateRequest(ctx context.Context, r *models.AssistanceRequest) error
	GetRequest(ctx context.Context, id string) (*models.AssistanceRequest, error)
	UpdateRequest(ctx context.Context, r *models.AssistanceRequest, expect models.RequestStatus) error
	SaveOffer(ctx context.Context, o *models.JobOffer) error
	GetOffer(ctx context.Context, id string) (*models.JobOffer, error)
	ListOffers(ctx context.Context, requestID string) ([]models.JobOffer, error)
	// ListRetryable returns PENDING requests that carry a retry marker.
	ListRetryable(ctx context.Context, limit int) ([]models.AssistanceRequest, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.AssistanceRequest
	offers   map[string]map[string]models.JobOffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]models.AssistanceRequest),
		offers:   make(map[string]map[string]models.JobOffer),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.AssistanceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrExists
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.AssistanceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) UpdateRequest(_ context.Context, r *models.AssistanceRequest, expect models.RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) SaveOffer(_ context.Context, o *models.JobOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.offers[o.RequestID]
	if !ok {
		byID = make(map[string]models.JobOffer)
		m.offers[o.RequestID] = byID
	}
	byID[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.JobOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, byID := range m.offers {
		if o, ok := byID[id]; ok {
			return &o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListOffers(_ context.Context, requestID string) ([]models.JobOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.JobOffer, 0, len(m.offers[requestID]))
	for _, o := range m.offers[requestID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].Rank < out[j].Rank
	})
	return out, nil
}

func (m *MemoryStore) ListRetryable(_ context.Context, limit int) ([]models.AssistanceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AssistanceRequest
	for _, r := range m.requests {
		if r.Status == models.RequestPending && r.Marker != models.MarkerNone {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
