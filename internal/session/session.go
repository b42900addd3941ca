// Package session keeps the per-technician state machine:
// OFFLINE <-> ONLINE -> JOB_OFFERED -> {ONLINE | EN_ROUTE} -> ARRIVED -> IN_SERVICE -> ONLINE.
//
// Every technician has its own mutex, so the active offer count and the
// job stage of one technician change atomically while different
// technicians never contend.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
)

var (
	ErrUnknownTechnician = errors.New("unknown technician")
	ErrCapacityExceeded  = errors.New("technician at concurrent offer cap")
	ErrUnavailable       = errors.New("technician not available")
	ErrActiveJob         = errors.New("technician has an active job")
	ErrInvalidTransition = errors.New("invalid technician state transition")
	ErrNoOffer           = errors.New("technician holds no offer for request")
	ErrInvalidProfile    = errors.New("technician profile needs an id and a known vehicle type")
)

// Sink receives a snapshot after every mutation; an offline technician is
// removed instead. geo.Geo satisfies it.
type Sink interface {
	Upsert(ctx context.Context, t models.Technician) error
	Remove(ctx context.Context, id string) error
}

type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	maxOffers int
	sink      Sink
	logger    *slog.Logger
}

type Session struct {
	mu      sync.Mutex
	tech    models.Technician
	offers  map[string]struct{}
	version uint64

	// pushMu orders sink writes of this technician outside mu.
	pushMu sync.Mutex
	pushed uint64
}

func NewRegistry(maxOffers int, sink Sink, logger *slog.Logger) *Registry {
	if maxOffers <= 0 {
		maxOffers = 3
	}
	return &Registry{sessions: make(map[string]*Session), maxOffers: maxOffers, sink: sink, logger: logger}
}

// Register stores or refreshes a technician profile. Runtime state
// (online flag, position, offers, current job) survives a refresh.
func (r *Registry) Register(ctx context.Context, profile models.Technician) (models.Technician, error) {
	if profile.ID == "" || !profile.VehicleType.Valid() {
		return models.Technician{}, ErrInvalidProfile
	}
	r.mu.Lock()
	s, ok := r.sessions[profile.ID]
	if !ok {
		s = &Session{offers: make(map[string]struct{})}
		s.tech = models.Technician{ID: profile.ID, State: models.TechOffline}
		r.sessions[profile.ID] = s
	}
	r.mu.Unlock()

	return r.mutate(ctx, profile.ID, func(s *Session) error {
		s.tech.VehicleType = profile.VehicleType
		s.tech.Rating = profile.Rating
		s.tech.PayoutAccount = profile.PayoutAccount
		s.tech.DeviceToken = profile.DeviceToken
		if !ok {
			s.tech.CompletedJobs = profile.CompletedJobs
			s.tech.LastCompletedAt = profile.LastCompletedAt
		}
		return nil
	})
}

func (r *Registry) Get(id string) (models.Technician, bool) {
	s := r.session(id)
	if s == nil {
		return models.Technician{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// OpenOffers lists the requests currently courting the technician.
func (r *Registry) OpenOffers(id string) []string {
	s := r.session(id)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offerIDs()
}

func (r *Registry) GoOnline(ctx context.Context, id string, pos models.Coord) (models.Technician, error) {
	return r.mutate(ctx, id, func(s *Session) error {
		if !s.tech.Online {
			observability.TechniciansOnline.Inc()
		}
		s.tech.Online = true
		p := pos
		s.tech.Position = &p
		if s.tech.State == models.TechOffline {
			s.tech.State = s.idleState()
		}
		return nil
	})
}

// GoOffline returns the requests whose open offers must be cancelled.
// It is rejected while the technician is bound to a job.
func (r *Registry) GoOffline(ctx context.Context, id string) ([]string, error) {
	var open []string
	_, err := r.mutate(ctx, id, func(s *Session) error {
		if s.tech.State.OnJob() {
			return ErrActiveJob
		}
		if s.tech.Online {
			observability.TechniciansOnline.Dec()
		}
		s.tech.Online = false
		s.tech.Position = nil
		s.tech.State = models.TechOffline
		open = s.offerIDs()
		return nil
	})
	return open, err
}

func (r *Registry) UpdatePosition(ctx context.Context, id string, pos models.Coord) (models.Technician, error) {
	return r.mutate(ctx, id, func(s *Session) error {
		if !s.tech.Online {
			return ErrUnavailable
		}
		p := pos
		s.tech.Position = &p
		return nil
	})
}

// ReserveOffer counts a new OFFERED entry against the technician's cap.
func (r *Registry) ReserveOffer(ctx context.Context, id, requestID string) error {
	_, err := r.mutate(ctx, id, func(s *Session) error {
		if !s.tech.Online || s.tech.State.OnJob() {
			return ErrUnavailable
		}
		if _, dup := s.offers[requestID]; dup {
			return ErrInvalidTransition
		}
		if len(s.offers) >= r.maxOffers {
			return ErrCapacityExceeded
		}
		s.offers[requestID] = struct{}{}
		s.tech.ActiveOffers = len(s.offers)
		s.tech.State = models.TechJobOffered
		return nil
	})
	return err
}

// ReleaseOffer undoes ReserveOffer once the offer resolved, whatever the outcome.
func (r *Registry) ReleaseOffer(ctx context.Context, id, requestID string) error {
	_, err := r.mutate(ctx, id, func(s *Session) error {
		if _, ok := s.offers[requestID]; !ok {
			return ErrNoOffer
		}
		delete(s.offers, requestID)
		s.tech.ActiveOffers = len(s.offers)
		if s.tech.State == models.TechJobOffered {
			s.tech.State = s.idleState()
		}
		return nil
	})
	return err
}

// BeginJob binds the technician to the request whose offer they accepted.
func (r *Registry) BeginJob(ctx context.Context, id, requestID string) error {
	_, err := r.mutate(ctx, id, func(s *Session) error {
		if s.tech.State.OnJob() {
			return ErrActiveJob
		}
		if !s.tech.Online {
			return ErrUnavailable
		}
		if _, ok := s.offers[requestID]; !ok {
			return ErrNoOffer
		}
		s.tech.State = models.TechEnRoute
		s.tech.CurrentJob = requestID
		return nil
	})
	return err
}

func (r *Registry) MarkArrived(ctx context.Context, id, requestID string) error {
	return r.advanceJob(ctx, id, requestID, models.TechEnRoute, models.TechArrived)
}

func (r *Registry) StartService(ctx context.Context, id, requestID string) error {
	return r.advanceJob(ctx, id, requestID, models.TechArrived, models.TechInService)
}

// CloseJob finishes the job and returns the technician to availability.
func (r *Registry) CloseJob(ctx context.Context, id, requestID string, completedAt time.Time) (models.Technician, error) {
	return r.mutate(ctx, id, func(s *Session) error {
		if s.tech.State != models.TechInService || s.tech.CurrentJob != requestID {
			return ErrInvalidTransition
		}
		s.tech.CompletedJobs++
		s.tech.LastCompletedAt = completedAt
		s.tech.CurrentJob = ""
		s.tech.State = s.idleState()
		return nil
	})
}

// ReleaseJob drops the job binding without completing it (request cancelled).
func (r *Registry) ReleaseJob(ctx context.Context, id, requestID string) error {
	_, err := r.mutate(ctx, id, func(s *Session) error {
		if !s.tech.State.OnJob() || s.tech.CurrentJob != requestID {
			return ErrInvalidTransition
		}
		s.tech.CurrentJob = ""
		s.tech.State = s.idleState()
		return nil
	})
	return err
}

func (r *Registry) advanceJob(ctx context.Context, id, requestID string, from, to models.TechnicianState) error {
	_, err := r.mutate(ctx, id, func(s *Session) error {
		if s.tech.State != from || s.tech.CurrentJob != requestID {
			return ErrInvalidTransition
		}
		s.tech.State = to
		return nil
	})
	return err
}

func (r *Registry) session(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// mutate runs fn under the technician's lock, then pushes the resulting
// snapshot to the sink after releasing it. A snapshot older than one
// already pushed is dropped, so the index still sees updates in order.
func (r *Registry) mutate(ctx context.Context, id string, fn func(s *Session) error) (models.Technician, error) {
	s := r.session(id)
	if s == nil {
		return models.Technician{}, ErrUnknownTechnician
	}
	s.mu.Lock()
	if err := fn(s); err != nil {
		snap := s.snapshot()
		s.mu.Unlock()
		return snap, err
	}
	s.tech.Updated = time.Now()
	s.version++
	snap, version := s.snapshot(), s.version
	s.mu.Unlock()

	r.push(ctx, s, snap, version)
	return snap, nil
}

func (r *Registry) push(ctx context.Context, s *Session, snap models.Technician, version uint64) {
	if r.sink == nil {
		return
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if version <= s.pushed {
		return
	}
	s.pushed = version
	var err error
	if snap.Online {
		err = r.sink.Upsert(ctx, snap)
	} else {
		err = r.sink.Remove(ctx, snap.ID)
	}
	if err != nil {
		r.logger.Warn("geo index update failed", "technician_id", snap.ID, "online", snap.Online, "error", err)
	}
}

func (s *Session) idleState() models.TechnicianState {
	switch {
	case !s.tech.Online:
		return models.TechOffline
	case s.tech.CurrentJob != "":
		return s.tech.State
	case len(s.offers) > 0:
		return models.TechJobOffered
	default:
		return models.TechOnline
	}
}

func (s *Session) snapshot() models.Technician {
	t := s.tech
	if t.Position != nil {
		p := *t.Position
		t.Position = &p
	}
	return t
}

func (s *Session) offerIDs() []string {
	out := make([]string, 0, len(s.offers))
	for id := range s.offers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
