// Package tracking follows an assigned job from PROVIDER_ASSIGNED to
// COMPLETED. It owns the TrackingSession of every assigned request,
// turns location pings into ETAs, and publishes stage and location
// events to the request's subscribers.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/earnings"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/payments"
	"github.com/example/field-dispatch/internal/storage"
)

var (
	ErrInvalidStageTransition = errors.New("invalid stage transition")
	ErrNoSession              = errors.New("no active tracking session for request")
	ErrWrongTechnician        = errors.New("technician is not assigned to request")
	ErrRequestNotActive       = errors.New("request is not in the expected status")
)

// InvalidStageTransitionError reports the stage the session is actually in
// so the caller can resynchronize.
type InvalidStageTransitionError struct {
	Current models.Stage
	Target  models.Stage
}

func (e *InvalidStageTransitionError) Error() string {
	return fmt.Sprintf("cannot move to %s from %s", e.Target, e.Current)
}

func (e *InvalidStageTransitionError) Is(target error) bool {
	return target == ErrInvalidStageTransition
}

// Technicians is the part of the technician session registry the
// tracking flow drives.
type Technicians interface {
	Get(id string) (models.Technician, bool)
	UpdatePosition(ctx context.Context, id string, pos models.Coord) (models.Technician, error)
	MarkArrived(ctx context.Context, id, requestID string) error
	StartService(ctx context.Context, id, requestID string) error
	CloseJob(ctx context.Context, id, requestID string, completedAt time.Time) (models.Technician, error)
	ReleaseJob(ctx context.Context, id, requestID string) error
}

type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) time.Duration
}

type Calculator interface {
	Compute(f earnings.Facts) models.Payout
}

type Deps struct {
	Store       storage.Store
	Technicians Technicians
	ETA         Estimator
	Earnings    Calculator
	Ledger      payments.Ledger
	Notifier    notify.Notifier
	Hub         *Hub
}

// LocationUpdate is one ping from the technician client. RecordedAt is
// the device timestamp; zero means "now".
type LocationUpdate struct {
	RequestID    string
	TechnicianID string
	Position     models.Coord
	HeadingDeg   *float64
	SpeedKmh     *float64
	RecordedAt   time.Time
}

type LocationResult struct {
	ETA   time.Duration
	Stage models.Stage
	// Stale is set when the ping was older than the stored position and dropped.
	Stale bool
}

type Service struct {
	mu       sync.RWMutex
	sessions map[string]*tracked

	deps   Deps
	cfg    config.TrackingConfig
	logger *slog.Logger
	now    func() time.Time
}

type tracked struct {
	mu     sync.Mutex
	s      models.TrackingSession
	seq    uint64
	closed bool
}

func NewService(deps Deps, cfg config.TrackingConfig, logger *slog.Logger) *Service {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(cfg.SubscriberBuffer, logger)
	}
	return &Service{
		sessions: make(map[string]*tracked),
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) Hub() *Hub { return s.deps.Hub }

// Announce publishes a stage for a request that has no session yet
// (SEARCHING while offers are negotiated).
func (s *Service) Announce(ctx context.Context, requestID string, stage models.Stage) {
	s.deps.Hub.Publish(ctx, Event{Type: EventStage, RequestID: requestID, Stage: stage, At: s.now()})
}

// Open creates the session for a request that just became ASSIGNED.
func (s *Service) Open(ctx context.Context, req models.AssistanceRequest, technicianID string) (models.TrackingSession, error) {
	now := s.now()
	sess := models.TrackingSession{
		ID:             uuid.NewString(),
		RequestID:      req.ID,
		TechnicianID:   technicianID,
		Stage:          models.StageProviderAssigned,
		Destination:    req.Location,
		StageEnteredAt: now,
	}
	if tech, ok := s.deps.Technicians.Get(technicianID); ok && tech.Position != nil {
		p := *tech.Position
		sess.Position = &p
		sess.InitialDistanceKm = geo.Distance(p, req.Location)
		sess.ETA = s.deps.ETA.Estimate(ctx, p, req.Location)
	}

	t := &tracked{s: sess}
	s.mu.Lock()
	if _, dup := s.sessions[req.ID]; dup {
		s.mu.Unlock()
		return models.TrackingSession{}, fmt.Errorf("tracking session for %s already open", req.ID)
	}
	s.sessions[req.ID] = t
	s.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	s.publish(ctx, t, EventStage, "")
	return t.s, nil
}

func (s *Service) Get(requestID string) (models.TrackingSession, bool) {
	t := s.lookup(requestID)
	if t == nil {
		return models.TrackingSession{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.s), true
}

// RecordLocation accepts a ping for an assigned job. Pings older than the
// stored position are discarded and reported as stale, not as errors.
func (s *Service) RecordLocation(ctx context.Context, u LocationUpdate) (LocationResult, error) {
	t, err := s.acquire(u.RequestID, u.TechnicianID)
	if err != nil {
		return LocationResult{}, err
	}
	defer t.mu.Unlock()

	at := u.RecordedAt
	if at.IsZero() {
		at = s.now()
	}
	if t.s.Position != nil && at.Before(t.s.PositionAt) {
		observability.LocationUpdates.WithLabelValues("stale").Inc()
		return LocationResult{ETA: t.s.ETA, Stage: t.s.Stage, Stale: true}, nil
	}

	if t.s.Position != nil {
		t.s.DistanceTravelledKm += geo.Distance(*t.s.Position, u.Position)
	}
	p := u.Position
	t.s.Position = &p
	t.s.PositionAt = at
	t.s.HeadingDeg = u.HeadingDeg
	t.s.SpeedKmh = u.SpeedKmh
	t.s.ETA = s.deps.ETA.Estimate(ctx, p, t.s.Destination)

	if _, err := s.deps.Technicians.UpdatePosition(ctx, u.TechnicianID, p); err != nil {
		s.logger.Warn("technician position not mirrored", "technician_id", u.TechnicianID, "error", err)
	}

	if t.s.Stage == models.StageProviderAssigned {
		s.enter(ctx, t, models.StageEnRoute)
	}
	if t.s.Stage == models.StageEnRoute && geo.Distance(p, t.s.Destination) <= s.cfg.ArrivingRadiusKm {
		s.enter(ctx, t, models.StageArriving)
	}
	s.publish(ctx, t, EventLocation, "")
	observability.LocationUpdates.WithLabelValues("accepted").Inc()
	return LocationResult{ETA: t.s.ETA, Stage: t.s.Stage}, nil
}

func (s *Service) MarkArrived(ctx context.Context, requestID, technicianID string) (models.TrackingSession, error) {
	t, err := s.acquire(requestID, technicianID)
	if err != nil {
		return models.TrackingSession{}, err
	}
	defer t.mu.Unlock()

	if !t.s.Stage.Before(models.StageArrived) {
		return snapshot(t.s), &InvalidStageTransitionError{Current: t.s.Stage, Target: models.StageArrived}
	}
	if err := s.deps.Technicians.MarkArrived(ctx, technicianID, requestID); err != nil {
		return snapshot(t.s), fmt.Errorf("technician %s arrived: %w", technicianID, err)
	}
	s.enter(ctx, t, models.StageArrived)
	t.s.ETA = 0
	return snapshot(t.s), nil
}

// StartService moves the request to IN_PROGRESS.
func (s *Service) StartService(ctx context.Context, requestID, technicianID string) (models.TrackingSession, error) {
	t, err := s.acquire(requestID, technicianID)
	if err != nil {
		return models.TrackingSession{}, err
	}
	defer t.mu.Unlock()

	if t.s.Stage != models.StageArrived {
		return snapshot(t.s), &InvalidStageTransitionError{Current: t.s.Stage, Target: models.StageInService}
	}
	now := s.now()
	req, err := s.transitionRequest(ctx, requestID, models.RequestAssigned, models.RequestInProgress, func(r *models.AssistanceRequest) {
		r.StartedAt = &now
	})
	if err != nil {
		return snapshot(t.s), err
	}
	if err := s.deps.Technicians.StartService(ctx, technicianID, requestID); err != nil {
		s.logger.Error("technician session out of step with request", "request_id", requestID, "technician_id", technicianID, "error", err)
	}
	s.enter(ctx, t, models.StageInService)
	s.notifyRequester(ctx, req, "")
	return snapshot(t.s), nil
}

// CompleteService closes the job: the request becomes COMPLETED with its
// payout attached, the ledger receives the payout, the technician is
// available again and the session is archived. customerRating is 0 when
// the requester did not rate the job.
func (s *Service) CompleteService(ctx context.Context, requestID, technicianID string, customerRating float64) (models.Payout, error) {
	t, err := s.acquire(requestID, technicianID)
	if err != nil {
		return models.Payout{}, err
	}
	defer t.mu.Unlock()

	if t.s.Stage != models.StageInService {
		return models.Payout{}, &InvalidStageTransitionError{Current: t.s.Stage, Target: models.StageCompleted}
	}
	tech, _ := s.deps.Technicians.Get(technicianID)
	now := s.now()
	distance := t.s.DistanceTravelledKm
	if distance <= 0 {
		distance = t.s.InitialDistanceKm
	}
	payout := s.deps.Earnings.Compute(earnings.Facts{
		RequestID:      requestID,
		TechnicianID:   technicianID,
		VehicleType:    tech.VehicleType,
		DistanceKm:     distance,
		CompletedAt:    now,
		CustomerRating: customerRating,
	})

	req, err := s.transitionRequest(ctx, requestID, models.RequestInProgress, models.RequestCompleted, func(r *models.AssistanceRequest) {
		r.CompletedAt = &now
		r.Earnings = &payout
	})
	if err != nil {
		return models.Payout{}, err
	}
	if _, err := s.deps.Technicians.CloseJob(ctx, technicianID, requestID, now); err != nil {
		s.logger.Error("technician session out of step with request", "request_id", requestID, "technician_id", technicianID, "error", err)
	}
	s.enter(ctx, t, models.StageCompleted)
	s.archive(requestID, t)
	observability.PayoutCents.Observe(float64(payout.AmountCents))

	if s.deps.Ledger != nil {
		if err := s.deps.Ledger.Post(ctx, payout, tech.PayoutAccount); err != nil {
			observability.PayoutPostErrors.Inc()
			s.logger.Error("payout posting failed", "request_id", requestID, "technician_id", technicianID, "amount_cents", payout.AmountCents, "error", err)
		}
	}
	s.notifyRequester(ctx, req, "")
	return payout, nil
}

// Discard tears the session down after the request was cancelled and
// releases the technician. The request itself is already CANCELLED.
func (s *Service) Discard(ctx context.Context, requestID, reason string) error {
	t := s.lookup(requestID)
	if t == nil {
		return ErrNoSession
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNoSession
	}
	if err := s.deps.Technicians.ReleaseJob(ctx, t.s.TechnicianID, requestID); err != nil {
		s.logger.Warn("technician release failed", "request_id", requestID, "technician_id", t.s.TechnicianID, "error", err)
	}
	s.publish(ctx, t, EventClosed, reason)
	s.archive(requestID, t)
	return nil
}

// Close ends tracking for a cancelled request. An open session is
// discarded; a request still searching gets a TRACKING_CLOSED event and
// its subscriptions end.
func (s *Service) Close(ctx context.Context, requestID, reason string) {
	if err := s.Discard(ctx, requestID, reason); err == nil {
		return
	}
	s.deps.Hub.Publish(ctx, Event{Type: EventClosed, RequestID: requestID, Stage: models.StageSearching, Reason: reason, At: s.now()})
	s.deps.Hub.Close(requestID)
}

// acquire returns the session locked; the caller unlocks it.
func (s *Service) acquire(requestID, technicianID string) (*tracked, error) {
	t := s.lookup(requestID)
	if t == nil {
		return nil, ErrNoSession
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrNoSession
	}
	if t.s.TechnicianID != technicianID {
		t.mu.Unlock()
		return nil, ErrWrongTechnician
	}
	return t, nil
}

func (s *Service) lookup(requestID string) *tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[requestID]
}

// archive must be called with t.mu held.
func (s *Service) archive(requestID string, t *tracked) {
	t.closed = true
	s.mu.Lock()
	if s.sessions[requestID] == t {
		delete(s.sessions, requestID)
	}
	s.mu.Unlock()
	s.deps.Hub.Close(requestID)
}

func (s *Service) enter(ctx context.Context, t *tracked, stage models.Stage) {
	t.s.Stage = stage
	t.s.StageEnteredAt = s.now()
	s.publish(ctx, t, EventStage, "")
}

// publish must be called with t.mu held so events leave in acceptance order.
func (s *Service) publish(ctx context.Context, t *tracked, kind, reason string) {
	t.seq++
	e := Event{
		Type:         kind,
		RequestID:    t.s.RequestID,
		TechnicianID: t.s.TechnicianID,
		Seq:          t.seq,
		Stage:        t.s.Stage,
		HeadingDeg:   t.s.HeadingDeg,
		SpeedKmh:     t.s.SpeedKmh,
		ETASeconds:   t.s.ETA.Seconds(),
		Reason:       reason,
		At:           s.now(),
	}
	if t.s.Position != nil {
		p := *t.s.Position
		e.Position = &p
	}
	s.deps.Hub.Publish(ctx, e)
}

func (s *Service) transitionRequest(ctx context.Context, id string, from, to models.RequestStatus, apply func(*models.AssistanceRequest)) (models.AssistanceRequest, error) {
	req, err := s.deps.Store.GetRequest(ctx, id)
	if err != nil {
		return models.AssistanceRequest{}, fmt.Errorf("load request %s: %w", id, err)
	}
	if req.Status != from {
		return *req, fmt.Errorf("request %s is %s: %w", id, req.Status, ErrRequestNotActive)
	}
	req.Status = to
	apply(req)
	if err := s.deps.Store.UpdateRequest(ctx, req, from); err != nil {
		return *req, fmt.Errorf("move request %s to %s: %w", id, to, err)
	}
	return *req, nil
}

func (s *Service) notifyRequester(ctx context.Context, req models.AssistanceRequest, reason string) {
	n := notify.StatusNotice{
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Status:      req.Status,
		Reason:      reason,
		At:          s.now(),
	}
	if req.TechnicianID != nil {
		n.TechnicianID = *req.TechnicianID
	}
	if err := s.deps.Notifier.NotifyRequester(ctx, n); err != nil {
		s.logger.Warn("requester notification failed", "request_id", req.ID, "error", err)
	}
}

func snapshot(s models.TrackingSession) models.TrackingSession {
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	return s
}
