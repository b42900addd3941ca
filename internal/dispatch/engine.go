// Package dispatch negotiates each pending request with its offer queue:
// one offer at a time, in rank order, until a technician accepts or the
// queue runs out. Every negotiating request has its own goroutine; an
// offer is settled by whichever of accept, decline, deadline or
// cancellation reaches resolve first.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/matcher"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

var (
	ErrOfferNotFound        = errors.New("offer not found")
	ErrOfferAlreadyResolved = errors.New("offer already resolved")
	ErrNotOfferee           = errors.New("offer was made to another technician")
	ErrInvalidTransition    = errors.New("invalid request status transition")
	ErrInvalidRequest       = errors.New("request needs a valid location and service category")
	ErrShuttingDown         = errors.New("dispatch engine is shutting down")

	errStopped         = errors.New("negotiation stopped")
	errTechnicianTaken = errors.New("technician went offline or took a job")
)

// Offer resolution reasons.
const (
	ReasonDeclined      = "declined"
	ReasonTimeout       = "timeout"
	ReasonCancelled     = "request_cancelled"
	ReasonOffline       = "technician_offline"
	ReasonAcceptedOther = "accepted_other_job"
	ReasonShutdown      = "shutdown"
)

type Queue interface {
	BuildQueue(ctx context.Context, req models.AssistanceRequest) ([]matcher.Entry, error)
}

// Technicians is the slice of the session registry the negotiation drives.
// The engine never holds its own lock across a call that mutates a
// session.
type Technicians interface {
	Get(id string) (models.Technician, bool)
	GoOffline(ctx context.Context, id string) ([]string, error)
	ReserveOffer(ctx context.Context, id, requestID string) error
	ReleaseOffer(ctx context.Context, id, requestID string) error
	BeginJob(ctx context.Context, id, requestID string) error
	ReleaseJob(ctx context.Context, id, requestID string) error
	OpenOffers(id string) []string
}

type Tracker interface {
	Open(ctx context.Context, req models.AssistanceRequest, technicianID string) (models.TrackingSession, error)
	Close(ctx context.Context, requestID, reason string)
	Announce(ctx context.Context, requestID string, stage models.Stage)
}

type Deps struct {
	Store       storage.Store
	Queue       Queue
	Technicians Technicians
	Tracker     Tracker
	Notifier    notify.Notifier
}

type Engine struct {
	mu     sync.Mutex
	offers map[string]*liveOffer
	runs   map[string]*negotiation
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup

	deps   Deps
	cfg    config.DispatchConfig
	logger *slog.Logger
	now    func() time.Time
}

// liveOffer is an offer whose negotiation goroutine has not finished
// with it. offer is guarded by Engine.mu.
type liveOffer struct {
	offer    models.JobOffer
	resolved chan struct{}
	// settled closes once the negotiation acted on the resolution: the
	// next offer exists, the request is assigned, or the run ended.
	settled chan struct{}
}

type negotiation struct {
	requestID string
	current   *liveOffer
	cancelled bool
}

func NewEngine(deps Deps, cfg config.DispatchConfig, logger *slog.Logger) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Engine{
		offers: make(map[string]*liveOffer),
		runs:   make(map[string]*negotiation),
		quit:   make(chan struct{}),
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Intake stores a new PENDING request. Only geometry and category are
// checked; business eligibility was settled upstream.
func (e *Engine) Intake(ctx context.Context, in models.AssistanceRequest) (models.AssistanceRequest, error) {
	if !in.Category.Valid() || !in.Location.Valid() {
		return models.AssistanceRequest{}, ErrInvalidRequest
	}
	req := models.AssistanceRequest{
		ID:          in.ID,
		RequesterID: in.RequesterID,
		Location:    in.Location,
		Category:    in.Category,
		Priority:    in.Priority,
		Status:      models.RequestPending,
		CreatedAt:   e.now(),
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := e.deps.Store.CreateRequest(ctx, &req); err != nil {
		return models.AssistanceRequest{}, fmt.Errorf("store request %s: %w", req.ID, err)
	}
	return req, nil
}

func (e *Engine) Request(ctx context.Context, id string) (models.AssistanceRequest, error) {
	r, err := e.deps.Store.GetRequest(ctx, id)
	if err != nil {
		return models.AssistanceRequest{}, err
	}
	return *r, nil
}

func (e *Engine) Offers(ctx context.Context, requestID string) ([]models.JobOffer, error) {
	return e.deps.Store.ListOffers(ctx, requestID)
}

// Dispatch starts negotiating a PENDING request. Calling it again while a
// negotiation runs, or for a request that is no longer PENDING, does
// nothing. An empty queue parks the request with a retry marker.
func (e *Engine) Dispatch(ctx context.Context, requestID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if _, running := e.runs[requestID]; running {
		e.mu.Unlock()
		return nil
	}
	run := &negotiation{requestID: requestID}
	e.runs[requestID] = run
	e.wg.Add(1)
	e.mu.Unlock()

	started := false
	defer func() {
		if !started {
			e.forget(run)
			e.wg.Done()
		}
	}()

	req, err := e.deps.Store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status != models.RequestPending {
		return nil
	}

	queue, err := e.deps.Queue.BuildQueue(ctx, *req)
	if errors.Is(err, matcher.ErrNoCandidateAvailable) {
		observability.DispatchOutcomes.WithLabelValues("no_candidate").Inc()
		e.park(ctx, req.ID, models.MarkerNoCandidate)
		return nil
	}
	if err != nil {
		return err
	}

	if req.Marker != models.MarkerNone {
		req.Marker = models.MarkerNone
		if err := e.deps.Store.UpdateRequest(ctx, req, models.RequestPending); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return nil
			}
			return fmt.Errorf("clear marker on %s: %w", req.ID, err)
		}
	}
	e.deps.Tracker.Announce(ctx, req.ID, models.StageSearching)

	started = true
	go e.negotiate(run, *req, queue)
	return nil
}

func (e *Engine) negotiate(run *negotiation, req models.AssistanceRequest, queue []matcher.Entry) {
	defer e.wg.Done()
	observability.NegotiationsInFlight.Inc()
	defer observability.NegotiationsInFlight.Dec()

	ctx := context.Background()
	log := e.logger.With("request_id", req.ID)
	timeout := e.cfg.TimeoutFor(req.Category)

	var pending *liveOffer
	defer func() {
		e.forget(run)
		if pending != nil {
			e.settle(pending)
		}
	}()

	for _, entry := range queue {
		lo, offer, err := e.issue(ctx, run, req, entry, timeout)
		if errors.Is(err, errStopped) {
			e.stop(ctx, req.ID)
			return
		}
		if err != nil {
			log.Debug("candidate skipped", "technician_id", entry.TechnicianID, "error", err)
			continue
		}
		if pending != nil {
			e.settle(pending)
		}
		pending = lo
		e.notifyOffer(ctx, offer, entry.ETA)

		final := e.await(ctx, lo, timeout)
		if final.Status == models.OfferAccepted {
			e.assign(ctx, run, req, final)
			return
		}
		log.Info("offer resolved", "offer_id", final.ID, "technician_id", final.TechnicianID, "status", final.Status, "reason", final.Reason)
		if e.halted(run) {
			e.stop(ctx, req.ID)
			return
		}
	}

	observability.DispatchOutcomes.WithLabelValues("exhausted").Inc()
	log.Warn("offer queue exhausted", "candidates", len(queue))
	e.park(ctx, req.ID, models.MarkerExhausted)
}

// issue creates the next OFFERED offer. The technician's cap is charged
// on their session first; a full or unavailable technician is skipped like
// a decline. A slot charged for a run that stopped meanwhile is given back.
func (e *Engine) issue(ctx context.Context, run *negotiation, req models.AssistanceRequest, entry matcher.Entry, timeout time.Duration) (*liveOffer, models.JobOffer, error) {
	if e.halted(run) {
		return nil, models.JobOffer{}, errStopped
	}
	if err := e.deps.Technicians.ReserveOffer(ctx, entry.TechnicianID, req.ID); err != nil {
		return nil, models.JobOffer{}, err
	}

	e.mu.Lock()
	if run.cancelled || e.closed {
		e.mu.Unlock()
		e.unreserve(ctx, entry.TechnicianID, req.ID)
		return nil, models.JobOffer{}, errStopped
	}
	// GoOffline and an accept both change the session before they take
	// e.mu to resolve open offers, so a technician still free here will
	// have this offer resolved too.
	if t, ok := e.deps.Technicians.Get(entry.TechnicianID); !ok || !t.Online || t.State.OnJob() {
		e.mu.Unlock()
		e.unreserve(ctx, entry.TechnicianID, req.ID)
		return nil, models.JobOffer{}, errTechnicianTaken
	}
	now := e.now()
	lo := &liveOffer{
		offer: models.JobOffer{
			ID:           uuid.NewString(),
			RequestID:    req.ID,
			TechnicianID: entry.TechnicianID,
			Rank:         entry.Rank,
			DistanceKm:   entry.DistanceKm,
			Category:     req.Category,
			Location:     req.Location,
			Status:       models.OfferOffered,
			IssuedAt:     now,
			Deadline:     now.Add(timeout),
		},
		resolved: make(chan struct{}),
		settled:  make(chan struct{}),
	}
	e.offers[lo.offer.ID] = lo
	run.current = lo
	offer := lo.offer
	e.mu.Unlock()

	e.saveOffer(ctx, offer)
	return lo, offer, nil
}

func (e *Engine) unreserve(ctx context.Context, technicianID, requestID string) {
	if err := e.deps.Technicians.ReleaseOffer(ctx, technicianID, requestID); err != nil {
		e.logger.Warn("offer slot release failed", "technician_id", technicianID, "request_id", requestID, "error", err)
	}
}

// await blocks until the offer is resolved, arming the deadline timer, and
// then releases the technician's offer slot whatever the outcome.
func (e *Engine) await(ctx context.Context, lo *liveOffer, timeout time.Duration) models.JobOffer {
	timer := time.NewTimer(timeout)
	select {
	case <-lo.resolved:
	case <-timer.C:
		e.resolve(lo, models.OfferExpired, ReasonTimeout)
	case <-e.quit:
		e.resolve(lo, models.OfferExpired, ReasonShutdown)
	}
	timer.Stop()

	e.mu.Lock()
	final := lo.offer
	e.mu.Unlock()

	e.unreserve(ctx, final.TechnicianID, final.RequestID)
	e.saveOffer(ctx, final)

	observability.OffersTotal.WithLabelValues(string(final.Status)).Inc()
	if final.ResolvedAt != nil {
		observability.OfferDecisionSeconds.WithLabelValues(string(final.Status)).Observe(final.ResolvedAt.Sub(final.IssuedAt).Seconds())
	}
	if final.Status != models.OfferAccepted && final.Reason != ReasonDeclined {
		// the technician's device still shows it
		e.notifyOffer(ctx, final, 0)
	}
	return final
}

func (e *Engine) resolve(lo *liveOffer, status models.OfferStatus, reason string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(lo, status, reason)
}

// resolveLocked is the single resolution point of an offer; only the
// first call moves it out of OFFERED.
func (e *Engine) resolveLocked(lo *liveOffer, status models.OfferStatus, reason string) bool {
	if lo.offer.Status != models.OfferOffered {
		return false
	}
	now := e.now()
	lo.offer.Status = status
	lo.offer.ResolvedAt = &now
	lo.offer.Reason = reason
	close(lo.resolved)
	return true
}

func (e *Engine) settle(lo *liveOffer) {
	e.mu.Lock()
	delete(e.offers, lo.offer.ID)
	e.mu.Unlock()
	close(lo.settled)
}

// assign moves the request to ASSIGNED for the accepting technician and
// opens its tracking session. A cancellation that won the race keeps the
// request CANCELLED and frees the technician.
func (e *Engine) assign(ctx context.Context, run *negotiation, req models.AssistanceRequest, offer models.JobOffer) {
	techID := offer.TechnicianID
	log := e.logger.With("request_id", req.ID, "technician_id", techID)

	cur, err := e.deps.Store.GetRequest(ctx, req.ID)
	if err == nil && cur.Status != models.RequestPending {
		err = fmt.Errorf("request is %s: %w", cur.Status, storage.ErrConflict)
	}
	if err == nil {
		now := e.now()
		cur.Status = models.RequestAssigned
		cur.TechnicianID = &techID
		cur.AssignedAt = &now
		cur.Marker = models.MarkerNone
		err = e.deps.Store.UpdateRequest(ctx, cur, models.RequestPending)
	}
	if err != nil {
		e.releaseJob(ctx, techID, req.ID)
		if errors.Is(err, storage.ErrConflict) {
			log.Info("accepted offer lost to cancellation")
			observability.DispatchOutcomes.WithLabelValues("cancelled").Inc()
			return
		}
		log.Error("assignment failed", "error", err)
		observability.DispatchOutcomes.WithLabelValues("failed").Inc()
		e.park(ctx, req.ID, models.MarkerInterrupted)
		return
	}

	if _, err := e.deps.Tracker.Open(ctx, *cur, techID); err != nil {
		log.Error("tracking session not opened", "error", err)
	}

	e.mu.Lock()
	cancelled := run.cancelled
	if e.runs[req.ID] == run {
		delete(e.runs, req.ID)
	}
	e.mu.Unlock()
	if cancelled {
		e.deps.Tracker.Close(ctx, req.ID, ReasonCancelled)
		observability.DispatchOutcomes.WithLabelValues("cancelled").Inc()
		return
	}

	observability.DispatchOutcomes.WithLabelValues("assigned").Inc()
	log.Info("request assigned", "offer_id", offer.ID, "rank", offer.Rank)
	e.notifyRequester(ctx, *cur, "")
}

// RespondToOffer records the technician's decision and returns once the
// negotiation has acted on it. A response to an offer that is no longer
// OFFERED changes nothing and reports ErrOfferAlreadyResolved.
func (e *Engine) RespondToOffer(ctx context.Context, offerID, technicianID string, accept bool) (models.JobOffer, error) {
	e.mu.Lock()
	lo, live := e.offers[offerID]
	if !live {
		e.mu.Unlock()
		o, err := e.deps.Store.GetOffer(ctx, offerID)
		if errors.Is(err, storage.ErrNotFound) {
			return models.JobOffer{}, ErrOfferNotFound
		}
		if err != nil {
			return models.JobOffer{}, err
		}
		if o.TechnicianID != technicianID {
			return models.JobOffer{}, ErrNotOfferee
		}
		return *o, ErrOfferAlreadyResolved
	}
	if lo.offer.TechnicianID != technicianID {
		e.mu.Unlock()
		return models.JobOffer{}, ErrNotOfferee
	}
	if lo.offer.Status != models.OfferOffered {
		o := lo.offer
		e.mu.Unlock()
		return o, ErrOfferAlreadyResolved
	}
	if !accept {
		e.resolveLocked(lo, models.OfferDeclined, ReasonDeclined)
		e.mu.Unlock()
		return e.awaitSettled(ctx, lo)
	}
	requestID := lo.offer.RequestID
	e.mu.Unlock()

	// The session binds at most one job, so of two racing accepts by the
	// same technician only one gets past BeginJob.
	bindErr := e.deps.Technicians.BeginJob(ctx, technicianID, requestID)
	var others []string
	if bindErr == nil {
		others = e.deps.Technicians.OpenOffers(technicianID)
	}

	e.mu.Lock()
	if lo.offer.Status != models.OfferOffered {
		o := lo.offer
		e.mu.Unlock()
		if bindErr == nil {
			e.releaseJob(ctx, technicianID, requestID)
		}
		return o, ErrOfferAlreadyResolved
	}
	if bindErr != nil {
		e.mu.Unlock()
		if t, ok := e.deps.Technicians.Get(technicianID); ok && t.CurrentJob == requestID {
			// a duplicate accept of this very offer is being applied
			return e.awaitResolved(ctx, lo)
		}
		e.mu.Lock()
		o := lo.offer
		e.mu.Unlock()
		return o, fmt.Errorf("accept offer %s: %w", offerID, bindErr)
	}
	e.resolveLocked(lo, models.OfferAccepted, "")
	e.invalidateLocked(technicianID, others, requestID, models.OfferSuperseded, ReasonAcceptedOther)
	e.mu.Unlock()
	return e.awaitSettled(ctx, lo)
}

func (e *Engine) awaitSettled(ctx context.Context, lo *liveOffer) (models.JobOffer, error) {
	select {
	case <-lo.settled:
	case <-ctx.Done():
		return models.JobOffer{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.offer, nil
}

func (e *Engine) awaitResolved(ctx context.Context, lo *liveOffer) (models.JobOffer, error) {
	select {
	case <-lo.resolved:
	case <-ctx.Done():
		return models.JobOffer{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return lo.offer, ErrOfferAlreadyResolved
}

func (e *Engine) releaseJob(ctx context.Context, technicianID, requestID string) {
	if err := e.deps.Technicians.ReleaseJob(ctx, technicianID, requestID); err != nil {
		e.logger.Warn("technician release failed", "technician_id", technicianID, "request_id", requestID, "error", err)
	}
}

// invalidateLocked resolves the technician's live offers on the given
// requests, except keep.
func (e *Engine) invalidateLocked(technicianID string, requestIDs []string, keep string, status models.OfferStatus, reason string) {
	for _, rid := range requestIDs {
		if rid == keep {
			continue
		}
		run, ok := e.runs[rid]
		if !ok || run.current == nil || run.current.offer.TechnicianID != technicianID {
			continue
		}
		e.resolveLocked(run.current, status, reason)
	}
}

// GoOffline takes the technician off the map and expires the offers they
// still hold, so those requests move on to their next candidate. It is
// rejected while the technician is on a job.
func (e *Engine) GoOffline(ctx context.Context, technicianID string) error {
	open, err := e.deps.Technicians.GoOffline(ctx, technicianID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.invalidateLocked(technicianID, open, "", models.OfferExpired, ReasonOffline)
	e.mu.Unlock()
	return nil
}

// Cancel moves a PENDING or ASSIGNED request to CANCELLED. The in-flight
// offer, if any, expires at once and the negotiation ends; an assigned
// technician is released and the tracking session discarded.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) (models.AssistanceRequest, error) {
	for {
		req, err := e.deps.Store.GetRequest(ctx, requestID)
		if err != nil {
			return models.AssistanceRequest{}, err
		}
		from := req.Status
		if !models.CanTransition(from, models.RequestCancelled) {
			return *req, fmt.Errorf("cancel %s request: %w", from, ErrInvalidTransition)
		}
		now := e.now()
		req.Status = models.RequestCancelled
		req.CancelledAt = &now
		req.CancelReason = reason
		req.Marker = models.MarkerNone
		err = e.deps.Store.UpdateRequest(ctx, req, from)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return models.AssistanceRequest{}, fmt.Errorf("cancel request %s: %w", requestID, err)
		}

		e.mu.Lock()
		if run, negotiating := e.runs[requestID]; negotiating {
			run.cancelled = true
			if run.current != nil {
				e.resolveLocked(run.current, models.OfferExpired, ReasonCancelled)
			}
		}
		e.mu.Unlock()

		// An assignment still in flight closes tracking again once it sees
		// the cancelled run.
		e.deps.Tracker.Close(ctx, requestID, reason)
		e.logger.Info("request cancelled", "request_id", requestID, "from", from, "reason", reason)
		e.notifyRequester(ctx, *req, reason)
		return *req, nil
	}
}

// Shutdown stops issuing offers, expires the in-flight ones and waits for
// every negotiation to finish. Interrupted requests are left PENDING with
// a retry marker.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.quit)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) halted(run *negotiation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return run.cancelled || e.closed
}

// stop ends a negotiation that was cancelled or interrupted by shutdown.
func (e *Engine) stop(ctx context.Context, requestID string) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		observability.DispatchOutcomes.WithLabelValues("interrupted").Inc()
		e.park(ctx, requestID, models.MarkerInterrupted)
		return
	}
	observability.DispatchOutcomes.WithLabelValues("cancelled").Inc()
}

func (e *Engine) forget(run *negotiation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[run.requestID] == run {
		delete(e.runs, run.requestID)
	}
}

// park leaves a still-PENDING request with a marker for the re-scan job
// and tells the requester.
func (e *Engine) park(ctx context.Context, requestID, marker string) {
	req, err := e.deps.Store.GetRequest(ctx, requestID)
	if err != nil {
		e.logger.Error("load request to park", "request_id", requestID, "error", err)
		return
	}
	if req.Status != models.RequestPending {
		return
	}
	req.Marker = marker
	if err := e.deps.Store.UpdateRequest(ctx, req, models.RequestPending); err != nil {
		e.logger.Warn("request not parked", "request_id", requestID, "marker", marker, "error", err)
		return
	}
	e.notifyRequester(ctx, *req, "")
}

func (e *Engine) saveOffer(ctx context.Context, o models.JobOffer) {
	if err := e.deps.Store.SaveOffer(ctx, &o); err != nil {
		e.logger.Error("offer not persisted", "offer_id", o.ID, "request_id", o.RequestID, "status", o.Status, "error", err)
	}
}

func (e *Engine) notifyOffer(ctx context.Context, o models.JobOffer, eta time.Duration) {
	if err := e.deps.Notifier.NotifyOffer(ctx, notify.OfferNotice{Offer: o, ETA: eta}); err != nil {
		e.logger.Warn("offer notification failed", "offer_id", o.ID, "technician_id", o.TechnicianID, "error", err)
	}
}

func (e *Engine) notifyRequester(ctx context.Context, req models.AssistanceRequest, reason string) {
	n := notify.StatusNotice{
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Status:      req.Status,
		Marker:      req.Marker,
		Reason:      reason,
		At:          e.now(),
	}
	if req.TechnicianID != nil {
		n.TechnicianID = *req.TechnicianID
	}
	if err := e.deps.Notifier.NotifyRequester(ctx, n); err != nil {
		e.logger.Warn("requester notification failed", "request_id", req.ID, "error", err)
	}
}
