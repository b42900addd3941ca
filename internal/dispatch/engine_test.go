package dispatch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/earnings"
	"github.com/example/field-dispatch/internal/eta"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/matcher"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/payments"
	"github.com/example/field-dispatch/internal/session"
	"github.com/example/field-dispatch/internal/storage"
	"github.com/example/field-dispatch/internal/tracking"
)

var origin = models.Coord{Lat: 14.6349, Lon: -90.5069}

func north(km float64) models.Coord {
	return models.Coord{Lat: origin.Lat + km/(6371.0*math.Pi/180), Lon: origin.Lon}
}

type recorder struct {
	mu       sync.Mutex
	offers   chan notify.OfferNotice
	statuses []notify.StatusNotice
}

func newRecorder() *recorder {
	return &recorder{offers: make(chan notify.OfferNotice, 1024)}
}

func (r *recorder) NotifyOffer(_ context.Context, n notify.OfferNotice) error {
	select {
	case r.offers <- n:
	default:
	}
	return nil
}

func (r *recorder) NotifyRequester(_ context.Context, n notify.StatusNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, n)
	return nil
}

type harness struct {
	engine  *Engine
	store   *storage.MemoryStore
	techs   *session.Registry
	tracker *tracking.Service
	notes   *recorder
}

func newHarness(t *testing.T, cfg config.DispatchConfig, sink session.Sink) *harness {
	t.Helper()
	logger := logging.Discard()
	index := geo.NewIndex()
	if sink == nil {
		sink = index
	}
	techs := session.NewRegistry(cfg.MaxConcurrentOffers, sink, logger)
	store := storage.NewMemoryStore()
	tracker := tracking.NewService(tracking.Deps{
		Store:       store,
		Technicians: techs,
		ETA:         &eta.Estimator{SpeedKmh: 30},
		Earnings:    earnings.NewCalculator(config.DefaultEarningsConfig()),
		Ledger:      payments.NewMemoryLedger(),
	}, config.DefaultTrackingConfig(), logger)
	notes := newRecorder()
	engine := NewEngine(Deps{
		Store:       store,
		Queue:       &matcher.Service{Geo: index, Dispatch: cfg},
		Technicians: techs,
		Tracker:     tracker,
		Notifier:    notes,
	}, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})
	return &harness{engine: engine, store: store, techs: techs, tracker: tracker, notes: notes}
}

// indexSink lets a test observe snapshots on their way into the index.
type indexSink struct {
	index   *geo.Index
	observe func(models.Technician)
}

func (s indexSink) Upsert(ctx context.Context, t models.Technician) error {
	s.observe(t)
	return s.index.Upsert(ctx, t)
}

func (s indexSink) Remove(ctx context.Context, id string) error {
	return s.index.Remove(ctx, id)
}

func (h *harness) online(t *testing.T, id string, km, rating float64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.techs.Register(ctx, models.Technician{ID: id, VehicleType: models.VehicleTowTruck, Rating: rating})
	require.NoError(t, err)
	_, err = h.techs.GoOnline(ctx, id, north(km))
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, id string) models.AssistanceRequest {
	t.Helper()
	req, err := h.engine.Intake(context.Background(), models.AssistanceRequest{ID: id, RequesterID: "cust-" + id, Location: origin, Category: models.CategoryTowing})
	require.NoError(t, err)
	require.NoError(t, h.engine.Dispatch(context.Background(), req.ID))
	return req
}

// waitOffer returns the next live offer notice addressed to the technician.
func (h *harness) waitOffer(t *testing.T, technicianID string) models.JobOffer {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-h.notes.offers:
			if n.Offer.TechnicianID == technicianID && n.Offer.Status == models.OfferOffered {
				return n.Offer
			}
		case <-deadline:
			t.Fatalf("no offer for %s", technicianID)
		}
	}
}

func (h *harness) request(t *testing.T, id string) models.AssistanceRequest {
	t.Helper()
	r, err := h.engine.Request(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (h *harness) offers(t *testing.T, id string) []models.JobOffer {
	t.Helper()
	o, err := h.engine.Offers(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) idle() bool {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	return len(h.engine.runs) == 0
}

func TestDeclineOffersNextCandidate(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.online(t, "far", 5, 4.5)
	h.submit(t, "req-1")

	first := h.waitOffer(t, "near")
	assert.Equal(t, 1, first.Rank)
	tech, _ := h.techs.Get("near")
	assert.Equal(t, 1, tech.ActiveOffers)
	assert.Equal(t, models.TechJobOffered, tech.State)

	got, err := h.engine.RespondToOffer(context.Background(), first.ID, "near", false)
	require.NoError(t, err)
	assert.Equal(t, models.OfferDeclined, got.Status)

	offers := h.offers(t, "req-1")
	require.Len(t, offers, 2)
	assert.Equal(t, models.OfferDeclined, offers[0].Status)
	assert.Equal(t, "far", offers[1].TechnicianID)
	assert.Equal(t, models.OfferOffered, offers[1].Status)
	assert.Equal(t, 2, offers[1].Rank)

	tech, _ = h.techs.Get("near")
	assert.Equal(t, 0, tech.ActiveOffers)
	assert.Equal(t, models.TechOnline, tech.State)
}

func TestUnansweredOfferExpires(t *testing.T) {
	cfg := config.DefaultDispatchConfig()
	cfg.OfferTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.online(t, "near", 2, 4.5)
	h.online(t, "far", 5, 4.5)
	h.submit(t, "req-1")

	first := h.waitOffer(t, "near")
	second := h.waitOffer(t, "far")
	assert.NotEqual(t, first.ID, second.ID)

	offers := h.offers(t, "req-1")
	require.GreaterOrEqual(t, len(offers), 2)
	assert.Equal(t, models.OfferExpired, offers[0].Status)
	assert.Equal(t, ReasonTimeout, offers[0].Reason)

	_, err := h.engine.RespondToOffer(context.Background(), first.ID, "near", true)
	assert.ErrorIs(t, err, ErrOfferAlreadyResolved)

	require.Eventually(t, h.idle, 2*time.Second, 10*time.Millisecond)
	r := h.request(t, "req-1")
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, models.MarkerExhausted, r.Marker)
}

func TestAcceptAssignsAndOpensTracking(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.online(t, "far", 5, 4.5)
	h.submit(t, "req-1")

	offer := h.waitOffer(t, "near")
	got, err := h.engine.RespondToOffer(context.Background(), offer.ID, "near", true)
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, got.Status)

	r := h.request(t, "req-1")
	assert.Equal(t, models.RequestAssigned, r.Status)
	require.NotNil(t, r.TechnicianID)
	assert.Equal(t, "near", *r.TechnicianID)
	require.NotNil(t, r.AssignedAt)

	s, ok := h.tracker.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, models.StageProviderAssigned, s.Stage)

	tech, _ := h.techs.Get("near")
	assert.Equal(t, models.TechEnRoute, tech.State)
	assert.Equal(t, 0, tech.ActiveOffers)
	assert.Len(t, h.offers(t, "req-1"), 1)

	for _, accept := range []bool{true, false, true} {
		again, err := h.engine.RespondToOffer(context.Background(), offer.ID, "near", accept)
		assert.ErrorIs(t, err, ErrOfferAlreadyResolved)
		assert.Equal(t, models.OfferAccepted, again.Status)
	}
	assert.Equal(t, models.RequestAssigned, h.request(t, "req-1").Status)
	assert.Len(t, h.offers(t, "req-1"), 1)
}

func TestCancelDuringOfferEndsNegotiation(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.online(t, "far", 5, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "near")

	r, err := h.engine.Cancel(context.Background(), "req-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, r.Status)

	require.Eventually(t, h.idle, 2*time.Second, 10*time.Millisecond)
	offers := h.offers(t, "req-1")
	require.Len(t, offers, 1)
	assert.Equal(t, models.OfferExpired, offers[0].Status)
	assert.Equal(t, ReasonCancelled, offers[0].Reason)

	_, ok := h.tracker.Get("req-1")
	assert.False(t, ok)
	tech, _ := h.techs.Get("near")
	assert.Equal(t, 0, tech.ActiveOffers)

	_, err = h.engine.RespondToOffer(context.Background(), offer.ID, "near", true)
	assert.ErrorIs(t, err, ErrOfferAlreadyResolved)
	assert.Equal(t, models.RequestCancelled, h.request(t, "req-1").Status)

	_, err = h.engine.Cancel(context.Background(), "req-1", "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelAssignedReleasesTechnician(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "near")
	_, err := h.engine.RespondToOffer(context.Background(), offer.ID, "near", true)
	require.NoError(t, err)

	r, err := h.engine.Cancel(context.Background(), "req-1", "requester_cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, r.Status)

	_, ok := h.tracker.Get("req-1")
	assert.False(t, ok)
	tech, _ := h.techs.Get("near")
	assert.Equal(t, models.TechOnline, tech.State)
	assert.Empty(t, tech.CurrentJob)
}

func TestCancelInProgressIsRejected(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	ctx := context.Background()
	h.online(t, "near", 2, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "near")
	_, err := h.engine.RespondToOffer(ctx, offer.ID, "near", true)
	require.NoError(t, err)
	_, err = h.tracker.MarkArrived(ctx, "req-1", "near")
	require.NoError(t, err)
	_, err = h.tracker.StartService(ctx, "req-1", "near")
	require.NoError(t, err)

	r, err := h.engine.Cancel(ctx, "req-1", "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.RequestInProgress, r.Status)
}

func TestNoCandidateParksRequest(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.submit(t, "req-1")

	r := h.request(t, "req-1")
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, models.MarkerNoCandidate, r.Marker)
	assert.True(t, h.idle())

	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	require.NotEmpty(t, h.notes.statuses)
	assert.Equal(t, models.MarkerNoCandidate, h.notes.statuses[len(h.notes.statuses)-1].Marker)
}

func TestLastDeclineExhaustsQueue(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "only", 2, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "only")

	_, err := h.engine.RespondToOffer(context.Background(), offer.ID, "only", false)
	require.NoError(t, err)

	r := h.request(t, "req-1")
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, models.MarkerExhausted, r.Marker)

	// a later re-scan starts over and clears the marker
	require.NoError(t, h.engine.Dispatch(context.Background(), "req-1"))
	h.waitOffer(t, "only")
	assert.Equal(t, models.MarkerNone, h.request(t, "req-1").Marker)
}

func TestDispatchIsIdempotent(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.submit(t, "req-1")
	h.waitOffer(t, "near")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.Dispatch(context.Background(), "req-1"))
	}
	assert.Len(t, h.offers(t, "req-1"), 1)
	tech, _ := h.techs.Get("near")
	assert.Equal(t, 1, tech.ActiveOffers)
}

type fixedQueue []matcher.Entry

func (q fixedQueue) BuildQueue(context.Context, models.AssistanceRequest) ([]matcher.Entry, error) {
	return q, nil
}

func TestTechnicianAtCapIsSkipped(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	ctx := context.Background()
	h.online(t, "busy", 1, 5)
	h.online(t, "free", 4, 4)
	for _, rid := range []string{"x-1", "x-2", "x-3"} {
		require.NoError(t, h.techs.ReserveOffer(ctx, "busy", rid))
	}
	// a stale queue still lists the capped technician first
	h.engine.deps.Queue = fixedQueue{
		{Candidate: geo.Candidate{TechnicianID: "busy", DistanceKm: 1}, Rank: 1},
		{Candidate: geo.Candidate{TechnicianID: "free", DistanceKm: 4}, Rank: 2},
	}
	h.submit(t, "req-1")

	offer := h.waitOffer(t, "free")
	assert.Equal(t, 2, offer.Rank)
	offers := h.offers(t, "req-1")
	require.Len(t, offers, 1)
	busy, _ := h.techs.Get("busy")
	assert.Equal(t, 3, busy.ActiveOffers)
}

func TestGoingOfflineExpiresOpenOffer(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.online(t, "far", 5, 4.5)
	h.submit(t, "req-1")
	h.waitOffer(t, "near")

	require.NoError(t, h.engine.GoOffline(context.Background(), "near"))
	h.waitOffer(t, "far")

	offers := h.offers(t, "req-1")
	require.Len(t, offers, 2)
	assert.Equal(t, models.OfferExpired, offers[0].Status)
	assert.Equal(t, ReasonOffline, offers[0].Reason)
	tech, _ := h.techs.Get("near")
	assert.Equal(t, models.TechOffline, tech.State)
	assert.Nil(t, tech.Position)
}

func TestGoingOfflineOnJobIsRejected(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "near")
	_, err := h.engine.RespondToOffer(context.Background(), offer.ID, "near", true)
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.GoOffline(context.Background(), "near"), session.ErrActiveJob)
}

func TestAcceptWithdrawsTechniciansOtherOffers(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "star", 1, 5)
	h.online(t, "backup", 6, 4)
	h.submit(t, "req-1")
	first := h.waitOffer(t, "star")
	h.submit(t, "req-2")
	second := h.waitOffer(t, "star")
	require.NotEqual(t, first.RequestID, second.RequestID)

	_, err := h.engine.RespondToOffer(context.Background(), first.ID, "star", true)
	require.NoError(t, err)

	next := h.waitOffer(t, "backup")
	assert.Equal(t, second.RequestID, next.RequestID)
	offers := h.offers(t, second.RequestID)
	require.Len(t, offers, 2)
	assert.Equal(t, models.OfferSuperseded, offers[0].Status)
	assert.Equal(t, ReasonAcceptedOther, offers[0].Reason)
}

func TestRespondValidatesOfferAndTechnician(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "near")

	_, err := h.engine.RespondToOffer(context.Background(), "missing", "near", true)
	assert.ErrorIs(t, err, ErrOfferNotFound)
	_, err = h.engine.RespondToOffer(context.Background(), offer.ID, "someone-else", true)
	assert.ErrorIs(t, err, ErrNotOfferee)
	assert.Equal(t, models.OfferOffered, h.offers(t, "req-1")[0].Status)
}

func TestIntakeValidatesGeometryAndCategory(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	_, err := h.engine.Intake(context.Background(), models.AssistanceRequest{Location: models.Coord{Lat: 91}, Category: models.CategoryTowing})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.engine.Intake(context.Background(), models.AssistanceRequest{Location: origin, Category: "gardening"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	r, err := h.engine.Intake(context.Background(), models.AssistanceRequest{Location: origin, Category: models.CategoryLockout, Status: models.RequestCompleted})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.RequestPending, r.Status)
}

func TestShutdownInterruptsNegotiation(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.online(t, "far", 5, 4.5)
	h.submit(t, "req-1")
	h.waitOffer(t, "near")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	r := h.request(t, "req-1")
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, models.MarkerInterrupted, r.Marker)
	offers := h.offers(t, "req-1")
	require.Len(t, offers, 1)
	assert.Equal(t, ReasonShutdown, offers[0].Reason)
	assert.ErrorIs(t, h.engine.Dispatch(context.Background(), "req-1"), ErrShuttingDown)
}

// auditStore flags any moment at which a request has two OFFERED offers.
type auditStore struct {
	*storage.MemoryStore
	mu         sync.Mutex
	offered    map[string]map[string]bool
	violations int
}

func (a *auditStore) SaveOffer(ctx context.Context, o *models.JobOffer) error {
	a.mu.Lock()
	set, ok := a.offered[o.RequestID]
	if !ok {
		set = make(map[string]bool)
		a.offered[o.RequestID] = set
	}
	if o.Status == models.OfferOffered {
		set[o.ID] = true
	} else {
		delete(set, o.ID)
	}
	if len(set) > 1 {
		a.violations++
	}
	a.mu.Unlock()
	return a.MemoryStore.SaveOffer(ctx, o)
}

func TestConcurrentResponsesKeepInvariants(t *testing.T) {
	cfg := config.DefaultDispatchConfig()
	cfg.OfferTimeout = 15 * time.Millisecond

	var capMu sync.Mutex
	overCap := 0
	index := geo.NewIndex()
	sink := indexSink{index: index, observe: func(t models.Technician) {
		if t.ActiveOffers < 0 || t.ActiveOffers > cfg.MaxConcurrentOffers {
			capMu.Lock()
			overCap++
			capMu.Unlock()
		}
	}}
	h := newHarness(t, cfg, sink)
	audit := &auditStore{MemoryStore: h.store, offered: make(map[string]map[string]bool)}
	h.engine.deps.Store = audit
	h.engine.deps.Queue = &matcher.Service{Geo: index, Dispatch: cfg}

	for i, km := range []float64{1, 1.5, 2, 3, 4} {
		h.online(t, string(rune('a'+i)), km, 4.5)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	var responders sync.WaitGroup
	for w := 0; w < 4; w++ {
		responders.Add(1)
		go func() {
			defer responders.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-h.notes.offers:
					if n.Offer.Status != models.OfferOffered {
						continue
					}
					go func(o models.JobOffer) {
						time.Sleep(time.Duration(rand.Intn(20)) * time.Millisecond)
						switch rand.Intn(3) {
						case 0:
							_, _ = h.engine.RespondToOffer(ctx, o.ID, o.TechnicianID, true)
						case 1:
							_, _ = h.engine.RespondToOffer(ctx, o.ID, o.TechnicianID, false)
						}
					}(n.Offer)
				}
			}
		}()
	}

	requests := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		id := "req-" + string(rune('A'+i))
		requests = append(requests, id)
		h.submit(t, id)
	}
	require.Eventually(t, h.idle, 5*time.Second, 10*time.Millisecond)
	stop()
	responders.Wait()

	audit.mu.Lock()
	assert.Zero(t, audit.violations)
	audit.mu.Unlock()
	capMu.Lock()
	assert.Zero(t, overCap)
	capMu.Unlock()

	assigned := map[string]string{}
	for _, id := range requests {
		r := h.request(t, id)
		accepted := 0
		for _, o := range h.offers(t, id) {
			assert.NotEqual(t, models.OfferOffered, o.Status)
			if o.Status == models.OfferAccepted {
				accepted++
			}
		}
		assert.LessOrEqual(t, accepted, 1)
		if r.Status == models.RequestAssigned {
			require.NotNil(t, r.TechnicianID)
			prev, dup := assigned[*r.TechnicianID]
			assert.False(t, dup, "technician %s assigned to %s and %s", *r.TechnicianID, prev, id)
			assigned[*r.TechnicianID] = id
		} else {
			assert.Equal(t, models.RequestPending, r.Status)
			assert.NotEqual(t, models.MarkerNone, r.Marker)
		}
	}
}

func TestReintakeOfKnownRequestIsRejected(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	ctx := context.Background()
	h.online(t, "near", 2, 4.5)
	h.online(t, "far", 5, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "near")
	_, err := h.engine.RespondToOffer(ctx, offer.ID, "near", true)
	require.NoError(t, err)

	_, err = h.engine.Intake(ctx, models.AssistanceRequest{ID: "req-1", RequesterID: "cust-req-1", Location: origin, Category: models.CategoryTowing})
	assert.ErrorIs(t, err, storage.ErrExists)
	require.NoError(t, h.engine.Dispatch(ctx, "req-1"))

	r := h.request(t, "req-1")
	assert.Equal(t, models.RequestAssigned, r.Status)
	require.NotNil(t, r.TechnicianID)
	assert.Equal(t, "near", *r.TechnicianID)
	assert.Len(t, h.offers(t, "req-1"), 1)
	far, _ := h.techs.Get("far")
	assert.Equal(t, models.TechOnline, far.State)
	assert.Empty(t, far.CurrentJob)
}

func TestCancelDuringOfferClosesTrackingStream(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	events, unsubscribe := h.tracker.Hub().Subscribe("req-1")
	defer unsubscribe()
	h.submit(t, "req-1")
	h.waitOffer(t, "near")

	_, err := h.engine.Cancel(context.Background(), "req-1", "changed my mind")
	require.NoError(t, err)

	var last tracking.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				assert.Equal(t, tracking.EventClosed, last.Type)
				assert.Equal(t, "changed my mind", last.Reason)
				assert.Zero(t, h.tracker.Hub().Subscribers("req-1"))
				return
			}
			last = ev
		case <-timeout:
			t.Fatal("tracking stream still open after cancel")
		}
	}
}

type queueByRequest map[string][]matcher.Entry

func (q queueByRequest) BuildQueue(_ context.Context, r models.AssistanceRequest) ([]matcher.Entry, error) {
	return q[r.ID], nil
}

func TestSlowIndexWriteDoesNotStallOtherRequests(t *testing.T) {
	index := geo.NewIndex()
	var slow atomic.Bool
	entered := make(chan struct{}, 1)
	sink := indexSink{index: index, observe: func(tt models.Technician) {
		if tt.ID == "medic" && slow.Load() {
			select {
			case entered <- struct{}{}:
			default:
			}
			time.Sleep(300 * time.Millisecond)
		}
	}}
	h := newHarness(t, config.DefaultDispatchConfig(), sink)
	h.online(t, "a", 1, 4.5)
	h.online(t, "b", 2, 4.5)
	h.online(t, "medic", 3, 4.5)
	entry := func(id string, km float64, rank int) matcher.Entry {
		return matcher.Entry{Candidate: geo.Candidate{TechnicianID: id, DistanceKm: km}, Rank: rank}
	}
	h.engine.deps.Queue = queueByRequest{
		"req-1": {entry("a", 1, 1), entry("b", 2, 2)},
		"req-2": {entry("medic", 3, 1)},
	}
	h.submit(t, "req-1")
	first := h.waitOffer(t, "a")

	slow.Store(true)
	defer slow.Store(false)
	h.submit(t, "req-2")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("offer to medic never reached the index")
	}

	start := time.Now()
	got, err := h.engine.RespondToOffer(context.Background(), first.ID, "a", false)
	require.NoError(t, err)
	assert.Equal(t, models.OfferDeclined, got.Status)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	h.waitOffer(t, "b")
}

func TestConcurrentAcceptsOfOneOffer(t *testing.T) {
	h := newHarness(t, config.DefaultDispatchConfig(), nil)
	h.online(t, "near", 2, 4.5)
	h.submit(t, "req-1")
	offer := h.waitOffer(t, "near")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.RespondToOffer(context.Background(), offer.ID, "near", true)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, resolved int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrOfferAlreadyResolved):
			resolved++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, models.RequestAssigned, h.request(t, "req-1").Status)
}
