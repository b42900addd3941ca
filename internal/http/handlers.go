package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/session"
	"github.com/example/field-dispatch/internal/storage"
	"github.com/example/field-dispatch/internal/tracking"
)

// PingPublisher forwards technician positions to the location topic.
type PingPublisher interface {
	PublishPing(ctx context.Context, p ingest.LocationPing) error
}

type Deps struct {
	Engine       *dispatch.Engine
	Technicians  *session.Registry
	Tracker      *tracking.Service
	Pings        PingPublisher // optional
	TechnicianWS *notify.WSRegistry
	RequesterWS  *notify.WSRegistry
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.TechnicianWS == nil {
		deps.TechnicianWS = notify.NewWSRegistry()
	}
	if deps.RequesterWS == nil {
		deps.RequesterWS = notify.NewWSRegistry()
	}
	s := &Server{Deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/technicians", s.handleRegisterTechnician).Methods("POST")
	api.HandleFunc("/technicians/{id}", s.handleGetTechnician).Methods("GET")
	api.HandleFunc("/technicians/{id}/online", s.handleTechnicianOnline).Methods("POST")
	api.HandleFunc("/technicians/{id}/offline", s.handleTechnicianOffline).Methods("POST")
	api.HandleFunc("/technicians/{id}/location", s.handleTechnicianLocation).Methods("POST")

	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/offers", s.handleListOffers).Methods("GET")
	api.HandleFunc("/requests/{id}/dispatch", s.handleDispatch).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/requests/{id}/location", s.handleJobLocation).Methods("POST")
	api.HandleFunc("/requests/{id}/arrived", s.handleArrived).Methods("POST")
	api.HandleFunc("/requests/{id}/start", s.handleStart).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods("POST")

	api.HandleFunc("/offers/{id}/respond", s.handleRespond).Methods("POST")

	s.mux.HandleFunc("/ws/technicians/{id}", s.handleTechnicianWS)
	s.mux.HandleFunc("/ws/requesters/{id}", s.handleRequesterWS)
	s.mux.HandleFunc("/ws/requests/{id}/tracking", s.handleTrackingWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type positionBody struct {
	Position *models.Coord `json:"position"`
}

func (b positionBody) valid() bool { return b.Position != nil && b.Position.Valid() }

func (s *Server) handleRegisterTechnician(w http.ResponseWriter, r *http.Request) {
	var t models.Technician
	if err := decode(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tech, err := s.Technicians.Register(r.Context(), t)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tech)
}

func (s *Server) handleGetTechnician(w http.ResponseWriter, r *http.Request) {
	tech, ok := s.Technicians.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrUnknownTechnician.Error())
		return
	}
	writeJSON(w, http.StatusOK, tech)
}

func (s *Server) handleTechnicianOnline(w http.ResponseWriter, r *http.Request) {
	var body positionBody
	if err := decode(r, &body); err != nil || !body.valid() {
		writeError(w, http.StatusBadRequest, "position with valid lat/lon required")
		return
	}
	tech, err := s.Technicians.GoOnline(r.Context(), mux.Vars(r)["id"], *body.Position)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.publishPing(r.Context(), tech)
	writeJSON(w, http.StatusOK, tech)
}

func (s *Server) handleTechnicianOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Engine.GoOffline(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	tech, _ := s.Technicians.Get(id)
	s.publishPing(r.Context(), tech)
	writeJSON(w, http.StatusOK, tech)
}

// handleTechnicianLocation takes idle position reports; pings for an
// assigned job go through /requests/{id}/location.
func (s *Server) handleTechnicianLocation(w http.ResponseWriter, r *http.Request) {
	var body positionBody
	if err := decode(r, &body); err != nil || !body.valid() {
		writeError(w, http.StatusBadRequest, "position with valid lat/lon required")
		return
	}
	tech, err := s.Technicians.UpdatePosition(r.Context(), mux.Vars(r)["id"], *body.Position)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.publishPing(r.Context(), tech)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in models.AssistanceRequest
	if err := decode(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := s.Engine.Intake(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Engine.Dispatch(r.Context(), req.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	// Dispatch may have parked the request with a marker.
	if cur, err := s.Engine.Request(r.Context(), req.ID); err == nil {
		req = cur
	}
	writeJSON(w, http.StatusCreated, req)
}

type requestView struct {
	Request  models.AssistanceRequest `json:"request"`
	Tracking *models.TrackingSession  `json:"tracking,omitempty"`
}

func (s *Server) view(ctx context.Context, id string) (requestView, error) {
	req, err := s.Engine.Request(ctx, id)
	if err != nil {
		return requestView{}, err
	}
	v := requestView{Request: req}
	if ts, ok := s.Tracker.Get(id); ok {
		v.Tracking = &ts
	}
	return v, nil
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Engine.Request(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	offers, err := s.Engine.Offers(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if offers == nil {
		offers = []models.JobOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Engine.Dispatch(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.Engine.Request(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "requester_cancelled"
	}
	req, err := s.Engine.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TechnicianID string `json:"technician_id"`
		Accept       *bool  `json:"accept"`
	}
	if err := decode(r, &body); err != nil || body.TechnicianID == "" || body.Accept == nil {
		writeError(w, http.StatusBadRequest, "technician_id and accept required")
		return
	}
	offer, err := s.Engine.RespondToOffer(r.Context(), mux.Vars(r)["id"], body.TechnicianID, *body.Accept)
	if errors.Is(err, dispatch.ErrOfferAlreadyResolved) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "offer": offer})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleJobLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TechnicianID string        `json:"technician_id"`
		Position     *models.Coord `json:"position"`
		HeadingDeg   *float64      `json:"heading_deg"`
		SpeedKmh     *float64      `json:"speed_kmh"`
		RecordedAt   time.Time     `json:"recorded_at"`
	}
	if err := decode(r, &body); err != nil || body.TechnicianID == "" || body.Position == nil || !body.Position.Valid() {
		writeError(w, http.StatusBadRequest, "technician_id and valid position required")
		return
	}
	res, err := s.Tracker.RecordLocation(r.Context(), tracking.LocationUpdate{
		RequestID:    mux.Vars(r)["id"],
		TechnicianID: body.TechnicianID,
		Position:     *body.Position,
		HeadingDeg:   body.HeadingDeg,
		SpeedKmh:     body.SpeedKmh,
		RecordedAt:   body.RecordedAt,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !res.Stale {
		if tech, ok := s.Technicians.Get(body.TechnicianID); ok {
			s.publishPing(r.Context(), tech)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eta_seconds": res.ETA.Seconds(),
		"stage":       res.Stage,
		"stale":       res.Stale,
	})
}

type technicianBody struct {
	TechnicianID   string  `json:"technician_id"`
	CustomerRating float64 `json:"customer_rating"`
}

func (s *Server) decodeTechnician(w http.ResponseWriter, r *http.Request) (technicianBody, bool) {
	var body technicianBody
	if err := decode(r, &body); err != nil || body.TechnicianID == "" {
		writeError(w, http.StatusBadRequest, "technician_id required")
		return body, false
	}
	return body, true
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeTechnician(w, r)
	if !ok {
		return
	}
	ts, err := s.Tracker.MarkArrived(r.Context(), mux.Vars(r)["id"], body.TechnicianID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeTechnician(w, r)
	if !ok {
		return
	}
	ts, err := s.Tracker.StartService(r.Context(), mux.Vars(r)["id"], body.TechnicianID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeTechnician(w, r)
	if !ok {
		return
	}
	if body.CustomerRating < 0 || body.CustomerRating > 5 {
		writeError(w, http.StatusBadRequest, "customer_rating must be within 0..5")
		return
	}
	payout, err := s.Tracker.CompleteService(r.Context(), mux.Vars(r)["id"], body.TechnicianID, body.CustomerRating)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (s *Server) publishPing(ctx context.Context, t models.Technician) {
	if s.Pings == nil || t.ID == "" {
		return
	}
	if err := s.Pings.PublishPing(ctx, ingest.PingFrom(t)); err != nil {
		s.logger.Warn("location ping not published", "technician_id", t.ID, "error", err)
	}
}

// fail maps domain errors to status codes. Conflicts carry enough in the
// body for the caller to resynchronize.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var stage *tracking.InvalidStageTransitionError
	switch {
	case errors.As(err, &stage):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "current_stage": stage.Current})
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, dispatch.ErrOfferNotFound),
		errors.Is(err, session.ErrUnknownTechnician),
		errors.Is(err, tracking.ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidProfile):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotOfferee),
		errors.Is(err, tracking.ErrWrongTechnician):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, tracking.ErrRequestNotActive),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrExists),
		errors.Is(err, session.ErrActiveJob),
		errors.Is(err, session.ErrUnavailable),
		errors.Is(err, session.ErrCapacityExceeded),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNoOffer):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
