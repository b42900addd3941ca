package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/field-dispatch/internal/notify"
	"github.com/example/field-dispatch/internal/session"
)

const (
	typePing     = "ping"
	typePong     = "pong"
	typeSnapshot = "TRACKING_SNAPSHOT"

	wsWriteWait   = 5 * time.Second
	wsMaxFrameLen = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleTechnicianWS is the offer channel of a technician app.
func (s *Server) handleTechnicianWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.Technicians.Get(id); !ok {
		writeError(w, http.StatusNotFound, session.ErrUnknownTechnician.Error())
		return
	}
	s.serveParticipant(w, r, s.TechnicianWS, id)
}

// handleRequesterWS carries request status changes to the requester app.
func (s *Server) handleRequesterWS(w http.ResponseWriter, r *http.Request) {
	s.serveParticipant(w, r, s.RequesterWS, mux.Vars(r)["id"])
}

func (s *Server) serveParticipant(w http.ResponseWriter, r *http.Request, reg *notify.WSRegistry, id string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "participant_id", id, "error", err)
		return
	}
	conn.SetReadLimit(wsMaxFrameLen)
	sess := reg.Add(id, conn)
	defer reg.Remove(id, sess)
	s.logger.Debug("websocket connected", "participant_id", id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket closed", "participant_id", id, "error", err)
			return
		}
		var msg notify.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == typePing {
			if err := sess.Send(notify.Message{Type: typePong, Payload: map[string]int64{"time": time.Now().Unix()}}); err != nil {
				return
			}
		}
	}
}

// handleTrackingWS streams one request's tracking events. The first frame
// is a snapshot of the request; the socket closes when tracking ends.
func (s *Server) handleTrackingWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := s.Engine.Request(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Status.Terminal() {
		writeError(w, http.StatusGone, "request is "+string(req.Status))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxFrameLen)

	events, unsubscribe := s.Tracker.Hub().Subscribe(id)
	defer unsubscribe()

	v, err := s.view(r.Context(), id)
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(notify.Message{Type: typeSnapshot, Payload: v}); err != nil {
		return
	}
	// Tracking may have ended between the status check and Subscribe.
	if v.Request.Status.Terminal() {
		closeTracking(conn)
		return
	}

	// Subscribers only listen; reading is how a client close is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				closeTracking(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func closeTracking(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tracking closed")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
