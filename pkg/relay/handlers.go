package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/lightforgemedia/go-bidsocket/pkg/ergosockets"
	"github.com/lightforgemedia/go-bidsocket/pkg/shared_types"
	"github.com/lightforgemedia/go-bidsocket/pkg/transport"
)

// Handler returns the relay's HTTP routes:
//
//	GET    /ws                       websocket session
//	POST   /poll                     open a polling session
//	GET    /poll/{sid}?wait=25s      long-poll a batch of events
//	POST   /poll/{sid}               send one event
//	DELETE /poll/{sid}               close a polling session
//	POST   /api/bids/{bidId}/messages inject a negotiation message
//	GET    /healthz
func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", r.UpgradeHandler()).Methods(http.MethodGet)
	router.HandleFunc("/poll", r.handlePollOpen).Methods(http.MethodPost)
	router.HandleFunc("/poll/{sid}", r.handlePollRead).Methods(http.MethodGet)
	router.HandleFunc("/poll/{sid}", r.handlePollWrite).Methods(http.MethodPost)
	router.HandleFunc("/poll/{sid}", r.handlePollClose).Methods(http.MethodDelete)
	router.HandleFunc("/api/bids/{bidId}/messages", r.handlePostMessage).Methods(http.MethodPost)
	router.HandleFunc("/healthz", r.handleHealth).Methods(http.MethodGet)
	return router
}

func (r *Relay) shuttingDown(w http.ResponseWriter) bool {
	select {
	case <-r.ctx.Done():
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return true
	default:
		return false
	}
}

// UpgradeHandler accepts websocket sessions.
func (r *Relay) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.shuttingDown(w) {
			r.config.logger.Info("Relay: Rejected connection, server shutting down.")
			return
		}
		conn, err := websocket.Accept(w, req, r.config.acceptOptions)
		if err != nil {
			r.config.logger.Info(fmt.Sprintf("Relay: Failed to accept websocket connection: %v", err))
			return
		}
		conn.SetReadLimit(readLimit)

		s := r.newSession(kindWebSocket, conn)
		if !r.addSession(s) {
			conn.Close(websocket.StatusGoingAway, "server is shutting down")
			return
		}
		r.config.logger.Info(fmt.Sprintf("Relay: Session %s connected (websocket)", s.id))

		go r.writePump(s)
		go r.readPump(s)
	}
}

func (r *Relay) readPump(s *session) {
	defer r.removeSession(s)
	for {
		var env ergosockets.Envelope
		err := wsjson.Read(s.ctx, s.ws, &env)
		if err != nil {
			status := websocket.CloseStatus(err)
			if errors.Is(err, context.Canceled) || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				r.config.logger.Info(fmt.Sprintf("Relay: Session %s readPump closing gracefully: %v", s.id, err))
			} else {
				r.config.logger.Info(fmt.Sprintf("Relay: Session %s read error: %v (status: %d)", s.id, err, status))
			}
			return
		}
		s.touch()
		r.handleEnvelope(s, &env)
	}
}

func (r *Relay) writePump(s *session) {
	for {
		select {
		case env := <-s.send:
			writeCtx, cancel := context.WithTimeout(s.ctx, r.config.writeTimeout)
			err := wsjson.Write(writeCtx, s.ws, env)
			cancel()
			if err != nil {
				r.config.logger.Info(fmt.Sprintf("Relay: Session %s write error: %v. Closing connection.", s.id, err))
				s.ws.Close(websocket.StatusInternalError, "write error")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (r *Relay) handlePollOpen(w http.ResponseWriter, req *http.Request) {
	if r.shuttingDown(w) {
		return
	}
	s := r.newSession(kindPolling, nil)
	if !r.addSession(s) {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	r.config.logger.Info(fmt.Sprintf("Relay: Session %s connected (polling)", s.id))
	writeJSON(w, http.StatusOK, transport.PollOpenResponse{SID: s.id})
}

func (r *Relay) pollSession(w http.ResponseWriter, req *http.Request) (*session, bool) {
	s, ok := r.lookup(mux.Vars(req)["sid"])
	if !ok || s.kind != kindPolling {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil, false
	}
	return s, true
}

func (r *Relay) handlePollRead(w http.ResponseWriter, req *http.Request) {
	s, ok := r.pollSession(w, req)
	if !ok {
		return
	}
	wait := r.config.maxPollWait
	if v := req.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "bad wait", http.StatusBadRequest)
			return
		}
		if d < wait {
			wait = d
		}
	}

	s.setPolling(true)
	batch := s.drain(req.Context(), wait, defaultPollBatch)
	s.setPolling(false)

	if len(batch) == 0 {
		if s.ctx.Err() != nil {
			http.Error(w, "session closed", http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (r *Relay) handlePollWrite(w http.ResponseWriter, req *http.Request) {
	s, ok := r.pollSession(w, req)
	if !ok {
		return
	}
	var env ergosockets.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, readLimit)).Decode(&env); err != nil {
		http.Error(w, "invalid envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.touch()
	r.handleEnvelope(s, &env)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Relay) handlePollClose(w http.ResponseWriter, req *http.Request) {
	s, ok := r.pollSession(w, req)
	if !ok {
		return
	}
	r.removeSession(s)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Relay) handlePostMessage(w http.ResponseWriter, req *http.Request) {
	var msg shared_types.NegotiationMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, readLimit)).Decode(&msg); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}
	msg.BidID = mux.Vars(req)["bidId"]
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := r.PostMessage(req.Context(), msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (r *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"relay":    r.id,
		"sessions": r.Sessions(),
		"rooms":    len(r.Rooms()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
