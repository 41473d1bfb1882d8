// Package api exposes the transport engine and the broadcast layer over HTTP
// and mounts the websocket and WebRTC endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"

	"github.com/jhead12/orpheus-engine/internal/stream"
	"github.com/jhead12/orpheus-engine/internal/timeline"
	"github.com/jhead12/orpheus-engine/internal/transport"
)

var log = logging.Logger("api")

// Options configures the client-facing endpoints.
type Options struct {
	Socket     stream.SocketConfig
	ICEServers []string
}

// Server routes HTTP requests to the engine and the dispatcher.
type Server struct {
	engine *transport.Engine
	d      *stream.Dispatcher
	rtc    *stream.RTCHandler
	router *mux.Router
}

// New builds the HTTP surface.
func New(engine *transport.Engine, d *stream.Dispatcher, opts Options) *Server {
	s := &Server{
		engine: engine,
		d:      d,
		rtc:    stream.NewRTCHandler(d, opts.ICEServers),
		router: mux.NewRouter(),
	}
	r := s.router

	r.Handle("/ws", stream.NewSocketHandler(d, opts.Socket, nil, ""))
	r.Handle("/ws/audio", stream.NewSocketHandler(d, opts.Socket,
		[]string{stream.RoomTransport, stream.RoomAudioLevels, stream.RoomPlayhead, stream.RoomPerformance},
		stream.TypeAudioSubscribed))
	r.Handle("/ws/projects", stream.NewSocketHandler(d, opts.Socket,
		[]string{stream.RoomProjects, stream.RoomTracks},
		stream.TypeProjectsSubscribed))
	r.Handle("/rtc/offer", s.rtc)

	v := r.PathPrefix("/api").Subrouter()
	v.HandleFunc("/transport/state", s.transportState).Methods(http.MethodGet)
	v.HandleFunc("/transport/play", s.play).Methods(http.MethodPost)
	v.HandleFunc("/transport/pause", s.command(engine.Pause)).Methods(http.MethodPost)
	v.HandleFunc("/transport/stop", s.command(engine.Stop)).Methods(http.MethodPost)
	v.HandleFunc("/transport/record", s.command(func() error { engine.Record(); return nil })).Methods(http.MethodPost)
	v.HandleFunc("/transport/seek", s.seek).Methods(http.MethodPost)
	v.HandleFunc("/transport/tempo", s.tempo).Methods(http.MethodPost)
	v.HandleFunc("/transport/time_signature", s.timeSignature).Methods(http.MethodPost)
	v.HandleFunc("/transport/loop", s.setLoop).Methods(http.MethodPost)

	v.HandleFunc("/status", s.status).Methods(http.MethodGet)
	v.HandleFunc("/ws/stats", s.wsStats).Methods(http.MethodGet)
	v.HandleFunc("/ws/history", s.wsHistory).Methods(http.MethodGet)
	v.HandleFunc("/notify", s.notify).Methods(http.MethodPost)

	v.HandleFunc("/project", s.getProject).Methods(http.MethodGet)
	v.HandleFunc("/project", s.putProject).Methods(http.MethodPut)
	v.HandleFunc("/tracks", s.addTrack).Methods(http.MethodPost)
	v.HandleFunc("/tracks/{id}", s.removeTrack).Methods(http.MethodDelete)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close drops every WebRTC peer. Websocket connections are hijacked, so
// http.Server.Shutdown leaves them open; the caller disconnects them through
// the registry.
func (s *Server) Close() {
	s.rtc.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, timeline.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, transport.ErrTrackExists):
		status = http.StatusConflict
	case errors.Is(err, transport.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// broadcast builds an event and sends it to room.
func (s *Server) broadcast(room, typ string, data any) {
	ev, err := stream.NewEvent(typ, data)
	if err != nil {
		log.Errorf("build %s: %v", typ, err)
		return
	}
	n := s.d.BroadcastToRoom(room, ev)
	log.Debugf("%s sent to %d clients in %s", typ, n, room)
}

// transportChanged answers a transport command with the new state and
// pushes it to the transport room.
func (s *Server) transportChanged(w http.ResponseWriter) {
	st := s.engine.Status().Transport
	s.broadcast(stream.RoomTransport, stream.TypeTransportUpdate, st)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) transportState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status().Transport)
}

func (s *Server) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		s.transportChanged(w)
	}
}

func (s *Server) play(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Play(); err != nil {
		writeError(w, err)
		return
	}
	s.transportChanged(w)
}

func (s *Server) seek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *float64 `json:"position"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Position == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "position required"})
		return
	}
	if err := s.engine.Seek(*req.Position); err != nil {
		writeError(w, err)
		return
	}
	s.transportChanged(w)
}

func (s *Server) tempo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tempo float64 `json:"tempo"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.SetTempo(req.Tempo); err != nil {
		writeError(w, err)
		return
	}
	s.transportChanged(w)
}

func (s *Server) timeSignature(w http.ResponseWriter, r *http.Request) {
	var ts timeline.TimeSignature
	if !decode(w, r, &ts) {
		return
	}
	if err := s.engine.SetTimeSignature(ts); err != nil {
		writeError(w, err)
		return
	}
	s.transportChanged(w)
}

func (s *Server) setLoop(w http.ResponseWriter, r *http.Request) {
	var l transport.Loop
	if !decode(w, r, &l) {
		return
	}
	if err := s.engine.SetLoop(l); err != nil {
		writeError(w, err)
		return
	}
	s.transportChanged(w)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) wsStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        s.d.Stats(),
		"webrtc_peers": s.rtc.PeerCount(),
	})
}

func (s *Server) wsHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.d.RecentHistory(limit)})
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title   string `json:"title"`
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message required"})
		return
	}
	n := s.d.Notify(req.Title, req.Message, req.Type)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "delivered": n})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Project())
}

func (s *Server) putProject(w http.ResponseWriter, r *http.Request) {
	var p transport.Project
	if !decode(w, r, &p) {
		return
	}
	if err := s.engine.SetProject(p); err != nil {
		writeError(w, err)
		return
	}
	p = s.engine.Project()
	s.broadcast(stream.RoomProjects, stream.TypeProjectUpdate, map[string]any{"action": "loaded", "project": p})
	s.broadcast(stream.RoomTransport, stream.TypeTransportUpdate, s.engine.Status().Transport)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) addTrack(w http.ResponseWriter, r *http.Request) {
	var t transport.Track
	if !decode(w, r, &t) {
		return
	}
	if err := s.engine.AddTrack(t); err != nil {
		writeError(w, err)
		return
	}
	s.broadcast(stream.RoomTracks, stream.TypeTrackUpdate, map[string]any{"action": "created", "track": t})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) removeTrack(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.engine.RemoveTrack(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "track not found"})
		return
	}
	s.broadcast(stream.RoomTracks, stream.TypeTrackUpdate, map[string]any{
		"action": "deleted",
		"track":  map[string]string{"id": id},
	})
	w.WriteHeader(http.StatusNoContent)
}
