package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jhead12/orpheus-engine/internal/audio"
	"github.com/jhead12/orpheus-engine/internal/stream"
	"github.com/jhead12/orpheus-engine/internal/transport"
)

// recorder is a stream.Sender that keeps decoded events.
type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Send(frame []byte) error {
	var ev stream.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) ofType(typ string) []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	srv    *Server
	engine *transport.Engine
	d      *stream.Dispatcher
	obs    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithMixer(t, nil)
}

func newFixtureWithMixer(t *testing.T, mixer audio.Mixer) *fixture {
	t.Helper()
	engine, err := transport.New(transport.Config{Format: audio.DefaultFormat, Mixer: mixer})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)

	reg := stream.NewRegistry()
	d := stream.NewDispatcher(reg, stream.NewRouter(reg), stream.NewHistory(100))
	srv := New(engine, d, Options{})
	t.Cleanup(srv.Close)

	obs := &recorder{}
	if _, err := reg.Connect("observer", obs); err != nil {
		t.Fatal(err)
	}
	for _, room := range []string{stream.RoomTransport, stream.RoomTracks, stream.RoomProjects} {
		if err := d.Rooms().Join("observer", room); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{srv: srv, engine: engine, d: d, obs: obs}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestTransportCommands(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/transport/play", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("play status = %d", rec.Code)
	}
	if st := decodeBody[transport.TransportState](t, rec); !st.IsPlaying {
		t.Errorf("play response = %+v", st)
	}

	rec = f.do(t, http.MethodPost, "/api/transport/stop", "")
	st := decodeBody[transport.TransportState](t, rec)
	if st.IsPlaying || !st.Position.IsZero() {
		t.Errorf("stop response = %+v", st)
	}

	rec = f.do(t, http.MethodPost, "/api/transport/record", "")
	if st := decodeBody[transport.TransportState](t, rec); !st.IsRecording {
		t.Errorf("record response = %+v", st)
	}

	updates := f.obs.ofType(stream.TypeTransportUpdate)
	if len(updates) != 3 {
		t.Fatalf("transport updates = %d, want 3", len(updates))
	}
	var last transport.TransportState
	if err := json.Unmarshal(updates[2].Data, &last); err != nil {
		t.Fatal(err)
	}
	if !last.IsRecording {
		t.Errorf("last update = %+v", last)
	}
}

func TestTransportState(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/transport/state", "")
	st := decodeBody[transport.TransportState](t, rec)
	if st.State != "stopped" || st.Tempo != 120 {
		t.Errorf("state = %+v", st)
	}
	if got := len(f.obs.ofType(stream.TypeTransportUpdate)); got != 0 {
		t.Errorf("GET broadcast %d updates", got)
	}
}

func TestSeek(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		body string
		code int
	}{
		{`{"position": 2}`, http.StatusOK},
		{`{"position": -5}`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"position":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/api/transport/seek", tt.body)
		if rec.Code != tt.code {
			t.Errorf("seek %s: status = %d, want %d", tt.body, rec.Code, tt.code)
		}
	}
	if got := f.engine.Status().Transport.PositionSeconds; got != 2 {
		t.Errorf("PositionSeconds = %v, want 2", got)
	}
	if got := len(f.obs.ofType(stream.TypeTransportUpdate)); got != 1 {
		t.Errorf("transport updates = %d, want 1", got)
	}
}

func TestTempoMeterAndLoop(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/api/transport/tempo", `{"tempo": 0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("tempo 0 status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/transport/tempo", `{"tempo": 96}`); rec.Code != http.StatusOK {
		t.Errorf("tempo 96 status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/transport/time_signature", `{"numerator": 5, "denominator": 4}`); rec.Code != http.StatusOK {
		t.Errorf("time signature status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/transport/loop", `{"enabled": true, "start": 4, "end": 2}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad loop status = %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/transport/loop", `{"enabled": true, "start": 0, "end": 8}`)
	st := decodeBody[transport.TransportState](t, rec)
	if !st.Loop.Enabled || st.Loop.End != 8 || st.Tempo != 96 || st.TimeSignature.Numerator != 5 {
		t.Errorf("state = %+v", st)
	}
}

func TestWrongMethod(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/api/transport/play", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET play status = %d, want 405", rec.Code)
	}
	if f.engine.State() != transport.Stopped {
		t.Error("GET started playback")
	}
}

func TestNotifyAndHistory(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/notify", `{"title":"Export","message":"done"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("notify status = %d", rec.Code)
	}
	if got := decodeBody[map[string]any](t, rec)["delivered"]; got != float64(1) {
		t.Errorf("delivered = %v, want 1", got)
	}
	if rec := f.do(t, http.MethodPost, "/api/notify", `{"title":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("notify without message status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/ws/history?limit=10", "")
	hist := decodeBody[struct {
		Messages []stream.Event `json:"messages"`
	}](t, rec)
	if len(hist.Messages) != 1 || hist.Messages[0].Type != stream.TypeNotification {
		t.Errorf("history = %+v", hist.Messages)
	}
	if rec := f.do(t, http.MethodGet, "/api/ws/history?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestStatusAndStats(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/status", "")
	st := decodeBody[transport.Status](t, rec)
	if st.Transport.State != "stopped" {
		t.Errorf("status = %+v", st)
	}

	rec = f.do(t, http.MethodGet, "/api/ws/stats", "")
	stats := decodeBody[struct {
		Stats       stream.Stats `json:"stats"`
		WebRTCPeers int          `json:"webrtc_peers"`
	}](t, rec)
	if stats.Stats.TotalConnections != 1 || stats.Stats.RoomCounts[stream.RoomTransport] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProjectAndTracks(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/project", `{"name":"Demo","tempo":100,"tracks":[{"id":"t1","name":"Kick","type":"audio"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put project status = %d: %s", rec.Code, rec.Body)
	}
	if p := decodeBody[transport.Project](t, f.do(t, http.MethodGet, "/api/project", "")); p.Name != "Demo" || len(p.Tracks) != 1 {
		t.Errorf("project = %+v", p)
	}
	if got := len(f.obs.ofType(stream.TypeProjectUpdate)); got != 1 {
		t.Errorf("project updates = %d, want 1", got)
	}

	if rec := f.do(t, http.MethodPost, "/api/tracks", `{"id":"t2","name":"Bass"}`); rec.Code != http.StatusCreated {
		t.Errorf("add track status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/tracks", `{"id":"t2"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate track status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/tracks/t1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete track status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/tracks/t1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}

	updates := f.obs.ofType(stream.TypeTrackUpdate)
	if len(updates) != 2 {
		t.Fatalf("track updates = %d, want 2", len(updates))
	}
	if !strings.Contains(string(updates[1].Data), `"action":"deleted"`) {
		t.Errorf("delete update = %s", updates[1].Data)
	}
}

func TestAudioSocketEndpoint(t *testing.T) {
	f := newFixture(t)
	hs := httptest.NewServer(f.srv)
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/audio?client_id=mixer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, want := range []string{stream.TypeConnectionEstablished, stream.TypeAudioSubscribed} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type != want {
			t.Errorf("event = %s, want %s", ev.Type, want)
		}
	}

	if rec := f.do(t, http.MethodPost, "/api/transport/record", ""); rec.Code != http.StatusOK {
		t.Fatal(rec.Code)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev stream.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != stream.TypeTransportUpdate {
		t.Errorf("event = %s, want transport_update", ev.Type)
	}
}

func TestTransportCommandsAfterClose(t *testing.T) {
	f := newFixture(t)
	f.engine.Close()
	for _, path := range []string{"/api/transport/play", "/api/transport/pause", "/api/transport/stop"} {
		rec := f.do(t, http.MethodPost, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("POST %s = %d, want %d", path, rec.Code, http.StatusServiceUnavailable)
		}
	}
	if got := f.obs.ofType(stream.TypeTransportUpdate); len(got) != 0 {
		t.Errorf("transport updates after Close = %d, want 0", len(got))
	}
}
