package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// maxBufferedAmount is how much a data channel may have queued before the
// peer counts as slow.
const maxBufferedAmount = 1 << 20

// RTCHandler serves WebRTC SDP negotiation. Each peer opens a data channel
// and is registered as a client that receives events as text messages.
type RTCHandler struct {
	d      *Dispatcher
	config webrtc.Configuration

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

// NewRTCHandler creates a WebRTC signaling handler. iceServers may be empty
// for host-only candidates.
func NewRTCHandler(d *Dispatcher, iceServers []string) *RTCHandler {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &RTCHandler{
		d:      d,
		config: cfg,
		peers:  make(map[string]*webrtc.PeerConnection),
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *RTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *RTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.SDP == "" {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	id := clientID(r)
	if _, ok := h.d.reg.Get(id); ok {
		http.Error(w, "client id in use", http.StatusConflict)
		return
	}
	rooms := parseRooms(r.URL.Query().Get("rooms"))

	pc, err := webrtc.NewPeerConnection(h.config)
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() { h.register(id, pc, dc, rooms) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			h.d.HandleMessage(id, msg.Data)
		})
		dc.OnClose(func() { h.d.reg.Disconnect(id) })
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			h.d.reg.Disconnect(id)
			h.removePeer(id)
			pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}

	select {
	case <-gatherComplete:
	case <-r.Context().Done():
		pc.Close()
		return
	}

	h.mu.Lock()
	h.peers[id] = pc
	h.mu.Unlock()
	log.Infof("WebRTC peer %s negotiated (total: %d)", id, h.PeerCount())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Client-ID", id)
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *RTCHandler) register(id string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, rooms []string) {
	if _, err := h.d.reg.Connect(id, &channelSender{dc: dc}); err != nil {
		log.Warnf("register WebRTC peer %s: %v", id, err)
		pc.Close()
		return
	}
	if !h.d.Welcome(id) {
		return
	}
	if len(rooms) > 0 {
		if err := h.d.AutoJoin(id, rooms, TypeSubscribed); err != nil {
			log.Infof("auto-join %s: %v", id, err)
		}
	}
}

func (h *RTCHandler) removePeer(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

// Close tears down every peer connection.
func (h *RTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]*webrtc.PeerConnection)
	h.mu.Unlock()
	for id, pc := range peers {
		h.d.reg.Disconnect(id)
		pc.Close()
	}
}

func parseRooms(q string) []string {
	var rooms []string
	for _, room := range strings.Split(q, ",") {
		if room = strings.TrimSpace(room); room != "" {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// dataChannel is the part of *webrtc.DataChannel a channelSender uses.
type dataChannel interface {
	ReadyState() webrtc.DataChannelState
	BufferedAmount() uint64
	SendText(s string) error
	Close() error
}

// channelSender is a Sender over a WebRTC data channel.
type channelSender struct {
	dc dataChannel
}

func (s *channelSender) Send(frame []byte) error {
	if st := s.dc.ReadyState(); st != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: data channel %s", ErrDeliveryFailure, st)
	}
	if s.dc.BufferedAmount() > maxBufferedAmount {
		return fmt.Errorf("%w: data channel backlog", ErrDeliveryFailure)
	}
	if err := s.dc.SendText(string(frame)); err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	return nil
}

func (s *channelSender) Close() error {
	return s.dc.Close()
}
