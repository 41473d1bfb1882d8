// Package stream fans transport events out to connected clients. Clients
// are tracked in a Registry, grouped into rooms by a Router, and reached
// through a Dispatcher that keeps a bounded history of what it sent.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("stream")

// Event types.
const (
	TypeTransportUpdate       = "transport_update"
	TypePerformanceMetrics    = "performance_metrics"
	TypePlayheadPosition      = "playhead_position"
	TypeTrackUpdate           = "track_update"
	TypeProjectUpdate         = "project_update"
	TypeAudioLevels           = "audio_levels"
	TypeConnectionEstablished = "connection_established"
	TypeError                 = "error"
	TypeNotification          = "notification"
	TypeSubscribed            = "subscribed"
	TypeUnsubscribed          = "unsubscribed"
	TypePong                  = "pong"
	TypeHistory               = "history"
	TypeAudioSubscribed       = "audio_subscribed"
	TypeProjectsSubscribed    = "projects_subscribed"
)

// Well-known rooms.
const (
	RoomTransport   = "transport"
	RoomAudioLevels = "audio_levels"
	RoomPlayhead    = "playhead"
	RoomPerformance = "performance"
	RoomTracks      = "tracks"
	RoomProjects    = "projects"
)

// Event is one message to clients. Data is encoded once at creation and
// never changes afterwards.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent stamps and encodes a new event. A nil data encodes as {}.
func NewEvent(typ string, data any) (Event, error) {
	if typ == "" {
		return Event{}, fmt.Errorf("event type is empty")
	}
	raw := json.RawMessage(`{}`)
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s: %w", typ, err)
		}
		raw = b
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// mustEvent is NewEvent for payloads that always encode.
func mustEvent(typ string, data any) Event {
	ev, err := NewEvent(typ, data)
	if err != nil {
		panic(err)
	}
	return ev
}

func (ev Event) encode() ([]byte, error) {
	return json.Marshal(ev)
}
