package api

import (
	"context"
	"slices"
	"time"

	"github.com/jhead12/orpheus-engine/internal/stream"
	"github.com/jhead12/orpheus-engine/internal/timeline"
	"github.com/jhead12/orpheus-engine/internal/transport"
)

// Publisher turns engine snapshots into periodic room broadcasts. Playhead
// position and audio levels go out when they change or a room gains members;
// performance metrics go out on a slower cadence.
type Publisher struct {
	engine   *transport.Engine
	d        *stream.Dispatcher
	playhead time.Duration
	metrics  time.Duration
}

// NewPublisher creates a publisher. Non-positive intervals fall back to
// 50ms and 1s.
func NewPublisher(engine *transport.Engine, d *stream.Dispatcher, playhead, metrics time.Duration) *Publisher {
	if playhead <= 0 {
		playhead = 50 * time.Millisecond
	}
	if metrics <= 0 {
		metrics = time.Second
	}
	return &Publisher{engine: engine, d: d, playhead: playhead, metrics: metrics}
}

type playheadData struct {
	Position float64 `json:"position"` // seconds
	Bar      int     `json:"bar"`
	Beat     int     `json:"beat"`
	Tick     int     `json:"tick"`
	Display  string  `json:"display"`
}

// roomFeed tracks what a room was last sent and how many members it had.
type roomFeed struct {
	sent    bool
	members int
}

// due reports whether a room with members needs the value again because it
// changed or the room grew since the last check. A room never sent to is
// always due.
func (f *roomFeed) due(members int, changed bool) bool {
	grew := members > f.members
	f.members = members
	return members > 0 && (!f.sent || changed || grew)
}

// Run publishes until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	playheadTick := time.NewTicker(p.playhead)
	defer playheadTick.Stop()
	metricsTick := time.NewTicker(p.metrics)
	defer metricsTick.Stop()

	latest := p.engine.Status()
	var (
		playhead, levels roomFeed
		sentPos          timeline.Position
		sentLevels       transport.AudioLevels
	)

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-p.engine.Updates():
			latest = st
		case <-playheadTick.C:
			rooms := p.d.Rooms()
			pos := latest.Transport.Position
			if playhead.due(rooms.Count(stream.RoomPlayhead), pos != sentPos) {
				p.publish(stream.RoomPlayhead, stream.TypePlayheadPosition, playheadData{
					Position: latest.Transport.PositionSeconds,
					Bar:      pos.Bar,
					Beat:     pos.Beat,
					Tick:     pos.Tick,
					Display:  pos.String(),
				})
				sentPos, playhead.sent = pos, true
			}
			lv := p.engine.Levels()
			changed := !slices.Equal(lv.Peak, sentLevels.Peak) || !slices.Equal(lv.RMS, sentLevels.RMS)
			if levels.due(rooms.Count(stream.RoomAudioLevels), changed) {
				p.publish(stream.RoomAudioLevels, stream.TypeAudioLevels, lv)
				sentLevels, levels.sent = lv, true
			}
		case <-metricsTick.C:
			p.publish(stream.RoomPerformance, stream.TypePerformanceMetrics, latest.Performance)
		}
	}
}

func (p *Publisher) publish(room, typ string, data any) {
	if p.d.Rooms().Count(room) == 0 {
		return
	}
	ev, err := stream.NewEvent(typ, data)
	if err != nil {
		log.Errorf("build %s: %v", typ, err)
		return
	}
	p.d.BroadcastToRoom(room, ev)
}
