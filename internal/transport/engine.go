// Package transport owns playback state and advances the playhead in real
// time while tracking processing load.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/jhead12/orpheus-engine/internal/audio"
	"github.com/jhead12/orpheus-engine/internal/timeline"
)

var log = logging.Logger("transport")

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("transport engine closed")

// State is the play/pause state of the transport. Recording is tracked
// separately; see Engine.Recording.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Loop is a cycle region in seconds. End must be after Start when enabled.
type Loop struct {
	Enabled bool    `json:"enabled"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

func (l Loop) validate() error {
	if math.IsNaN(l.Start) || math.IsInf(l.Start, 0) || l.Start < 0 {
		return fmt.Errorf("%w: loop start %v", timeline.ErrInvalidParameter, l.Start)
	}
	if math.IsNaN(l.End) || math.IsInf(l.End, 0) {
		return fmt.Errorf("%w: loop end %v", timeline.ErrInvalidParameter, l.End)
	}
	if l.Enabled && l.End <= l.Start {
		return fmt.Errorf("%w: loop end %v not after start %v", timeline.ErrInvalidParameter, l.End, l.Start)
	}
	return nil
}

// TransportState is a snapshot of what the transport is doing.
type TransportState struct {
	State           string                 `json:"state"`
	IsPlaying       bool                   `json:"is_playing"`
	IsRecording     bool                   `json:"is_recording"`
	IsPaused        bool                   `json:"is_paused"`
	Position        timeline.Position      `json:"playhead_position"`
	PositionSeconds float64                `json:"playhead_seconds"`
	Tempo           float64                `json:"tempo"`
	TimeSignature   timeline.TimeSignature `json:"time_signature"`
	Loop            Loop                   `json:"loop"`
}

// Metrics are the real-time performance counters. Only the tick loop
// writes them.
type Metrics struct {
	CPULoad         float64 `json:"cpu_load"` // percent of the buffer budget
	BufferUnderruns uint64  `json:"buffer_underruns"`
	ActiveTracks    int     `json:"active_tracks"`
	Cycles          uint64  `json:"cycles"`
}

// AudioLevels are the per-channel peak and RMS of the last mixed buffer, as
// linear amplitudes.
type AudioLevels struct {
	Peak []float64 `json:"peak"`
	RMS  []float64 `json:"rms"`
}

// Status is a deep copy of the engine's state at one instant.
type Status struct {
	Transport   TransportState `json:"transport"`
	Performance Metrics        `json:"performance"`
}

// Config configures an Engine.
type Config struct {
	Format  audio.Format
	Mixer   audio.Mixer // nil means audio.Silence
	Project Project     // zero Tempo/TimeSignature fall back to 120 BPM 4/4
}

// Engine is the transport: a play/pause/stop state machine plus the loop
// that advances the playhead while playing. One Engine serves every client.
type Engine struct {
	format audio.Format
	mixer  audio.Mixer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pubMu   sync.Mutex
	updates chan Status

	mu        sync.Mutex
	closed    bool
	running   bool // loop goroutine alive
	state     State
	recording bool
	position  timeline.Position
	carry     float64 // seconds advanced but not yet a whole tick
	epoch     uint64  // bumped by Stop/Seek/SetProject to void an in-flight advance
	project   Project
	loop      Loop
	metrics   Metrics
	levels    AudioLevels

	buf audio.Buffer // owned by the loop goroutine
}

// New creates a stopped engine at position zero.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("audio format: %w", err)
	}
	p := cfg.Project.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	mixer := cfg.Mixer
	if mixer == nil {
		mixer = audio.Silence{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		format:  cfg.Format,
		mixer:   mixer,
		now:     time.Now,
		sleep:   sleepCtx,
		ctx:     ctx,
		cancel:  cancel,
		updates: make(chan Status, 1),
		project: p,
		levels: AudioLevels{
			Peak: make([]float64, cfg.Format.Channels),
			RMS:  make([]float64, cfg.Format.Channels),
		},
		buf: audio.Buffer{
			Frames:  cfg.Format.BufferSize,
			Samples: make([]float32, cfg.Format.BufferSize*cfg.Format.Channels),
		},
	}, nil
}

// Format returns the processing block format.
func (e *Engine) Format() audio.Format {
	return e.format
}

// Updates delivers a snapshot after every cycle and every command. The
// channel holds only the latest snapshot; older ones are dropped.
func (e *Engine) Updates() <-chan Status {
	return e.updates
}

// Play starts playback from Stopped or Paused. It is a no-op while playing.
func (e *Engine) Play() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state == Playing {
		e.mu.Unlock()
		return nil
	}
	from := e.state
	e.state = Playing
	if !e.running {
		e.running = true
		e.wg.Add(1)
		go e.run()
	}
	pos := e.position
	e.mu.Unlock()

	log.Infof("play (from %s at %s)", from, pos)
	e.publish()
	return nil
}

// Pause halts playback, keeping the playhead. A cycle already in progress
// still completes.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state != Playing {
		e.mu.Unlock()
		return nil
	}
	e.state = Paused
	pos := e.position
	e.mu.Unlock()

	log.Infof("pause at %s", pos)
	e.publish()
	return nil
}

// Stop halts playback and returns the playhead to zero.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.state = Stopped
	e.position = timeline.Position{}
	e.carry = 0
	e.epoch++
	e.mu.Unlock()

	log.Info("stop")
	e.publish()
	return nil
}

// Record toggles the recording flag without touching play/pause state and
// returns the new value.
func (e *Engine) Record() bool {
	e.mu.Lock()
	e.recording = !e.recording
	on := e.recording
	e.mu.Unlock()

	log.Infof("recording %v", on)
	e.publish()
	return on
}

// Recording reports whether the recording flag is set. It is independent of
// whether the transport is playing.
func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// State returns the play/pause state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Seek moves the playhead to seconds from the start, in any state.
func (e *Engine) Seek(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return fmt.Errorf("%w: seek position %v", timeline.ErrInvalidParameter, seconds)
	}
	e.mu.Lock()
	pos, err := timeline.FromSeconds(seconds, e.project.Tempo, e.project.TimeSignature)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.position = pos
	e.carry = 0
	e.epoch++
	e.mu.Unlock()

	log.Debugf("seek to %.3fs (%s)", seconds, pos)
	e.publish()
	return nil
}

// SetLoop replaces the loop region.
func (e *Engine) SetLoop(l Loop) error {
	if err := l.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.loop = l
	e.mu.Unlock()
	e.publish()
	return nil
}

// Status returns a snapshot of transport state and performance counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// Levels returns the peak and RMS of the last buffer mixed without error.
// Both slices hold one entry per channel and are zero before the first cycle.
func (e *Engine) Levels() AudioLevels {
	e.mu.Lock()
	defer e.mu.Unlock()
	return AudioLevels{
		Peak: append([]float64(nil), e.levels.Peak...),
		RMS:  append([]float64(nil), e.levels.RMS...),
	}
}

func (e *Engine) statusLocked() Status {
	secs, err := e.position.ToSeconds(e.project.Tempo, e.project.TimeSignature)
	if err != nil {
		secs = 0
	}
	return Status{
		Transport: TransportState{
			State:           e.state.String(),
			IsPlaying:       e.state == Playing,
			IsRecording:     e.recording,
			IsPaused:        e.state == Paused,
			Position:        e.position,
			PositionSeconds: secs,
			Tempo:           e.project.Tempo,
			TimeSignature:   e.project.TimeSignature,
			Loop:            e.loop,
		},
		Performance: e.metrics,
	}
}

// Close stops the loop and waits for it to exit. Later commands fail with
// ErrClosed where they can fail.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.state = Stopped
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// publish offers the current snapshot on the updates channel without
// blocking, replacing an unread one.
func (e *Engine) publish() {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	st := e.Status()
	select {
	case e.updates <- st:
		return
	default:
	}
	select {
	case <-e.updates:
	default:
	}
	select {
	case e.updates <- st:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
