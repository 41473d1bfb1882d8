package transport

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jhead12/orpheus-engine/internal/timeline"
)

// ErrTrackExists is returned when adding a track whose ID is taken.
var ErrTrackExists = errors.New("track already exists")

// Track is the part of a track the transport cares about.
type Track struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // audio, midi, bus
}

// Project carries the musical settings the playhead is measured against.
type Project struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Tempo         float64                `json:"tempo"`
	TimeSignature timeline.TimeSignature `json:"time_signature"`
	Tracks        []Track                `json:"tracks"`
}

func (p Project) withDefaults() Project {
	if p.ID == "" {
		p.ID = "default"
	}
	if p.Name == "" {
		p.Name = "Untitled"
	}
	if p.Tempo == 0 {
		p.Tempo = 120
	}
	if p.TimeSignature == (timeline.TimeSignature{}) {
		p.TimeSignature = timeline.CommonTime
	}
	p.Tracks = slices.Clone(p.Tracks)
	return p
}

func (p Project) validate() error {
	if err := timeline.ValidateTempo(p.Tempo); err != nil {
		return err
	}
	if err := p.TimeSignature.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(p.Tracks))
	for _, t := range p.Tracks {
		if t.ID == "" {
			return fmt.Errorf("%w: track without id", timeline.ErrInvalidParameter)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrTrackExists, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// Project returns a copy of the current project.
func (e *Engine) Project() Project {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.project
	p.Tracks = slices.Clone(p.Tracks)
	return p
}

// SetProject replaces the project and returns the playhead to zero.
func (e *Engine) SetProject(p Project) error {
	p = p.withDefaults()
	if err := p.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.project = p
	e.position = timeline.Position{}
	e.carry = 0
	e.epoch++
	e.mu.Unlock()

	log.Infof("project set: %s (%v BPM, %s, %d tracks)", p.Name, p.Tempo, p.TimeSignature, len(p.Tracks))
	e.publish()
	return nil
}

// SetTempo changes the tempo. The playhead keeps its musical position.
func (e *Engine) SetTempo(bpm float64) error {
	if err := timeline.ValidateTempo(bpm); err != nil {
		return err
	}
	e.mu.Lock()
	e.project.Tempo = bpm
	e.carry = 0
	e.mu.Unlock()

	log.Infof("tempo %v BPM", bpm)
	e.publish()
	return nil
}

// SetTimeSignature changes the meter, keeping the playhead's absolute tick
// offset and renormalizing it into the new bar length.
func (e *Engine) SetTimeSignature(ts timeline.TimeSignature) error {
	if err := ts.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	pos, err := timeline.FromTicks(e.position.TotalTicks(e.project.TimeSignature), ts)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.project.TimeSignature = ts
	e.position = pos
	e.mu.Unlock()

	log.Infof("time signature %s", ts)
	e.publish()
	return nil
}

// AddTrack appends a track to the project.
func (e *Engine) AddTrack(t Track) error {
	if t.ID == "" {
		return fmt.Errorf("%w: track without id", timeline.ErrInvalidParameter)
	}
	e.mu.Lock()
	if slices.ContainsFunc(e.project.Tracks, func(x Track) bool { return x.ID == t.ID }) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTrackExists, t.ID)
	}
	e.project.Tracks = append(e.project.Tracks, t)
	e.mu.Unlock()
	return nil
}

// RemoveTrack deletes a track by ID and reports whether it existed.
func (e *Engine) RemoveTrack(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.project.Tracks)
	e.project.Tracks = slices.DeleteFunc(e.project.Tracks, func(x Track) bool { return x.ID == id })
	return len(e.project.Tracks) != n
}
