package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/jhead12/orpheus-engine/internal/audio"
	"github.com/jhead12/orpheus-engine/internal/timeline"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Format: audio.DefaultFormat})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewEngineDefaults(t *testing.T) {
	e := newEngine(t)
	st := e.Status()
	if e.State() != Stopped || st.Transport.State != "stopped" {
		t.Errorf("initial state = %v / %q, want stopped", e.State(), st.Transport.State)
	}
	if st.Transport.IsPlaying || st.Transport.IsPaused || st.Transport.IsRecording {
		t.Errorf("initial flags set: %+v", st.Transport)
	}
	if !st.Transport.Position.IsZero() {
		t.Errorf("initial position = %+v, want zero", st.Transport.Position)
	}
	if st.Transport.Tempo != 120 || st.Transport.TimeSignature != timeline.CommonTime {
		t.Errorf("initial tempo/meter = %v %v, want 120 4/4", st.Transport.Tempo, st.Transport.TimeSignature)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{Format: audio.Format{SampleRate: 0, BufferSize: 512, Channels: 2}}); err == nil {
		t.Error("New with zero sample rate succeeded")
	}
	_, err := New(Config{Format: audio.DefaultFormat, Project: Project{Tempo: -1}})
	if !errors.Is(err, timeline.ErrInvalidParameter) {
		t.Errorf("New with negative tempo err = %v, want ErrInvalidParameter", err)
	}
}

func TestPlayPauseResume(t *testing.T) {
	e := newEngine(t)

	if err := e.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := e.Play(); err != nil {
		t.Fatalf("second Play: %v", err)
	}
	if !e.Status().Transport.IsPlaying {
		t.Fatal("IsPlaying = false after Play")
	}
	waitFor(t, "3 cycles", func() bool { return e.Status().Performance.Cycles >= 3 })

	e.Pause()
	waitFor(t, "loop exit", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.running
	})
	st := e.Status()
	if !st.Transport.IsPaused || st.Transport.IsPlaying {
		t.Errorf("after Pause flags = %+v", st.Transport)
	}
	if st.Transport.Position.IsZero() {
		t.Error("playhead did not advance while playing")
	}

	// Paused: no further advancement.
	time.Sleep(30 * time.Millisecond)
	if got := e.Status().Transport.Position; got != st.Transport.Position {
		t.Errorf("position moved while paused: %+v -> %+v", st.Transport.Position, got)
	}

	if err := e.Play(); err != nil {
		t.Fatal(err)
	}
	cycles := e.Status().Performance.Cycles
	waitFor(t, "resume", func() bool { return e.Status().Performance.Cycles > cycles })
}

func TestPauseWhenStoppedIsNoop(t *testing.T) {
	e := newEngine(t)
	e.Pause()
	if e.State() != Stopped {
		t.Errorf("State = %v, want stopped", e.State())
	}
}

func TestStopAlwaysZeroes(t *testing.T) {
	setups := map[string]func(e *Engine){
		"stopped": func(e *Engine) {},
		"playing": func(e *Engine) { _ = e.Play() },
		"paused": func(e *Engine) {
			_ = e.Play()
			e.Pause()
		},
		"recording": func(e *Engine) { e.Record() },
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			e := newEngine(t)
			if err := e.Seek(7.25); err != nil {
				t.Fatal(err)
			}
			setup(e)
			e.Stop()
			st := e.Status()
			if !st.Transport.Position.IsZero() {
				t.Errorf("position after Stop = %+v, want zero", st.Transport.Position)
			}
			if st.Transport.IsPlaying || st.Transport.IsPaused {
				t.Errorf("flags after Stop = %+v", st.Transport)
			}
		})
	}
}

func TestRecordIsIndependentOfPlayState(t *testing.T) {
	e := newEngine(t)
	if !e.Record() {
		t.Fatal("Record() = false, want true")
	}
	if e.State() != Stopped {
		t.Errorf("Record changed state to %v", e.State())
	}
	if err := e.Play(); err != nil {
		t.Fatal(err)
	}
	if e.Record() {
		t.Fatal("second Record() = true, want false")
	}
	if e.State() != Playing {
		t.Errorf("Record changed state to %v", e.State())
	}
	if e.Recording() {
		t.Error("Recording() = true after toggling off")
	}
}

func TestSeek(t *testing.T) {
	e := newEngine(t)
	if err := e.Seek(2); err != nil {
		t.Fatal(err)
	}
	// 2s at 120 BPM = 4 beats = one bar of 4/4.
	if got := e.Status().Transport.Position; got != (timeline.Position{Bar: 1}) {
		t.Errorf("position = %+v, want bar 1", got)
	}
	if got := e.Status().Transport.PositionSeconds; got != 2 {
		t.Errorf("PositionSeconds = %v, want 2", got)
	}
}

func TestSeekNegativeLeavesStateUntouched(t *testing.T) {
	e := newEngine(t)
	if err := e.Seek(1.5); err != nil {
		t.Fatal(err)
	}
	e.Record()
	before := e.Status()

	err := e.Seek(-5)
	if !errors.Is(err, timeline.ErrInvalidParameter) {
		t.Fatalf("Seek(-5) err = %v, want ErrInvalidParameter", err)
	}
	if after := e.Status(); after != before {
		t.Errorf("status changed:\n before %+v\n after  %+v", before, after)
	}
}

func TestSetLoopValidation(t *testing.T) {
	e := newEngine(t)
	for _, l := range []Loop{
		{Enabled: true, Start: 2, End: 2},
		{Enabled: true, Start: 3, End: 1},
		{Enabled: false, Start: -1, End: 4},
	} {
		if err := e.SetLoop(l); !errors.Is(err, timeline.ErrInvalidParameter) {
			t.Errorf("SetLoop(%+v) err = %v, want ErrInvalidParameter", l, err)
		}
	}
	if err := e.SetLoop(Loop{Enabled: true, Start: 0, End: 4}); err != nil {
		t.Errorf("SetLoop valid: %v", err)
	}
	if got := e.Status().Transport.Loop; got != (Loop{Enabled: true, Start: 0, End: 4}) {
		t.Errorf("Loop = %+v", got)
	}
}

func TestSetTempo(t *testing.T) {
	e := newEngine(t)
	if err := e.SetTempo(0); !errors.Is(err, timeline.ErrInvalidParameter) {
		t.Errorf("SetTempo(0) err = %v", err)
	}
	if err := e.SetTempo(90); err != nil {
		t.Fatal(err)
	}
	if got := e.Status().Transport.Tempo; got != 90 {
		t.Errorf("Tempo = %v, want 90", got)
	}
}

func TestSetTimeSignatureRenormalizes(t *testing.T) {
	e := newEngine(t)
	if err := e.Seek(2); err != nil { // bar 1 in 4/4
		t.Fatal(err)
	}
	if err := e.SetTimeSignature(timeline.TimeSignature{Numerator: 3, Denominator: 4}); err != nil {
		t.Fatal(err)
	}
	if got := e.Status().Transport.Position; got != (timeline.Position{Bar: 1, Beat: 1}) {
		t.Errorf("position = %+v, want 1/1/0", got)
	}
	if err := e.SetTimeSignature(timeline.TimeSignature{}); !errors.Is(err, timeline.ErrInvalidParameter) {
		t.Errorf("SetTimeSignature(0/0) err = %v", err)
	}
}

func TestProjectTracks(t *testing.T) {
	e := newEngine(t)
	if err := e.AddTrack(Track{ID: "t1", Name: "Drums", Type: "audio"}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddTrack(Track{ID: "t1"}); !errors.Is(err, ErrTrackExists) {
		t.Errorf("duplicate AddTrack err = %v", err)
	}
	if err := e.AddTrack(Track{}); !errors.Is(err, timeline.ErrInvalidParameter) {
		t.Errorf("AddTrack without id err = %v", err)
	}

	p := e.Project()
	p.Tracks[0].Name = "mutated"
	if e.Project().Tracks[0].Name != "Drums" {
		t.Error("Project() returned a live reference")
	}

	if !e.RemoveTrack("t1") {
		t.Error("RemoveTrack(t1) = false")
	}
	if e.RemoveTrack("t1") {
		t.Error("second RemoveTrack(t1) = true")
	}
}

func TestSetProjectResetsPlayhead(t *testing.T) {
	e := newEngine(t)
	if err := e.Seek(3); err != nil {
		t.Fatal(err)
	}
	err := e.SetProject(Project{Name: "Song", Tempo: 140, TimeSignature: timeline.TimeSignature{Numerator: 6, Denominator: 8},
		Tracks: []Track{{ID: "a"}, {ID: "b"}}})
	if err != nil {
		t.Fatal(err)
	}
	st := e.Status()
	if !st.Transport.Position.IsZero() || st.Transport.Tempo != 140 {
		t.Errorf("after SetProject: %+v", st.Transport)
	}
	if err := e.SetProject(Project{Tracks: []Track{{ID: "x"}, {ID: "x"}}}); !errors.Is(err, ErrTrackExists) {
		t.Errorf("SetProject with duplicate tracks err = %v", err)
	}
}

func TestUpdatesCarryLatestSnapshot(t *testing.T) {
	e := newEngine(t)
	e.Record()
	if err := e.Seek(1); err != nil {
		t.Fatal(err)
	}
	select {
	case st := <-e.Updates():
		if !st.Transport.IsRecording || st.Transport.PositionSeconds != 1 {
			t.Errorf("latest update = %+v", st.Transport)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}
	select {
	case st := <-e.Updates():
		t.Errorf("stale update still queued: %+v", st.Transport)
	default:
	}
}

func TestPlayAfterClose(t *testing.T) {
	e, err := New(Config{Format: audio.DefaultFormat})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Play(); err != nil {
		t.Fatal(err)
	}
	e.Close()
	if err := e.Play(); !errors.Is(err, ErrClosed) {
		t.Errorf("Play after Close err = %v, want ErrClosed", err)
	}
}

func TestCommandsAfterClose(t *testing.T) {
	e, err := New(Config{Format: audio.DefaultFormat})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Play(); err != nil {
		t.Fatal(err)
	}
	e.Close()
	if err := e.Pause(); !errors.Is(err, ErrClosed) {
		t.Errorf("Pause after Close err = %v, want %v", err, ErrClosed)
	}
	if err := e.Stop(); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop after Close err = %v, want %v", err, ErrClosed)
	}
	if got := e.State(); got != Stopped {
		t.Errorf("State = %v, want %v", got, Stopped)
	}
}
