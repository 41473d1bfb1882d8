package transport

import (
	"fmt"
	"math"

	"github.com/jhead12/orpheus-engine/internal/timeline"
)

// run drives cycles while the transport is playing. Pause and Stop are
// observed at the top of the next cycle.
func (e *Engine) run() {
	defer e.wg.Done()
	log.Debug("tick loop started")
	for {
		e.mu.Lock()
		if e.state != Playing || e.ctx.Err() != nil {
			e.running = false
			e.mu.Unlock()
			log.Debug("tick loop exited")
			return
		}
		e.mu.Unlock()

		e.cycle()
	}
}

// cycle processes one buffer: mix, advance the playhead, measure load, then
// sleep until the buffer's deadline. An overrun is counted and the next
// cycle starts immediately.
func (e *Engine) cycle() {
	start := e.now()
	budget := e.format.BufferDuration()
	deadline := start.Add(budget)

	e.mu.Lock()
	epoch := e.epoch
	tracks := len(e.project.Tracks)
	e.buf.Position = e.position
	e.buf.Tracks = tracks
	e.mu.Unlock()

	err := e.mix()
	if err == nil {
		err = e.advance(epoch, e.format.BufferSeconds())
	}
	elapsed := e.now().Sub(start)

	if err != nil {
		// A failed cycle leaves the counters alone; keep the cadence anyway so
		// a persistently bad state does not spin.
		log.Warnf("cycle failed: %v", err)
		e.sleep(e.ctx, deadline.Sub(e.now()))
		return
	}

	peak, rms := measureLevels(e.buf.Samples, e.format.Channels)
	underrun := elapsed > budget
	e.mu.Lock()
	e.metrics.CPULoad = float64(elapsed) / float64(budget) * 100
	e.metrics.ActiveTracks = tracks
	e.metrics.Cycles++
	if underrun {
		e.metrics.BufferUnderruns++
	}
	e.levels = AudioLevels{Peak: peak, RMS: rms}
	e.mu.Unlock()

	e.publish()

	if underrun {
		log.Debugf("buffer underrun: cycle took %v of %v", elapsed, budget)
		return
	}
	e.sleep(e.ctx, deadline.Sub(e.now()))
}

// measureLevels returns the per-channel peak and RMS of interleaved samples.
func measureLevels(samples []float32, channels int) (peak, rms []float64) {
	peak = make([]float64, channels)
	rms = make([]float64, channels)
	if channels <= 0 {
		return peak, rms
	}
	frames := len(samples) / channels
	if frames == 0 {
		return peak, rms
	}
	for i := range frames {
		for c := range channels {
			v := float64(samples[i*channels+c])
			peak[c] = math.Max(peak[c], math.Abs(v))
			rms[c] += v * v
		}
	}
	for c := range rms {
		rms[c] = math.Sqrt(rms[c] / float64(frames))
	}
	return peak, rms
}

// mix runs the per-buffer mix step, turning a panic into an error.
func (e *Engine) mix() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mixer panic: %v", r)
		}
	}()
	if err := e.mixer.Process(e.ctx, &e.buf); err != nil {
		return fmt.Errorf("mix: %w", err)
	}
	return nil
}

// advance moves the playhead by seconds plus the carried sub-tick remainder.
// It is a no-op if Stop, Seek or SetProject ran since the cycle began.
func (e *Engine) advance(epoch uint64, seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch {
		return nil
	}
	tempo, ts := e.project.Tempo, e.project.TimeSignature
	total := seconds + e.carry
	next, err := e.position.Advance(total, tempo, ts)
	if err != nil {
		return err
	}
	moved := next.TotalTicks(ts) - e.position.TotalTicks(ts)
	e.carry = math.Max(0, total-float64(moved)/timeline.TicksPerSecond(tempo))
	e.position = next
	return e.wrapLoopLocked()
}

// wrapLoopLocked sends the playhead back into the loop region once it
// reaches the loop end, keeping the overshoot.
func (e *Engine) wrapLoopLocked() error {
	l := e.loop
	if !l.Enabled || l.End <= l.Start {
		return nil
	}
	tempo, ts := e.project.Tempo, e.project.TimeSignature
	secs, err := e.position.ToSeconds(tempo, ts)
	if err != nil {
		return err
	}
	if secs < l.End {
		return nil
	}
	over := math.Mod(secs-l.End, l.End-l.Start)
	pos, err := timeline.FromSeconds(l.Start+over, tempo, ts)
	if err != nil {
		return err
	}
	e.position = pos
	return nil
}
