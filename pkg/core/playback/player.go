// Package playback schedules inbound model speech for gapless output.
//
// Chunks arrive faster than real time, so the player keeps a schedule
// horizon: each chunk starts at max(horizon, now) and advances the
// horizon by its own duration. Consecutive chunks of one turn therefore
// play back to back, and a network stall simply resynchronizes the
// horizon to the present instead of accumulating drift.
//
// A barge-in flushes everything at once: the queue is cleared, chunks
// already scheduled but not yet written are invalidated through a
// generation counter, and the sink is reset to cut audio that already
// left the process.
package playback

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlane/voxlane/pkg/core/audio"
	"github.com/voxlane/voxlane/pkg/core/events"
)

// Sink is the audio output device. Write may block briefly; Reset cuts
// anything the sink has buffered or is currently playing.
type Sink interface {
	Write(pcm []byte) error
	Reset() error
	Close() error
}

// Options tunes a Player.
type Options struct {
	// Format of inbound audio. Defaults to the 24kHz mono playback format.
	Format audio.Format

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Player consumes audio and interruption events from the bus and drives
// a Sink on the schedule described in the package comment.
type Player struct {
	bus    *events.Bus
	sink   Sink
	format audio.Format
	log    *slog.Logger

	// Injected clock, swapped in tests.
	now   func() time.Time
	sleep func(d time.Duration)

	muted   atomic.Bool
	started atomic.Bool

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	gen     uint64
	horizon time.Time
	closed  bool

	sub        *events.Subscription
	workerDone chan struct{}
	pumpDone   chan struct{}
}

// NewPlayer builds a stopped player writing to sink.
func NewPlayer(bus *events.Bus, sink Sink, opts Options) *Player {
	if opts.Format.SampleRateHz == 0 {
		opts.Format = audio.PlaybackFormat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Player{
		bus:    bus,
		sink:   sink,
		format: opts.Format,
		log:    opts.Logger,
		now:    time.Now,
		sleep:  time.Sleep,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start subscribes to inbound audio and interruption events and begins
// scheduling. No-op when already started.
func (p *Player) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.closed = false
	p.queue = nil
	p.gen++
	p.horizon = time.Time{}
	p.mu.Unlock()

	p.sub = p.bus.SubscribeBuffered(256, events.TypeAudio, events.TypeInterrupted)
	p.workerDone = make(chan struct{})
	p.pumpDone = make(chan struct{})
	go p.worker()
	go p.pump()
}

// Stop flushes the schedule and stops both loops. The sink stays open so
// the player can be started again; Close releases it.
func (p *Player) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	p.sub.Cancel()
	<-p.pumpDone

	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.gen++
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.workerDone

	if err := p.sink.Reset(); err != nil {
		p.log.Warn("sink reset failed", "error", err)
	}
}

// Close stops the player and closes the sink. The player cannot be
// restarted afterwards.
func (p *Player) Close() {
	p.Stop()
	p.sink.Close()
}

// SetMuted gates sink writes. Scheduling and output metering continue so
// unmuting mid-turn resumes at the right point instead of replaying
// suppressed audio.
func (p *Player) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports the gate position.
func (p *Player) Muted() bool {
	return p.muted.Load()
}

// Enqueue schedules one chunk of PCM for playback.
func (p *Player) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.queue = append(p.queue, pcm)
		p.cond.Signal()
	}
	p.mu.Unlock()
}

// Interrupt flushes all pending audio atomically: queued chunks, chunks
// scheduled but not yet written, and whatever the sink is playing.
func (p *Player) Interrupt() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.gen++
	p.horizon = time.Time{}
	p.mu.Unlock()

	if err := p.sink.Reset(); err != nil {
		p.log.Warn("sink reset failed", "error", err)
	}
	p.log.Debug("playback flushed", "dropped_chunks", dropped)
}

// pump moves bus events into the scheduler.
func (p *Player) pump() {
	defer close(p.pumpDone)
	for ev := range p.sub.Events() {
		switch e := ev.(type) {
		case events.AudioEvent:
			p.Enqueue(e.Chunk.Data)
		case events.InterruptedEvent:
			p.Interrupt()
		}
	}
}

// worker plays queued chunks on the horizon schedule.
func (p *Player) worker() {
	defer close(p.workerDone)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		pcm := p.queue[0]
		p.queue = p.queue[1:]
		gen := p.gen

		now := p.now()
		start := p.horizon
		if start.Before(now) {
			// Underrun or first chunk of a turn. Resynchronize.
			start = now
		}
		p.horizon = start.Add(p.format.Duration(len(pcm)))
		p.mu.Unlock()

		if wait := start.Sub(now); wait > 0 {
			p.sleep(wait)
		}

		p.mu.Lock()
		stale := gen != p.gen
		p.mu.Unlock()
		if stale {
			// Invalidated by an interrupt while waiting for its slot.
			continue
		}

		p.bus.Publish(events.OutputVolumeEvent{Level: audio.Volume(pcm)})
		if p.muted.Load() {
			continue
		}
		if err := p.sink.Write(pcm); err != nil {
			p.log.Warn("sink write failed", "error", err)
		}
	}
}
