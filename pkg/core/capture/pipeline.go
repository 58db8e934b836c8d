// Package capture turns a local audio source into the stream of media
// chunks the remote service expects: 16kHz mono PCM16 frames, sent
// continuously while unmuted, with a volume sample published per frame
// for UI metering whether muted or not.
package capture

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlane/voxlane/pkg/core"
	"github.com/voxlane/voxlane/pkg/core/audio"
	"github.com/voxlane/voxlane/pkg/core/events"
	"github.com/voxlane/voxlane/pkg/core/session"
	"github.com/voxlane/voxlane/pkg/core/types"
)

const defaultFrameDuration = 100 * time.Millisecond

// Source produces raw PCM16 audio in its native format. Read blocks until
// data is available and returns io.EOF or another error when the device
// stops producing.
type Source interface {
	Format() audio.Format
	Read(p []byte) (n int, err error)
	Close() error
}

// Uplink receives the captured frames. Satisfied by *session.Client.
type Uplink interface {
	SendRealtimeInput(chunks ...types.MediaChunk) error
}

// Options tunes a Pipeline.
type Options struct {
	// FrameDuration is the audio span of each outbound chunk. Defaults
	// to 100ms.
	FrameDuration time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Pipeline reads frames from a Source, resamples them to the capture
// format and forwards them on the uplink. Mute suppresses forwarding but
// never metering, so the UI keeps showing live input levels.
type Pipeline struct {
	bus       *events.Bus
	uplink    Uplink
	newSource func() (Source, error)
	opts      Options
	log       *slog.Logger

	started atomic.Bool
	muted   atomic.Bool

	mu     sync.Mutex
	source Source
	done   chan struct{}
}

// NewPipeline builds a stopped pipeline. newSource is invoked on every
// Start so a failed device can be reopened by a later Start.
func NewPipeline(bus *events.Bus, uplink Uplink, newSource func() (Source, error), opts Options) *Pipeline {
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = defaultFrameDuration
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		bus:       bus,
		uplink:    uplink,
		newSource: newSource,
		opts:      opts,
		log:       opts.Logger,
	}
}

// Start opens the source and begins streaming. It is a no-op when already
// started. A device that cannot be opened leaves the pipeline stopped and
// the error is both returned and published.
func (p *Pipeline) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	source, err := p.newSource()
	if err != nil {
		p.started.Store(false)
		devErr := core.NewDeviceError(err.Error())
		p.bus.Publish(events.ErrorEvent{Code: string(core.ErrDevice), Message: devErr.Message})
		return devErr
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.source = source
	p.done = done
	p.mu.Unlock()

	p.log.Info("audio capture started", "sample_rate", source.Format().SampleRateHz)
	go p.run(source, done)
	return nil
}

// Stop closes the source and waits for the read loop to exit. Idempotent.
func (p *Pipeline) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	source := p.source
	done := p.done
	p.source = nil
	p.done = nil
	p.mu.Unlock()

	if source != nil {
		source.Close()
	}
	if done != nil {
		<-done
	}
	p.log.Info("audio capture stopped")
}

// SetMuted toggles the forwarding gate. Metering continues while muted.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports the current gate position.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Started reports whether the pipeline is streaming.
func (p *Pipeline) Started() bool {
	return p.started.Load()
}

func (p *Pipeline) run(source Source, done chan struct{}) {
	defer close(done)

	format := source.Format()
	frame := make([]byte, format.BytesFor(p.opts.FrameDuration))
	for {
		n, err := io.ReadFull(source, frame)
		if n > 0 {
			p.emit(frame[:n], format)
		}
		if err != nil {
			if p.started.Load() {
				// The device died underneath us rather than being stopped.
				p.started.Store(false)
				source.Close()
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					p.log.Error("audio source failed", "error", err)
					p.bus.Publish(events.ErrorEvent{
						Code:    string(core.ErrDevice),
						Message: "audio source failed: " + err.Error(),
					})
				}
			}
			return
		}
	}
}

func (p *Pipeline) emit(raw []byte, format audio.Format) {
	pcm := audio.Resample(raw, format, audio.CaptureFormat)

	p.bus.Publish(events.InputVolumeEvent{Level: audio.Volume(pcm)})

	if p.muted.Load() {
		return
	}
	if err := p.uplink.SendRealtimeInput(types.AudioChunk(pcm)); err != nil {
		if err == session.ErrNotConnected {
			// No live session right now. Frames are droppable.
			return
		}
		p.log.Warn("dropping capture frame", "error", err)
	}
}
