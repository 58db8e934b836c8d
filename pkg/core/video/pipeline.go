// Package video streams periodic JPEG stills from a local frame source.
// Video is bandwidth assist, not media playback: frames are sampled at a
// low fixed rate and any tick that finds the previous grab still in
// flight is skipped rather than queued.
package video

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlane/voxlane/pkg/core"
	"github.com/voxlane/voxlane/pkg/core/events"
	"github.com/voxlane/voxlane/pkg/core/session"
	"github.com/voxlane/voxlane/pkg/core/types"
)

const (
	defaultFrameInterval = 500 * time.Millisecond
	defaultJPEGQuality   = 75
)

// FrameSource produces still frames from a camera or screen. Grab blocks
// until a frame is available or ctx is done.
type FrameSource interface {
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// Uplink receives encoded frames. Satisfied by *session.Client.
type Uplink interface {
	SendRealtimeInput(chunks ...types.MediaChunk) error
}

// Options tunes a Pipeline.
type Options struct {
	// FrameInterval is the sampling period. Defaults to 500ms (2 fps).
	FrameInterval time.Duration

	// JPEGQuality is the encoder quality in [1,100]. Defaults to 75.
	JPEGQuality int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Pipeline samples a FrameSource on a fixed cadence and forwards each
// frame as one JPEG chunk. Slow grabs or encodes never back up: a tick
// that arrives while the previous frame is still being processed is
// dropped.
type Pipeline struct {
	bus       *events.Bus
	uplink    Uplink
	newSource func() (FrameSource, error)
	opts      Options
	log       *slog.Logger

	started atomic.Bool
	busy    atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPipeline builds a stopped video pipeline. newSource runs on every
// Start so camera failures can be retried.
func NewPipeline(bus *events.Bus, uplink Uplink, newSource func() (FrameSource, error), opts Options) *Pipeline {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = defaultFrameInterval
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaultJPEGQuality
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

// Start opens the source and begins sampling. No-op when already started.
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

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.log.Info("video capture started", "interval", p.opts.FrameInterval)
	go p.run(ctx, source, done)
	return nil
}

// Stop halts sampling and closes the source. Idempotent.
func (p *Pipeline) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	p.log.Info("video capture stopped")
}

// Started reports whether the pipeline is sampling.
func (p *Pipeline) Started() bool {
	return p.started.Load()
}

func (p *Pipeline) run(ctx context.Context, source FrameSource, done chan struct{}) {
	// Deferred LIFO: an in-flight grab finishes before the source closes.
	var grabs sync.WaitGroup
	defer close(done)
	defer source.Close()
	defer grabs.Wait()

	ticker := time.NewTicker(p.opts.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !p.busy.CompareAndSwap(false, true) {
			// Previous frame still grabbing or encoding. Skip this tick.
			continue
		}
		grabs.Add(1)
		go func() {
			defer grabs.Done()
			defer p.busy.Store(false)
			p.captureOne(ctx, source)
		}()
	}
}

func (p *Pipeline) captureOne(ctx context.Context, source FrameSource) {
	frame, err := source.Grab(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Warn("frame grab failed", "error", err)
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: p.opts.JPEGQuality}); err != nil {
		p.log.Warn("jpeg encode failed", "error", err)
		return
	}

	if err := p.uplink.SendRealtimeInput(types.ImageChunk(buf.Bytes())); err != nil {
		if err == session.ErrNotConnected {
			return
		}
		p.log.Warn("dropping video frame", "error", err)
	}
}
