// Package tools executes inbound function calls and answers each batch
// with one id-complete response batch: every call id that arrived goes
// back in the same toolResponse frame, whether its handler succeeded,
// failed, panicked, timed out, or was never registered. The remote side
// treats a missing id as a stuck call, so partial batches are never sent.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/auth"
	"github.com/voxlane/voxlane/pkg/core/events"
	"github.com/voxlane/voxlane/pkg/core/types"
)

const defaultCallTimeout = 30 * time.Second

// Handler executes one tool call. The returned string is handed to the
// model verbatim as the call result.
type Handler interface {
	Execute(ctx context.Context, args map[string]any, authCtx auth.Context) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]any, authCtx auth.Context) (string, error)

func (f HandlerFunc) Execute(ctx context.Context, args map[string]any, authCtx auth.Context) (string, error) {
	return f(ctx, args, authCtx)
}

// Typed wraps a handler taking validated, strongly typed arguments. The
// raw args map is round-tripped through JSON into P with unknown fields
// rejected; validation failures become handler errors, not panics.
func Typed[P any](fn func(ctx context.Context, params P, authCtx auth.Context) (string, error)) Handler {
	return HandlerFunc(func(ctx context.Context, args map[string]any, authCtx auth.Context) (string, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode args: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var params P
		if err := dec.Decode(&params); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		return fn(ctx, params, authCtx)
	})
}

// Submitter forwards one complete response batch. Satisfied by
// *session.Client.
type Submitter interface {
	SendToolResponse(batch types.ToolResponseBatch) error
}

// Options tunes a Dispatcher.
type Options struct {
	// CallTimeout bounds each handler invocation. Defaults to 30s.
	CallTimeout time.Duration

	// Credentials is snapshotted once per batch and handed to every
	// handler in it. Optional.
	Credentials auth.Source

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Dispatcher owns the handler registry and the batch execution loop.
type Dispatcher struct {
	bus       *events.Bus
	submitter Submitter
	opts      Options
	log       *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher builds a dispatcher with an empty registry.
func NewDispatcher(bus *events.Bus, submitter Submitter, opts Options) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		bus:       bus,
		submitter: submitter,
		opts:      opts,
		log:       opts.Logger,
		handlers:  make(map[string]Handler),
	}
}

// Register binds a handler to a tool name, replacing any previous one.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handler
}

// RegisterFunc is Register for plain functions.
func (d *Dispatcher) RegisterFunc(name string, fn HandlerFunc) {
	d.Register(name, fn)
}

// Registered lists the bound tool names in sorted order.
func (d *Dispatcher) Registered() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run consumes tool-call batches from the bus until ctx is done. Batches
// run sequentially; a slow handler delays later batches rather than
// racing them.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.bus.SubscribeBuffered(64, events.TypeToolCall)
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			call, ok := ev.(events.ToolCallEvent)
			if !ok {
				continue
			}
			d.Dispatch(ctx, call.Batch)
		}
	}
}

// Dispatch executes one batch and submits its complete response set.
func (d *Dispatcher) Dispatch(ctx context.Context, batch types.ToolCallBatch) {
	if len(batch.Calls) == 0 {
		return
	}

	var authCtx auth.Context
	if d.opts.Credentials != nil {
		authCtx = d.opts.Credentials.Snapshot()
	}

	responses := make([]types.ToolResponse, 0, len(batch.Calls))
	for _, call := range batch.Calls {
		responses = append(responses, types.ToolResponse{
			ID:     call.ID,
			Name:   call.Name,
			Result: d.execute(ctx, call, authCtx),
		})
	}

	if err := d.submitter.SendToolResponse(types.ToolResponseBatch{Responses: responses}); err != nil {
		d.log.Error("tool response submission failed", "calls", len(responses), "error", err)
		d.bus.Publish(events.ErrorEvent{
			Code:    "tool_response_failed",
			Message: err.Error(),
		})
	}
}

// execute runs one call and always comes back with a result string.
func (d *Dispatcher) execute(ctx context.Context, call types.ToolCall, authCtx auth.Context) (result string) {
	d.mu.RLock()
	handler, ok := d.handlers[call.Name]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("no handler for tool", "tool", call.Name, "id", call.ID)
		return fmt.Sprintf("Tool %q is not available in this client.", call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked", "tool", call.Name, "id", call.ID,
				"panic", r, "stack", string(debug.Stack()))
			result = fmt.Sprintf("Tool %q failed: internal handler error.", call.Name)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	out, err := handler.Execute(callCtx, call.Args, authCtx)
	if err != nil {
		d.log.Warn("tool handler failed", "tool", call.Name, "id", call.ID, "error", err)
		return fmt.Sprintf("Tool %q failed: %v", call.Name, err)
	}
	return out
}
