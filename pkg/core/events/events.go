// Package events provides the typed publish/subscribe bus used by the
// streaming components to announce state transitions and data arrival
// without coupling to each other.
package events

import (
	"github.com/voxlane/voxlane/pkg/core/types"
)

// Type identifies the payload shape of an Event. Subscriptions are keyed
// by type, so each subscriber only sees the kinds it asked for.
type Type string

const (
	TypeStatus       Type = "status"
	TypeOpen         Type = "open"
	TypeClose        Type = "close"
	TypeAudio        Type = "audio"
	TypeInterrupted  Type = "interrupted"
	TypeToolCall     Type = "toolcall"
	TypeError        Type = "error"
	TypeInputVolume  Type = "volume.input"
	TypeOutputVolume Type = "volume.output"
)

// Event is the interface for all bus events.
type Event interface {
	EventType() Type
}

// Status is the externally visible connection status.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// StatusEvent announces a connection status change.
type StatusEvent struct {
	Status Status
}

func (e StatusEvent) EventType() Type { return TypeStatus }

// OpenEvent is emitted once per successful connection, after setup
// negotiation completes.
type OpenEvent struct {
	SessionID string
}

func (e OpenEvent) EventType() Type { return TypeOpen }

// CloseEvent is emitted when the transport closes, expectedly or not.
type CloseEvent struct {
	Code   int
	Reason string
}

func (e CloseEvent) EventType() Type { return TypeClose }

// AudioEvent carries one inbound decoded audio chunk.
type AudioEvent struct {
	Chunk types.MediaChunk
}

func (e AudioEvent) EventType() Type { return TypeAudio }

// InterruptedEvent signals that the remote agent's speech was cut off by
// user input. All pending playback must be flushed immediately.
type InterruptedEvent struct{}

func (e InterruptedEvent) EventType() Type { return TypeInterrupted }

// ToolCallEvent carries one inbound tool invocation batch.
type ToolCallEvent struct {
	Batch types.ToolCallBatch
}

func (e ToolCallEvent) EventType() Type { return TypeToolCall }

// ErrorEvent carries a recovered failure. Terminal errors end the session
// for good and must not be retried automatically.
type ErrorEvent struct {
	Code     string
	Message  string
	Terminal bool
}

func (e ErrorEvent) EventType() Type { return TypeError }

// InputVolumeEvent carries a capture-side volume sample in [0,1] for UI
// metering. Emitted per frame, muted or not.
type InputVolumeEvent struct {
	Level float64
}

func (e InputVolumeEvent) EventType() Type { return TypeInputVolume }

// OutputVolumeEvent carries a playback-side volume sample in [0,1],
// one per scheduled chunk.
type OutputVolumeEvent struct {
	Level float64
}

func (e OutputVolumeEvent) EventType() Type { return TypeOutputVolume }
