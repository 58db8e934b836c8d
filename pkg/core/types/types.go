// Package types holds the shared data model of the streaming core:
// connection configuration, media chunks, and tool call/response batches.
package types

import (
	"time"

	"github.com/voxlane/voxlane/pkg/core"
)

// MIME types for realtime input units.
const (
	MIMEPCM16K = "audio/pcm;rate=16000"
	MIMEPCM24K = "audio/pcm;rate=24000"
	MIMEJPEG   = "image/jpeg"
)

// Modality is a response modality requested at connect time.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
	ModalityImage Modality = "IMAGE"
)

// ToolDeclaration describes a callable capability advertised to the remote
// service at connect time.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ConnectionConfig is immutable per connection attempt. It is supplied by
// the caller at Connect time and negotiated with the remote service.
type ConnectionConfig struct {
	Model              string            `json:"model"`
	Voice              string            `json:"voice,omitempty"`
	ResponseModalities []Modality        `json:"response_modalities,omitempty"`
	SystemInstruction  string            `json:"system_instruction,omitempty"`
	Tools              []ToolDeclaration `json:"tools,omitempty"`
}

// Validate checks the required connect parameters. A nil or incomplete
// config fails Connect synchronously with a configuration error.
func (c *ConnectionConfig) Validate() error {
	if c == nil {
		return core.NewConfigError("connection config is required")
	}
	if c.Model == "" {
		return core.NewConfigError("model is required")
	}
	for _, tool := range c.Tools {
		if tool.Name == "" {
			return core.NewConfigError("tool declarations must be named")
		}
	}
	return nil
}

// Modalities returns the requested response modalities, defaulting to audio.
func (c *ConnectionConfig) Modalities() []Modality {
	if c == nil || len(c.ResponseModalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return c.ResponseModalities
}

// MediaChunk is a timestamped binary buffer tagged with a media kind.
// Outbound chunks are produced by the capture pipelines; inbound chunks are
// produced by the session client from the transport.
type MediaChunk struct {
	MIMEType  string
	Data      []byte
	Timestamp time.Time
}

// AudioChunk builds a 16kHz PCM chunk stamped now.
func AudioChunk(pcm []byte) MediaChunk {
	return MediaChunk{MIMEType: MIMEPCM16K, Data: pcm, Timestamp: time.Now()}
}

// ImageChunk builds a JPEG still chunk stamped now.
func ImageChunk(jpeg []byte) MediaChunk {
	return MediaChunk{MIMEType: MIMEJPEG, Data: jpeg, Timestamp: time.Now()}
}

// ToolCall is a single invocation request from the remote service. The ID
// is unique within its batch; Args is an untyped bag validated per handler.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolCallBatch is one inbound batch of tool invocations.
type ToolCallBatch struct {
	Calls []ToolCall
}

// ToolResponse answers one ToolCall; its ID must match a call from the
// same batch.
type ToolResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// ToolResponseBatch is submitted atomically: one network message per
// batch, never partial.
type ToolResponseBatch struct {
	Responses []ToolResponse
}
