// Package protocol defines the JSON frames exchanged with the remote
// conversational service over one duplex websocket, and a strict decoder
// for inbound frames.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxlane/voxlane/pkg/core/types"
)

// DecodeError reports a malformed inbound frame.
type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func badFrame(message string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message}
}

// --- client → server frames ---

// GenerationConfig carries the negotiated response settings.
type GenerationConfig struct {
	ResponseModalities []types.Modality `json:"responseModalities,omitempty"`
	Voice              string           `json:"voice,omitempty"`
}

// FunctionDeclarations groups tool declarations the way the wire expects.
type FunctionDeclarations struct {
	FunctionDeclarations []types.ToolDeclaration `json:"functionDeclarations"`
}

// Setup is the first frame of every connection attempt.
type Setup struct {
	Model             string                 `json:"model"`
	GenerationConfig  GenerationConfig       `json:"generationConfig"`
	SystemInstruction string                 `json:"systemInstruction,omitempty"`
	Tools             []FunctionDeclarations `json:"tools,omitempty"`
}

// SetupFromConfig builds the setup frame for one connection attempt.
func SetupFromConfig(cfg *types.ConnectionConfig) Setup {
	setup := Setup{
		Model: cfg.Model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: cfg.Modalities(),
			Voice:              cfg.Voice,
		},
		SystemInstruction: cfg.SystemInstruction,
	}
	if len(cfg.Tools) > 0 {
		setup.Tools = []FunctionDeclarations{{FunctionDeclarations: cfg.Tools}}
	}
	return setup
}

// MediaBlob is one realtime input unit: a mime type plus base64 payload.
type MediaBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// RealtimeInput carries outbound media chunks.
type RealtimeInput struct {
	MediaChunks []MediaBlob `json:"mediaChunks"`
}

// FunctionResponse answers one tool call on the wire.
type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ToolResponse carries one complete, atomic response batch.
type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

// ClientMessage is the envelope for every client → server frame. Exactly
// one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

// EncodeRealtimeInput converts media chunks into one realtimeInput frame,
// preserving chunk order.
func EncodeRealtimeInput(chunks []types.MediaChunk) ClientMessage {
	blobs := make([]MediaBlob, 0, len(chunks))
	for _, chunk := range chunks {
		blobs = append(blobs, MediaBlob{
			MIMEType: chunk.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(chunk.Data),
		})
	}
	return ClientMessage{RealtimeInput: &RealtimeInput{MediaChunks: blobs}}
}

// EncodeToolResponse converts a response batch into one toolResponse frame.
func EncodeToolResponse(batch types.ToolResponseBatch) ClientMessage {
	responses := make([]FunctionResponse, 0, len(batch.Responses))
	for _, r := range batch.Responses {
		responses = append(responses, FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: map[string]any{"result": r.Result},
		})
	}
	return ClientMessage{ToolResponse: &ToolResponse{FunctionResponses: responses}}
}

// --- server → client frames ---

// SetupComplete acknowledges the setup frame.
type SetupComplete struct {
	SessionID string `json:"sessionId,omitempty"`
}

// InlineData is an inbound media part.
type InlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Part is one piece of a model turn.
type Part struct {
	InlineData *InlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

// ModelTurn groups the parts of one model response increment.
type ModelTurn struct {
	Parts []Part `json:"parts,omitempty"`
}

// ServerContent is a model output frame. Interrupted signals barge-in:
// the user started speaking and the remote cut its own speech short.
type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
}

// FunctionCall is one tool invocation on the wire.
type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolCall carries one inbound invocation batch.
type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

// ServerError is a terminal error frame with a machine-readable code.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GoAway announces the server is about to drop the connection.
type GoAway struct {
	Reason string `json:"reason,omitempty"`
}

// ServerMessage is the envelope for every server → client frame.
type ServerMessage struct {
	SetupComplete *SetupComplete `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	ToolCall      *ToolCall      `json:"toolCall,omitempty"`
	Error         *ServerError   `json:"error,omitempty"`
	GoAway        *GoAway        `json:"goAway,omitempty"`
}

// DecodeServerMessage parses one inbound frame. Unknown envelopes decode
// to an empty message rather than failing the session.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, badFrame("invalid json frame")
	}
	return msg, nil
}

// AudioChunks extracts the decoded inbound audio chunks of a content
// frame, in arrival order.
func (c *ServerContent) AudioChunks() ([]types.MediaChunk, error) {
	if c == nil || c.ModelTurn == nil {
		return nil, nil
	}
	var chunks []types.MediaChunk
	for _, part := range c.ModelTurn.Parts {
		if part.InlineData == nil || !strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm") {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, badFrame("invalid base64 audio payload")
		}
		chunks = append(chunks, types.MediaChunk{
			MIMEType: part.InlineData.MIMEType,
			Data:     pcm,
		})
	}
	return chunks, nil
}

// Batch converts a wire tool call into the dispatcher's batch type.
func (c *ToolCall) Batch() types.ToolCallBatch {
	if c == nil {
		return types.ToolCallBatch{}
	}
	calls := make([]types.ToolCall, 0, len(c.FunctionCalls))
	for _, fc := range c.FunctionCalls {
		calls = append(calls, types.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
	}
	return types.ToolCallBatch{Calls: calls}
}

// QuotaCode is the error code the remote uses for resource exhaustion.
const QuotaCode = "quota_exceeded"

// Terminal reports whether the error frame ends the session for good.
func (e *ServerError) Terminal() bool {
	return e != nil && strings.EqualFold(strings.TrimSpace(e.Code), QuotaCode)
}
