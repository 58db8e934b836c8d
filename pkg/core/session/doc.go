// Package session implements the connection state machine for one logical
// duplex streaming session with the remote conversational service.
//
// The Client owns the websocket transport exclusively: it is the only
// reader and the only writer. Other components interact with it through
// its public methods (Connect, Disconnect, SendRealtimeInput,
// SendToolResponse) and by subscribing to the events it publishes on the
// shared bus.
//
// Lifecycle:
//
//	Disconnected --Connect--> Connecting --setup ack--> Connected
//	Connecting/Connected --transport drop--> Disconnected
//	any state --Disconnect--> Closing --> Disconnected
//
// Connect is a no-op while Connecting or Connected, so at most one session
// is ever live per Client. Disconnect is idempotent and safe from any
// state, including Disconnected.
//
// Inbound frames are demultiplexed onto the bus as status changes, audio
// chunks, interruption signals, tool-call batches, and errors. Failures
// inside the read loop never escape as faults; they are re-expressed as
// error events.
//
// Send methods REJECT with ErrNotConnected while the session is not
// Connected. Callers that capture media continuously (the pipelines) treat
// that rejection as a droppable condition; callers submitting tool
// responses should surface it.
package session
