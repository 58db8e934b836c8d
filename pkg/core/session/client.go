package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/auth"
	"github.com/voxlane/voxlane/pkg/core"
	"github.com/voxlane/voxlane/pkg/core/events"
	"github.com/voxlane/voxlane/pkg/core/protocol"
	"github.com/voxlane/voxlane/pkg/core/types"
)

// State is the connection lifecycle phase of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

const defaultConnectTimeout = 15 * time.Second

// ErrNotConnected is returned by the send methods while the session is not
// in the Connected state.
var ErrNotConnected = core.NewTransportErrorWithCode("not_connected", "session is not connected")

// Options configures a Client.
type Options struct {
	// Endpoint is the websocket URL of the remote service. Required.
	Endpoint string

	// Dialer establishes connections. Defaults to WebsocketDialer{}.
	Dialer Dialer

	// Credentials supplies the bearer token for the dial handshake.
	// Optional: without it the dial carries no Authorization header.
	Credentials auth.Source

	// ConnectTimeout bounds the dial plus setup handshake. Defaults to
	// 15 seconds.
	ConnectTimeout time.Duration

	// Reconnect controls automatic re-dialing after unexpected drops.
	// Disabled by default.
	Reconnect ReconnectPolicy

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client is the connection state machine. It serializes all outbound
// writes, owns the single read loop, and republishes everything inbound
// as bus events.
type Client struct {
	bus  *events.Bus
	opts Options
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	conn         Conn
	cfg          *types.ConnectionConfig
	sessionID    string
	readDone     chan struct{}
	turnActive   bool
	terminal     bool
	reconnecting bool
	stopRetry    chan struct{}

	writeMu sync.Mutex
}

// NewClient builds a disconnected Client publishing onto bus.
func NewClient(bus *events.Bus, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reconnect.Enabled {
		def := DefaultReconnectPolicy()
		if opts.Reconnect.InitialDelay <= 0 {
			opts.Reconnect.InitialDelay = def.InitialDelay
		}
		if opts.Reconnect.MaxDelay <= 0 {
			opts.Reconnect.MaxDelay = def.MaxDelay
		}
		if opts.Reconnect.MaxAttempts <= 0 {
			opts.Reconnect.MaxAttempts = def.MaxAttempts
		}
	}
	return &Client{
		bus:   bus,
		opts:  opts,
		log:   opts.Logger,
		state: StateDisconnected,
	}
}

// State reports the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID reports the server-assigned id of the current or most recent
// session. Empty before the first successful connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect dials the endpoint, performs the setup handshake and moves the
// Client to Connected. It is a no-op when already Connecting or
// Connected. On failure the Client returns to Disconnected and the error
// is both returned and published as an error event.
func (c *Client) Connect(ctx context.Context, cfg *types.ConnectionConfig) error {
	return c.connect(ctx, cfg, nil)
}

// connect carries out Connect. When gate is non-nil it is evaluated under
// c.mu before any state transition; a false result aborts the attempt.
// retry uses it so that a Disconnect landing between its backoff wait and
// the dial cannot revive a session the caller just tore down.
func (c *Client) connect(ctx context.Context, cfg *types.ConnectionConfig, gate func() bool) error {
	c.mu.Lock()
	if gate != nil && !gate() {
		c.mu.Unlock()
		return core.NewTransportError("reconnect canceled")
	}
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosing:
		c.mu.Unlock()
		return core.NewTransportError("session is closing")
	}
	if err := cfg.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateConnecting
	c.cfg = cfg
	c.mu.Unlock()

	c.bus.Publish(events.StatusEvent{Status: events.StatusConnecting})
	c.log.Info("connecting", "endpoint", c.opts.Endpoint, "model", cfg.Model)

	conn, sessionID, err := c.dial(ctx, cfg)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.bus.Publish(events.StatusEvent{Status: events.StatusDisconnected})
		c.publishErr(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect raced the handshake.
		c.mu.Unlock()
		conn.Close()
		return core.NewTransportError("connect aborted")
	}
	c.conn = conn
	c.sessionID = sessionID
	c.state = StateConnected
	c.turnActive = false
	c.terminal = false
	readDone := make(chan struct{})
	c.readDone = readDone
	c.mu.Unlock()

	c.log.Info("connected", "session_id", sessionID)
	c.bus.Publish(events.StatusEvent{Status: events.StatusConnected})
	c.bus.Publish(events.OpenEvent{SessionID: sessionID})

	go c.readLoop(conn, readDone)
	return nil
}

// dial establishes the transport and runs the setup handshake. The
// returned Conn has no read deadline set.
func (c *Client) dial(ctx context.Context, cfg *types.ConnectionConfig) (Conn, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Credentials != nil {
		if snap := c.opts.Credentials.Snapshot(); snap.Connected {
			header.Set("Authorization", "Bearer "+snap.Credential)
		}
	}

	conn, err := c.opts.Dialer.DialContext(ctx, c.opts.Endpoint, header)
	if err != nil {
		return nil, "", core.NewTransportError(err.Error())
	}

	setup := protocol.SetupFromConfig(cfg)
	data, err := json.Marshal(protocol.ClientMessage{Setup: &setup})
	if err != nil {
		conn.Close()
		return nil, "", core.NewTransportError("encode setup: " + err.Error())
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, "", core.NewTransportError("send setup: " + err.Error())
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.ConnectTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", core.NewTransportError("await setup ack: " + err.Error())
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := protocol.DecodeServerMessage(raw)
	if err != nil {
		conn.Close()
		return nil, "", core.NewTransportError(err.Error())
	}
	switch {
	case msg.SetupComplete != nil:
		sessionID := msg.SetupComplete.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		return conn, sessionID, nil
	case msg.Error != nil:
		conn.Close()
		if msg.Error.Terminal() {
			return nil, "", core.NewQuotaError(msg.Error.Message)
		}
		return nil, "", core.NewTransportErrorWithCode(msg.Error.Code, msg.Error.Message)
	default:
		conn.Close()
		return nil, "", core.NewTransportError("unexpected frame before setup ack")
	}
}

// Disconnect tears the session down. It is idempotent and safe from any
// state, cancels a pending reconnect, and returns once the read loop has
// finished emitting its close events.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopRetry != nil {
		close(c.stopRetry)
		c.stopRetry = nil
	}
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	conn := c.conn
	readDone := c.readDone
	c.mu.Unlock()

	if conn == nil {
		// Connecting with no transport yet, or idle. The in-flight dial,
		// if any, observes the Closing state and aborts.
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.bus.Publish(events.StatusEvent{Status: events.StatusDisconnected})
		return
	}

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	conn.Close()

	if readDone != nil {
		<-readDone
	}
}

// SendRealtimeInput forwards captured media chunks on the live session. It
// rejects with ErrNotConnected in any other state so that continuously
// produced frames are dropped rather than queued against a dead transport.
func (c *Client) SendRealtimeInput(chunks ...types.MediaChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	frame := protocol.EncodeRealtimeInput(chunks)
	return c.write(frame)
}

// SendToolResponse forwards one complete tool response batch.
func (c *Client) SendToolResponse(batch types.ToolResponseBatch) error {
	if len(batch.Responses) == 0 {
		return nil
	}
	frame := protocol.EncodeToolResponse(batch)
	return c.write(frame)
}

func (c *Client) write(frame protocol.ClientMessage) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return core.NewTransportError("encode frame: " + err.Error())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return core.NewTransportError(err.Error())
	}
	return nil
}

// readLoop is the sole reader of conn. It runs until the transport drops,
// demultiplexing every inbound frame onto the bus.
func (c *Client) readLoop(conn Conn, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(conn, err)
			return
		}
		msg, err := protocol.DecodeServerMessage(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			c.bus.Publish(events.ErrorEvent{Code: "bad_frame", Message: err.Error()})
			continue
		}
		c.handleServerMessage(conn, msg)
	}
}

func (c *Client) handleServerMessage(conn Conn, msg protocol.ServerMessage) {
	switch {
	case msg.ServerContent != nil:
		c.handleContent(msg.ServerContent)
	case msg.ToolCall != nil:
		batch := msg.ToolCall.Batch()
		c.log.Debug("tool call batch", "calls", len(batch.Calls))
		c.bus.Publish(events.ToolCallEvent{Batch: batch})
	case msg.Error != nil:
		terminal := msg.Error.Terminal()
		c.bus.Publish(events.ErrorEvent{
			Code:     msg.Error.Code,
			Message:  msg.Error.Message,
			Terminal: terminal,
		})
		if terminal {
			c.log.Error("terminal server error", "code", msg.Error.Code, "message", msg.Error.Message)
			c.mu.Lock()
			c.terminal = true
			c.mu.Unlock()
			// Closing the transport unwinds the read loop, which then
			// emits close and disconnected without scheduling a retry.
			conn.Close()
		}
	case msg.GoAway != nil:
		c.log.Warn("server go_away", "reason", msg.GoAway.Reason)
		c.bus.Publish(events.ErrorEvent{Code: "go_away", Message: msg.GoAway.Reason})
	case msg.SetupComplete != nil:
		// Duplicate ack after the handshake. Harmless.
	}
}

func (c *Client) handleContent(content *protocol.ServerContent) {
	if content.Interrupted {
		c.mu.Lock()
		c.turnActive = false
		c.mu.Unlock()
		c.bus.Publish(events.InterruptedEvent{})
		return
	}

	chunks, err := content.AudioChunks()
	if err != nil {
		c.bus.Publish(events.ErrorEvent{Code: "bad_frame", Message: err.Error()})
		return
	}
	if len(chunks) > 0 {
		c.mu.Lock()
		c.turnActive = true
		c.mu.Unlock()
		now := time.Now()
		for _, chunk := range chunks {
			chunk.Timestamp = now
			c.bus.Publish(events.AudioEvent{Chunk: chunk})
		}
	}

	if content.TurnComplete {
		c.mu.Lock()
		c.turnActive = false
		c.mu.Unlock()
	}
}

// transportClosed finalizes the session after the read loop observed a
// transport failure or an orderly close.
func (c *Client) transportClosed(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.readDone = nil
	wasClosing := c.state == StateClosing
	turnActive := c.turnActive
	terminal := c.terminal
	cfg := c.cfg
	c.turnActive = false
	c.terminal = false
	c.state = StateDisconnected
	c.mu.Unlock()

	if turnActive {
		// A model turn died mid-flight. Flush playback the same way a
		// barge-in would.
		c.bus.Publish(events.InterruptedEvent{})
	}

	code, reason := closeDetails(err)
	c.bus.Publish(events.CloseEvent{Code: code, Reason: reason})
	c.bus.Publish(events.StatusEvent{Status: events.StatusDisconnected})

	if wasClosing || terminal {
		c.log.Info("session closed", "code", code)
		return
	}

	c.log.Warn("transport dropped", "code", code, "reason", reason, "error", err)
	c.publishErr(core.NewTransportError(err.Error()))
	if c.opts.Reconnect.Enabled && cfg != nil {
		go c.retry(cfg)
	}
}

// retry re-dials with bounded exponential backoff. A Disconnect issued
// while waiting cancels the whole sequence.
func (c *Client) retry(cfg *types.ConnectionConfig) {
	stop := make(chan struct{})
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.stopRetry = stop
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		if c.stopRetry == stop {
			c.stopRetry = nil
		}
		c.mu.Unlock()
	}()

	policy := c.opts.Reconnect
	gate := func() bool { return c.stopRetry == stop }
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		delay := policy.Delay(attempt)
		c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		err := c.connect(context.Background(), cfg, gate)
		if err == nil {
			c.log.Info("reconnected", "attempt", attempt)
			return
		}
		if core.IsTerminal(err) {
			return
		}
		c.log.Warn("reconnect failed", "attempt", attempt, "error", err)
	}

	c.log.Error("reconnect exhausted", "attempts", policy.MaxAttempts)
	c.bus.Publish(events.ErrorEvent{
		Code:    "reconnect_exhausted",
		Message: "gave up reconnecting after repeated failures",
	})
}

func (c *Client) publishErr(err error) {
	var coreErr *core.Error
	if e, ok := err.(*core.Error); ok {
		coreErr = e
	} else {
		coreErr = core.NewTransportError(err.Error())
	}
	c.bus.Publish(events.ErrorEvent{
		Code:     coreErr.Code,
		Message:  coreErr.Message,
		Terminal: coreErr.Terminal(),
	})
}

func closeDetails(err error) (int, string) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
