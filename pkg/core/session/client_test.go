package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/core"
	"github.com/voxlane/voxlane/pkg/core/events"
	"github.com/voxlane/voxlane/pkg/core/protocol"
	"github.com/voxlane/voxlane/pkg/core/types"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	done    chan struct{}
	err     error
	once    sync.Once
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{
		inbound: make(chan []byte, 32),
		done:    make(chan struct{}),
	}
	for _, f := range frames {
		c.inbound <- []byte(f)
	}
	return c
}

func (c *fakeConn) push(frame string) {
	c.inbound <- []byte(frame)
}

// fail terminates the connection with the given read error.
func (c *fakeConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.err
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.done:
		return &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "write on closed conn"}
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"})
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) DialContext(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.conns) == 0 {
		return nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "no endpoint"}
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

const setupAck = `{"setupComplete":{"sessionId":"sess-1"}}`

func testConfig() *types.ConnectionConfig {
	return &types.ConnectionConfig{Model: "models/demo-live"}
}

func newTestClient(dialer Dialer, policy ReconnectPolicy) (*Client, *events.Bus) {
	bus := events.NewBus()
	client := NewClient(bus, Options{
		Endpoint:  "wss://example.test/live",
		Dialer:    dialer,
		Reconnect: policy,
	})
	return client, bus
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestConnectHandshake(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	statuses := bus.Subscribe(events.TypeStatus)
	opened := bus.Subscribe(events.TypeOpen)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := client.State(); got != StateConnected {
		t.Fatalf("state = %q, want %q", got, StateConnected)
	}
	if got := client.SessionID(); got != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", got)
	}

	if ev := nextEvent(t, statuses).(events.StatusEvent); ev.Status != events.StatusConnecting {
		t.Errorf("first status = %q, want connecting", ev.Status)
	}
	if ev := nextEvent(t, statuses).(events.StatusEvent); ev.Status != events.StatusConnected {
		t.Errorf("second status = %q, want connected", ev.Status)
	}
	if ev := nextEvent(t, opened).(events.OpenEvent); ev.SessionID != "sess-1" {
		t.Errorf("open session id = %q, want sess-1", ev.SessionID)
	}

	writes := conn.written()
	if len(writes) == 0 {
		t.Fatal("no setup frame written")
	}
	var msg protocol.ClientMessage
	if err := json.Unmarshal(writes[0], &msg); err != nil {
		t.Fatalf("decode setup frame: %v", err)
	}
	if msg.Setup == nil || msg.Setup.Model != "models/demo-live" {
		t.Errorf("setup frame = %s, want model models/demo-live", writes[0])
	}

	client.Disconnect()
}

func TestConnectIdempotent(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	opened := bus.Subscribe(events.TypeOpen)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}

	nextEvent(t, opened)
	select {
	case extra := <-opened.Events():
		t.Fatalf("unexpected second open event: %#v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	client.Disconnect()
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	dialer := &fakeDialer{}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	err := client.Connect(context.Background(), &types.ConnectionConfig{})
	if err == nil {
		t.Fatal("Connect accepted config without model")
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
	if got := dialer.dialCount(); got != 0 {
		t.Errorf("dial count = %d, want 0", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	// Safe before any connect.
	client.Disconnect()

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	closed := bus.Subscribe(events.TypeClose)
	client.Disconnect()
	client.Disconnect()

	ev := nextEvent(t, closed).(events.CloseEvent)
	if ev.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ev.Code, websocket.CloseNormalClosure)
	}
	select {
	case extra := <-closed.Events():
		t.Fatalf("unexpected second close event: %#v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	client, bus := newTestClient(&fakeDialer{}, ReconnectPolicy{})
	defer bus.Close()

	err := client.SendRealtimeInput(types.AudioChunk([]byte{1, 2}))
	if err != ErrNotConnected {
		t.Errorf("SendRealtimeInput error = %v, want ErrNotConnected", err)
	}
	err = client.SendToolResponse(types.ToolResponseBatch{
		Responses: []types.ToolResponse{{ID: "a", Name: "x", Result: "ok"}},
	})
	if err != ErrNotConnected {
		t.Errorf("SendToolResponse error = %v, want ErrNotConnected", err)
	}
}

func TestSendPreservesChunkOrder(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := client.SendRealtimeInput(types.AudioChunk([]byte{byte(i)})); err != nil {
			t.Fatalf("SendRealtimeInput #%d: %v", i, err)
		}
	}

	writes := conn.written()
	if len(writes) != 6 { // setup + 5 inputs
		t.Fatalf("writes = %d, want 6", len(writes))
	}
	for i, raw := range writes[1:] {
		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if msg.RealtimeInput == nil || len(msg.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("frame %d is not a single-chunk realtimeInput: %s", i, raw)
		}
	}
	client.Disconnect()
}

func TestInboundDemux(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	audio := bus.Subscribe(events.TypeAudio)
	interrupts := bus.Subscribe(events.TypeInterrupted)
	toolCalls := bus.Subscribe(events.TypeToolCall)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// "AAA=" decodes to two zero bytes, "QUE=" to "AA".
	conn.push(`{"serverContent":{"modelTurn":{"parts":[` +
		`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}},` +
		`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"QUE="}}]}}}`)
	conn.push(`{"toolCall":{"functionCalls":[{"id":"call-1","name":"current_time","args":{}}]}}`)
	conn.push(`{"serverContent":{"interrupted":true}}`)

	first := nextEvent(t, audio).(events.AudioEvent)
	second := nextEvent(t, audio).(events.AudioEvent)
	if string(first.Chunk.Data) != "\x00\x00" || string(second.Chunk.Data) != "AA" {
		t.Errorf("audio chunks out of order: %q then %q", first.Chunk.Data, second.Chunk.Data)
	}
	if first.Chunk.MIMEType != types.MIMEPCM24K {
		t.Errorf("chunk mime = %q, want %q", first.Chunk.MIMEType, types.MIMEPCM24K)
	}

	call := nextEvent(t, toolCalls).(events.ToolCallEvent)
	if len(call.Batch.Calls) != 1 || call.Batch.Calls[0].ID != "call-1" {
		t.Errorf("tool call batch = %#v", call.Batch)
	}

	nextEvent(t, interrupts)
	client.Disconnect()
}

func TestMidTurnDropEmitsInterrupted(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	audio := bus.Subscribe(events.TypeAudio)
	interrupts := bus.Subscribe(events.TypeInterrupted)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.push(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}}]}}}`)
	nextEvent(t, audio)

	conn.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "network lost"})
	nextEvent(t, interrupts)

	if got := waitForState(client, StateDisconnected); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
}

func TestTerminalErrorNoReconnect(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn, newFakeConn(setupAck)}}
	client, bus := newTestClient(dialer, ReconnectPolicy{
		Enabled:      true,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  3,
	})
	defer bus.Close()

	errs := bus.Subscribe(events.TypeError)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.push(`{"error":{"code":"quota_exceeded","message":"out of quota"}}`)

	ev := nextEvent(t, errs).(events.ErrorEvent)
	if !ev.Terminal || ev.Code != "quota_exceeded" {
		t.Fatalf("error event = %#v, want terminal quota_exceeded", ev)
	}

	waitForState(client, StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (no reconnect after terminal error)", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	first := newFakeConn(setupAck)
	second := newFakeConn(`{"setupComplete":{"sessionId":"sess-2"}}`)
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	client, bus := newTestClient(dialer, ReconnectPolicy{
		Enabled:      true,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  3,
	})
	defer bus.Close()

	opened := bus.Subscribe(events.TypeOpen)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, opened)

	first.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "network lost"})

	reopened := nextEvent(t, opened).(events.OpenEvent)
	if reopened.SessionID != "sess-2" {
		t.Errorf("reopened session id = %q, want sess-2", reopened.SessionID)
	}
	client.Disconnect()
}

func TestReconnectExhausted(t *testing.T) {
	conn := newFakeConn(setupAck)
	dialer := &fakeDialer{conns: []*fakeConn{conn}} // every redial fails
	client, bus := newTestClient(dialer, ReconnectPolicy{
		Enabled:      true,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  2,
	})
	defer bus.Close()

	errs := bus.SubscribeBuffered(128, events.TypeError)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "network lost"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-errs.Events():
			if e, ok := ev.(events.ErrorEvent); ok && e.Code == "reconnect_exhausted" {
				if got := dialer.dialCount(); got != 3 { // initial + 2 retries
					t.Errorf("dial count = %d, want 3", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("never saw reconnect_exhausted")
		}
	}
}

// gatedDialer serves the first dial immediately and parks the second one
// until released, so a Disconnect can land while a redial is in flight.
type gatedDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	calls   int
	started chan struct{} // closed when the second dial begins
	release chan struct{} // the second dial waits on this
}

func (d *gatedDialer) DialContext(ctx context.Context, endpoint string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	var conn *fakeConn
	if len(d.conns) > 0 {
		conn = d.conns[0]
		d.conns = d.conns[1:]
	}
	d.mu.Unlock()

	if call == 2 {
		close(d.started)
		<-d.release
	}
	if conn == nil {
		return nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "no endpoint"}
	}
	return conn, nil
}

func (d *gatedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestDisconnectDuringReconnectStaysDown(t *testing.T) {
	first := newFakeConn(setupAck)
	second := newFakeConn(`{"setupComplete":{"sessionId":"sess-2"}}`)
	dialer := &gatedDialer{
		conns:   []*fakeConn{first, second},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	client, bus := newTestClient(dialer, ReconnectPolicy{
		Enabled:      true,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  3,
	})
	defer bus.Close()

	opened := bus.Subscribe(events.TypeOpen)

	if err := client.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextEvent(t, opened)

	first.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "network lost"})
	<-dialer.started

	done := make(chan struct{})
	go func() {
		client.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect blocked on an in-flight redial")
	}
	close(dialer.release)

	// The redial completes after the Disconnect; it must not revive the
	// session or schedule further attempts.
	select {
	case ev := <-opened.Events():
		t.Fatalf("session revived after Disconnect: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if got := waitForState(client, StateDisconnected); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestGatedConnectAbortsBeforeDial(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn(setupAck)}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	// A canceled reconnect must bail out before touching the dialer, even
	// though the client is otherwise free to connect.
	err := client.connect(context.Background(), testConfig(), func() bool { return false })
	if err == nil {
		t.Fatal("gated connect proceeded")
	}
	if got := dialer.dialCount(); got != 0 {
		t.Errorf("dial count = %d, want 0", got)
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %q, want disconnected", got)
	}
}

func TestReconnectPolicyDefaults(t *testing.T) {
	client, bus := newTestClient(&fakeDialer{}, ReconnectPolicy{Enabled: true})
	defer bus.Close()

	if got, want := client.opts.Reconnect, DefaultReconnectPolicy(); got != want {
		t.Errorf("zero-field policy = %+v, want defaults %+v", got, want)
	}

	custom := ReconnectPolicy{
		Enabled:      true,
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  9,
	}
	client2, bus2 := newTestClient(&fakeDialer{}, custom)
	defer bus2.Close()
	if got := client2.opts.Reconnect; got != custom {
		t.Errorf("explicit policy = %+v, want %+v", got, custom)
	}
}

func TestHandshakeQuotaError(t *testing.T) {
	conn := newFakeConn(`{"error":{"code":"quota_exceeded","message":"plan limit"}}`)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	client, bus := newTestClient(dialer, ReconnectPolicy{})
	defer bus.Close()

	err := client.Connect(context.Background(), testConfig())
	if err == nil {
		t.Fatal("Connect succeeded against quota error")
	}
	if !core.IsTerminal(err) {
		t.Errorf("error %v not terminal", err)
	}
	if !strings.Contains(err.Error(), "plan limit") {
		t.Errorf("error %v does not carry server message", err)
	}
}

func TestBackoffDelays(t *testing.T) {
	policy := ReconnectPolicy{
		Enabled:      true,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := policy.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func waitForState(c *Client, want State) State {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.State(); got == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.State()
}
