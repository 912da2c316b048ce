package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lexassist/chat-client/internal/metrics"
	"github.com/lexassist/chat-client/internal/protocol"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var errFakeClosed = errors.New("fake transport closed")

type fakeTransport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	pings   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WritePing() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	f.inbound <- data
}

// envelopes returns the written envelopes decoded.
func (f *fakeTransport) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.written))
	for _, raw := range f.written {
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// fakeDialer hands out fake transports. Dials numbered failFrom and later
// fail when failFrom is positive.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failFrom   int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failFrom > 0 && d.dials >= d.failFrom {
		return nil, errors.New("connection refused")
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *fakeDialer) setFailFrom(n int) {
	d.mu.Lock()
	d.failFrom = n
	d.mu.Unlock()
}

func testConfig(d *fakeDialer) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = "ws://test/ws"
	cfg.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.PingInterval = 0
	cfg.Dial = d.Dial
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func subscribedIDs(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	var ids []string
	for _, env := range envs {
		if env.Type != protocol.TypeSubscribeChat {
			continue
		}
		var data protocol.SubscribeChatData
		if err := env.DecodeData(&data); err != nil {
			t.Fatalf("decode subscribe_chat: %v", err)
		}
		ids = append(ids, data.ChatID)
	}
	return ids
}

// ---------------------------------------------------------------------------
// Test: Connect
// ---------------------------------------------------------------------------

func TestManager_ConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected second connect error: %v", err)
	}
	if !m.IsConnected() {
		t.Fatal("expected manager to be connected")
	}
	if d.count() != 1 {
		t.Errorf("expected exactly 1 dial, got %d", d.count())
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	d := &fakeDialer{failFrom: 1}
	var states []State
	var mu sync.Mutex
	m := NewManager(testConfig(d), "tok", Hooks{
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error, got nil")
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateDisconnected {
		t.Errorf("unexpected state transitions: %v", states)
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.Dial = func(ctx context.Context, url string) (Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m := NewManager(cfg, "tok", Hooks{})

	err := m.Connect(context.Background())
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected after timeout, got %s", m.State())
	}
}

// ---------------------------------------------------------------------------
// Test: Routing
// ---------------------------------------------------------------------------

func TestManager_RoutesToSingleHandler(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})
	defer m.Disconnect()

	first := make(chan string, 4)
	second := make(chan string, 4)
	m.OnMessage(protocol.TypeError, func(env protocol.Envelope) {
		first <- env.Type
	})
	m.OnMessage(protocol.TypeError, func(env protocol.Envelope) {
		var data protocol.ErrorData
		_ = env.DecodeData(&data)
		second <- data.Message
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	d.transport(0).push(t, protocol.TypeError, protocol.ErrorData{Message: "boom"})

	select {
	case msg := <-second:
		if msg != "boom" {
			t.Errorf("expected %q, got %q", "boom", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replacement handler was not invoked")
	}
	select {
	case <-first:
		t.Error("replaced handler must not be invoked")
	default:
	}
}

func TestManager_DropsMalformedAndUnrouted(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})
	defer m.Disconnect()

	got := make(chan json.RawMessage, 1)
	m.OnMessage(protocol.TypeConnected, func(env protocol.Envelope) {
		got <- env.Data
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}

	unknownBefore := testutil.ToFloat64(metrics.EnvelopesTotal.WithLabelValues("in", unroutedType))

	tr := d.transport(0)
	tr.inbound <- []byte(`{not json`)
	tr.inbound <- []byte(`{"type":"mystery_unrouted_type","data":{}}`)
	tr.push(t, protocol.TypeConnected, nil)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("valid envelope after malformed ones was not delivered")
	}
	if !m.IsConnected() {
		t.Error("expected connection to survive malformed input")
	}

	if grew := testutil.ToFloat64(metrics.EnvelopesTotal.WithLabelValues("in", unroutedType)) - unknownBefore; grew != 1 {
		t.Errorf("expected unrouted envelope counted once under %q, grew by %v", unroutedType, grew)
	}
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rec.Body.String(), "mystery_unrouted_type") {
		t.Error("expected unrouted type to stay out of metric labels")
	}
}

func TestManager_OffMessageAndClear(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})

	m.OnMessage("a", func(protocol.Envelope) {})
	m.OnMessage("b", func(protocol.Envelope) {})
	m.OffMessage("a")
	if _, ok := m.dispatcher.handlers["a"]; ok {
		t.Error("expected handler a to be removed")
	}
	m.ClearAllHandlers()
	if len(m.dispatcher.handlers) != 0 {
		t.Errorf("expected no handlers, got %d", len(m.dispatcher.handlers))
	}
}

// ---------------------------------------------------------------------------
// Test: Sending
// ---------------------------------------------------------------------------

func TestManager_SendRequiresSubscription(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	tr := d.transport(0)

	if err := m.SendMessage("hello", "c1"); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
	if n := len(tr.envelopes(t)); n != 0 {
		t.Fatalf("expected nothing written, got %d frames", n)
	}

	if err := m.SubscribeToChat("c1"); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	if err := m.SendMessageWithID("hello", "c1", "m-1"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	envs := tr.envelopes(t)
	if len(envs) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(envs))
	}
	var sub protocol.SubscribeChatData
	if err := envs[0].DecodeData(&sub); err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	if envs[0].Type != protocol.TypeSubscribeChat || sub.ChatID != "c1" || sub.Token != "tok" {
		t.Errorf("unexpected subscribe frame: %s %+v", envs[0].Type, sub)
	}
	var msg protocol.SendMessageData
	if err := envs[1].DecodeData(&msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if envs[1].Type != protocol.TypeMessage || msg.Message != "hello" || msg.ChatID != "c1" || msg.MessageID != "m-1" {
		t.Errorf("unexpected message frame: %s %+v", envs[1].Type, msg)
	}
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})

	if err := m.GetChatHistory("c1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := m.SubscribeToChat("c1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := m.SendMessage("hi", "c1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManager_UnsubscribeRemovesFromSet(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	_ = m.SubscribeToChat("c1")
	if !m.IsSubscribed("c1") {
		t.Fatal("expected c1 to be subscribed")
	}
	if err := m.UnsubscribeFromChat("c1"); err != nil {
		t.Fatalf("unexpected unsubscribe error: %v", err)
	}
	if m.IsSubscribed("c1") {
		t.Error("expected c1 to be removed from the subscribed set")
	}
	if err := m.SendMessage("hi", "c1"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("expected ErrNotSubscribed after unsubscribe, got %v", err)
	}
}

func TestManager_ForgetSendsNothing(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	_ = m.SubscribeToChat("c1")
	tr := d.transport(0)
	before := len(tr.envelopes(t))

	m.Forget("c1")
	if m.IsSubscribed("c1") {
		t.Error("expected c1 to be removed from the subscribed set")
	}
	if after := len(tr.envelopes(t)); after != before {
		t.Errorf("expected no envelopes to be written, got %d new", after-before)
	}
}

// ---------------------------------------------------------------------------
// Test: Reconnection
// ---------------------------------------------------------------------------

func TestManager_ReconnectResubscribes(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(d), "tok", Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	_ = m.SubscribeToChat("c2")
	_ = m.SubscribeToChat("c1")

	d.transport(0).Close()

	waitFor(t, "second transport", func() bool { return d.transport(1) != nil })
	waitFor(t, "resubscription", func() bool {
		return len(subscribedIDs(t, d.transport(1).envelopes(t))) == 2
	})

	ids := subscribedIDs(t, d.transport(1).envelopes(t))
	if ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("expected resubscribe to c1 and c2, got %v", ids)
	}
	if !m.IsConnected() {
		t.Errorf("expected connected after reconnect, got %s", m.State())
	}
	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()
	if attempts != 0 {
		t.Errorf("expected attempt counter reset, got %d", attempts)
	}
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{}
	gaveUp := make(chan error, 2)
	m := NewManager(testConfig(d), "tok", Hooks{
		OnGiveUp: func(err error) { gaveUp <- err },
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	d.setFailFrom(2)
	d.transport(0).Close()

	select {
	case err := <-gaveUp:
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Errorf("expected ErrReconnectExhausted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected give-up hook to fire")
	}

	// Initial dial plus exactly five reconnect attempts.
	if d.count() != 6 {
		t.Errorf("expected 6 dials, got %d", d.count())
	}
	time.Sleep(50 * time.Millisecond)
	if d.count() != 6 {
		t.Errorf("expected no further attempts, got %d dials", d.count())
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}
	select {
	case <-gaveUp:
		t.Error("give-up hook fired twice")
	default:
	}
}

func TestManager_LinearBackoff(t *testing.T) {
	m := NewManager(ManagerConfig{ReconnectBaseDelay: time.Second}, "tok", Hooks{})
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 5: 5 * time.Second} {
		if got := m.backoff(attempt); got != want {
			t.Errorf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestManager_DisconnectStopsReconnect(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	cfg.ReconnectBaseDelay = 50 * time.Millisecond
	m := NewManager(cfg, "tok", Hooks{})

	m.OnMessage(protocol.TypeConnected, func(protocol.Envelope) {})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	_ = m.SubscribeToChat("c1")
	d.transport(0).Close()
	waitFor(t, "reconnecting state", func() bool { return m.State() == StateReconnecting })

	m.Disconnect()
	time.Sleep(120 * time.Millisecond)

	if d.count() != 1 {
		t.Errorf("expected no reconnect after Disconnect, got %d dials", d.count())
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}
	if m.IsSubscribed("c1") {
		t.Error("expected subscribed set to be cleared")
	}
	if _, ok := m.dispatcher.handlers[protocol.TypeConnected]; !ok {
		t.Error("expected handlers to survive Disconnect")
	}
}

// ---------------------------------------------------------------------------
// Test: Keepalive
// ---------------------------------------------------------------------------

func TestManager_KeepalivePings(t *testing.T) {
	d := &fakeDialer{}
	cfg := testConfig(d)
	cfg.PingInterval = 10 * time.Millisecond
	m := NewManager(cfg, "tok", Hooks{})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	waitFor(t, "keepalive pings", func() bool { return d.transport(0).pingCount() >= 2 })
}
