package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lexassist/chat-client/internal/protocol"
	"github.com/lexassist/chat-client/internal/ws"
)

var errFakeClosed = errors.New("fake transport closed")

type frame struct {
	data []byte
	done chan struct{}
}

// fakeTransport delivers pushed frames one at a time. push returns only after
// the Manager has finished dispatching the frame, so tests can assert on
// Coordinator state without polling.
type fakeTransport struct {
	inbound   chan frame
	closed    chan struct{}
	closeOnce sync.Once
	last      chan struct{} // owned by the read goroutine

	mu      sync.Mutex
	written [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan frame),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	if f.last != nil {
		close(f.last)
		f.last = nil
	}
	select {
	case fr := <-f.inbound:
		f.last = fr.done
		return fr.data, nil
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

func (f *fakeTransport) WritePing() error { return nil }

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
	f.pushRaw(t, data)
}

func (f *fakeTransport) pushRaw(t *testing.T, data []byte) {
	t.Helper()
	done := make(chan struct{})
	select {
	case f.inbound <- frame{data: data, done: done}:
	case <-time.After(2 * time.Second):
		t.Fatal("transport is not reading")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not dispatched")
	}
}

// sent returns the outbound envelopes of the given type.
func (f *fakeTransport) sent(t *testing.T, msgType string) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, raw := range f.written {
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

// subscribedIDs returns the chat ids of the written subscribe_chat envelopes.
func (f *fakeTransport) subscribedIDs(t *testing.T) []string {
	t.Helper()
	var ids []string
	for _, env := range f.sent(t, protocol.TypeSubscribeChat) {
		var data protocol.SubscribeChatData
		if err := env.DecodeData(&data); err != nil {
			t.Fatalf("decode subscribe_chat: %v", err)
		}
		ids = append(ids, data.ChatID)
	}
	return ids
}

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	failFrom   int
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (ws.Transport, error) {
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

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *fakeDialer) setFailFrom(n int) {
	d.mu.Lock()
	d.failFrom = n
	d.mu.Unlock()
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *errorSink) has(target error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, err := range s.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type harness struct {
	c      *Coordinator
	dialer *fakeDialer
	sink   *errorSink
}

func newHarness(t *testing.T, configure func(*CoordinatorConfig)) *harness {
	t.Helper()
	d := &fakeDialer{}
	cfg := DefaultCoordinatorConfig()
	cfg.Token = "tok"
	cfg.Manager.URL = "ws://test/ws"
	cfg.Manager.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.Manager.PingInterval = 0
	cfg.Manager.Dial = d.Dial
	if configure != nil {
		configure(&cfg)
	}
	sink := &errorSink{}
	c := NewCoordinator(cfg, sink.handle)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(c.Disconnect)
	return &harness{c: c, dialer: d, sink: sink}
}

// connect opens the coordinator and returns its transport.
func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()
	if err := h.c.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	tr := h.dialer.last()
	if tr == nil {
		t.Fatal("expected a transport to be dialed")
	}
	return tr
}

// subscribe completes the subscribe handshake for id.
func (h *harness) subscribe(t *testing.T, tr *fakeTransport, id string) {
	t.Helper()
	if err := h.c.SubscribeToChat(id); err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	tr.push(t, protocol.TypeChatSubscribed, protocol.ChatSubscribedData{
		ConversationRef: protocol.ConversationRef{ChatID: id},
		Messages:        []protocol.WireMessage{},
	})
}

func ref(id string) protocol.ConversationRef {
	return protocol.ConversationRef{ChatID: id}
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
