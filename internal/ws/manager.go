// Package ws implements the client side of the chat transport: a single
// multiplexed WebSocket connection to the messaging backend, routing of inbound
// envelopes to one handler per type, and automatic reconnection with
// re-subscription.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lexassist/chat-client/internal/metrics"
	"github.com/lexassist/chat-client/internal/protocol"
)

var (
	// ErrNotConnected is returned by sends attempted while no transport is open.
	ErrNotConnected = errors.New("ws: not connected")
	// ErrNotSubscribed is returned by SendMessage for a conversation that is
	// not in the subscribed set.
	ErrNotSubscribed = errors.New("ws: not subscribed to conversation")
	// ErrTimedOut is wrapped by errors caused by an expired deadline.
	ErrTimedOut = errors.New("ws: timed out")
	// ErrReconnectExhausted is reported once the reconnect ceiling is reached.
	ErrReconnectExhausted = errors.New("ws: reconnect attempts exhausted")
	// ErrClosed is returned when Disconnect raced with an in-flight connect.
	ErrClosed = errors.New("ws: manager closed")
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the connection lifecycle state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// ManagerConfig holds connection tuning parameters.
type ManagerConfig struct {
	URL                  string
	MaxReconnectAttempts int           // default: 5
	ReconnectBaseDelay   time.Duration // delay before attempt n is n * base (default: 1s)
	ConnectTimeout       time.Duration // bound on a single dial (default: 10s, 0 = none)
	WriteTimeout         time.Duration // per-frame write deadline (default: 10s)
	PingInterval         time.Duration // keepalive ping period (default: 30s, 0 = off)
	Dial                 DialFunc      // nil = gobwas dialer with WriteTimeout
}

// DefaultManagerConfig returns sensible defaults for the connection manager.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		URL:                  "ws://localhost:8080/ws",
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ConnectTimeout:       10 * time.Second,
		WriteTimeout:         10 * time.Second,
		PingInterval:         30 * time.Second,
	}
}

// Hooks are lifecycle callbacks. They are invoked without any Manager lock
// held and may call back into the Manager.
type Hooks struct {
	OnStateChange func(State)
	OnGiveUp      func(error)
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager owns at most one transport to the messaging backend for a single
// credential. It is safe for concurrent use.
type Manager struct {
	config     ManagerConfig
	token      string
	hooks      Hooks
	dispatcher *dispatcher

	mu             sync.Mutex
	transport      Transport
	state          State
	generation     uint64
	attempts       int
	subscribed     map[string]struct{}
	reconnectTimer *time.Timer
	stopKeepalive  chan struct{}
}

// NewManager creates a Manager in the Disconnected state. Zero-valued config
// fields fall back to DefaultManagerConfig.
func NewManager(config ManagerConfig, token string, hooks Hooks) *Manager {
	defaults := DefaultManagerConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if config.Dial == nil {
		config.Dial = DialTransport(config.WriteTimeout)
	}

	return &Manager{
		config:     config,
		token:      token,
		hooks:      hooks,
		dispatcher: newDispatcher(),
		subscribed: make(map[string]struct{}),
	}
}

// Token returns the credential this Manager was created for.
func (m *Manager) Token() string {
	return m.token
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether a transport is open.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// IsSubscribed reports whether chatID is in the local subscribed set.
func (m *Manager) IsSubscribed(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subscribed[chatID]
	return ok
}

// OnMessage registers the handler for an envelope type, replacing any
// previous handler for that type.
func (m *Manager) OnMessage(msgType string, handler Handler) {
	m.dispatcher.register(msgType, handler)
}

// OffMessage removes the handler for an envelope type.
func (m *Manager) OffMessage(msgType string) {
	m.dispatcher.unregister(msgType)
}

// ClearAllHandlers removes every registered handler.
func (m *Manager) ClearAllHandlers() {
	m.dispatcher.clear()
}

// Connect opens the transport. It is a no-op unless the Manager is
// Disconnected, so concurrent callers never produce a second transport. A dial
// that exceeds ConnectTimeout fails with an error wrapping ErrTimedOut.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		log.Printf("ws: connect ignored, manager is %s", state)
		return nil
	}
	m.attempts = 0
	gen := m.generation
	notify := m.transitionLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	t, err := m.dial(ctx)
	if err != nil {
		m.mu.Lock()
		notify := func() {}
		if m.generation == gen && m.state == StateConnecting {
			notify = m.transitionLocked(StateDisconnected)
		}
		m.mu.Unlock()
		notify()
		log.Printf("ws: connect failed: %v", err)
		return err
	}

	if err := m.attach(t, gen); err != nil {
		t.Close()
		return err
	}
	log.Printf("ws: connected to %s", m.config.URL)
	return nil
}

// Disconnect closes the transport, cancels any pending reconnect and clears
// the subscribed set. Registered handlers are kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	t := m.transport
	m.transport = nil
	m.stopKeepaliveLocked()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.subscribed = make(map[string]struct{})
	m.attempts = 0
	notify := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	if t != nil {
		t.Close()
		log.Printf("ws: disconnected from %s", m.config.URL)
	}
	notify()
}

// SubscribeToChat adds chatID to the subscribed set and asks the backend for
// live updates. The set entry survives a failed send so the subscription is
// replayed after the next successful reconnect.
func (m *Manager) SubscribeToChat(chatID string) error {
	m.mu.Lock()
	m.subscribed[chatID] = struct{}{}
	m.mu.Unlock()

	return m.send(protocol.TypeSubscribeChat, protocol.SubscribeChatData{
		ChatID: chatID,
		Token:  m.token,
	})
}

// UnsubscribeFromChat removes chatID from the subscribed set and tells the
// backend to stop delivering updates for it.
func (m *Manager) UnsubscribeFromChat(chatID string) error {
	m.mu.Lock()
	delete(m.subscribed, chatID)
	m.mu.Unlock()

	return m.send(protocol.TypeUnsubscribeChat, protocol.UnsubscribeChatData{ChatID: chatID})
}

// Forget removes chatID from the subscribed set without sending anything. It
// is used when the backend itself reports the conversation unsubscribed, so
// the next reconnect does not replay it.
func (m *Manager) Forget(chatID string) {
	m.mu.Lock()
	delete(m.subscribed, chatID)
	m.mu.Unlock()
}

// SendMessage submits human text to a subscribed conversation.
func (m *Manager) SendMessage(text, chatID string) error {
	return m.SendMessageWithID(text, chatID, "")
}

// SendMessageWithID submits human text carrying a client-chosen message id,
// which the backend echoes back in the matching user_message.
func (m *Manager) SendMessageWithID(text, chatID, messageID string) error {
	if !m.IsSubscribed(chatID) {
		log.Printf("ws: send dropped, not subscribed to chat=%s", chatID)
		metrics.EnvelopesDropped.WithLabelValues("not_subscribed").Inc()
		return fmt.Errorf("%w: %s", ErrNotSubscribed, chatID)
	}
	return m.send(protocol.TypeMessage, protocol.SendMessageData{
		Message:   text,
		ChatID:    chatID,
		MessageID: messageID,
	})
}

// GetChatHistory requests a full history replay for chatID.
func (m *Manager) GetChatHistory(chatID string) error {
	return m.send(protocol.TypeGetChatHistory, protocol.GetChatHistoryData{ChatID: chatID})
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// transitionLocked moves to state to and returns a func that fires the state
// hook. Callers hold mu and invoke the returned func after releasing it.
func (m *Manager) transitionLocked(to State) func() {
	if m.state == to {
		return func() {}
	}
	m.state = to
	metrics.ConnectionState.Set(float64(to))
	hook := m.hooks.OnStateChange
	return func() {
		if hook != nil {
			hook(to)
		}
	}
}

func (m *Manager) stopKeepaliveLocked() {
	if m.stopKeepalive != nil {
		close(m.stopKeepalive)
		m.stopKeepalive = nil
	}
}

// dial opens one transport, bounded by ConnectTimeout.
func (m *Manager) dial(ctx context.Context) (Transport, error) {
	if m.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ConnectTimeout)
		defer cancel()
	}

	start := time.Now()
	t, err := m.config.Dial(ctx, m.config.URL)
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues("connect").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("ws: connect %s: %w after %s", m.config.URL, ErrTimedOut, time.Since(start).Round(time.Millisecond))
		}
		return nil, fmt.Errorf("ws: connect %s: %w", m.config.URL, err)
	}
	metrics.ConnectLatency.Observe(time.Since(start).Seconds())
	return t, nil
}

// attach installs t as the live transport if no Disconnect happened since gen
// was observed, then starts the read loop and keepalive.
func (m *Manager) attach(t Transport, gen uint64) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return ErrClosed
	}
	m.generation++
	gen = m.generation
	m.transport = t
	m.attempts = 0
	m.stopKeepaliveLocked()
	stop := make(chan struct{})
	m.stopKeepalive = stop
	notify := m.transitionLocked(StateConnected)
	m.mu.Unlock()

	go m.readLoop(t, gen)
	if m.config.PingInterval > 0 {
		go keepalive(t, m.config.PingInterval, stop)
	}
	notify()
	return nil
}

// readLoop delivers inbound frames to the dispatcher until the transport
// fails.
func (m *Manager) readLoop(t Transport, gen uint64) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.handleClose(t, gen, err)
			return
		}
		m.dispatcher.dispatch(data)
	}
}

// handleClose reacts to an unexpected transport close. Closes of a transport
// that was already replaced or torn down are ignored.
func (m *Manager) handleClose(t Transport, gen uint64, cause error) {
	t.Close()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	log.Printf("ws: transport closed unexpectedly: %v", cause)
	m.transport = nil
	m.stopKeepaliveLocked()
	notify, gaveUp := m.scheduleReconnectLocked()
	m.mu.Unlock()

	notify()
	if gaveUp {
		m.giveUp()
	}
}

// scheduleReconnectLocked arms the next reconnect attempt, or gives up when
// the ceiling is reached. Attempt n waits n * ReconnectBaseDelay.
func (m *Manager) scheduleReconnectLocked() (func(), bool) {
	if m.attempts >= m.config.MaxReconnectAttempts {
		return m.transitionLocked(StateDisconnected), true
	}
	m.attempts++
	delay := m.backoff(m.attempts)
	gen := m.generation
	log.Printf("ws: reconnect attempt %d/%d in %s", m.attempts, m.config.MaxReconnectAttempts, delay)
	metrics.ReconnectAttempts.Inc()
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	return m.transitionLocked(StateReconnecting), false
}

func (m *Manager) backoff(attempt int) time.Duration {
	return m.config.ReconnectBaseDelay * time.Duration(attempt)
}

// reconnect runs one scheduled attempt. A failed dial counts as another close.
func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	t, err := m.dial(context.Background())
	if err != nil {
		log.Printf("ws: reconnect failed: %v", err)
		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return
		}
		notify, gaveUp := m.scheduleReconnectLocked()
		m.mu.Unlock()
		notify()
		if gaveUp {
			m.giveUp()
		}
		return
	}

	if err := m.attach(t, gen); err != nil {
		t.Close()
		return
	}
	log.Printf("ws: reconnected to %s", m.config.URL)
	m.resubscribe()
}

// resubscribe replays subscribe_chat for every conversation in the set.
func (m *Manager) resubscribe() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subscribed))
	for id := range m.subscribed {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		err := m.send(protocol.TypeSubscribeChat, protocol.SubscribeChatData{ChatID: id, Token: m.token})
		if err != nil {
			log.Printf("ws: resubscribe chat=%s failed: %v", id, err)
		}
	}
}

func (m *Manager) giveUp() {
	err := fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, m.config.MaxReconnectAttempts)
	log.Printf("ws: %v, giving up", err)
	metrics.ReconnectGiveUps.Inc()
	metrics.ErrorsTotal.WithLabelValues("reconnect").Inc()
	if m.hooks.OnGiveUp != nil {
		m.hooks.OnGiveUp(err)
	}
}

// send encodes and writes one envelope. Nothing is queued while the transport
// is not open.
func (m *Manager) send(msgType string, payload interface{}) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()

	if t == nil {
		log.Printf("ws: not connected, dropping %s", msgType)
		metrics.EnvelopesDropped.WithLabelValues("not_connected").Inc()
		return ErrNotConnected
	}

	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	if err := t.WriteMessage(data); err != nil {
		log.Printf("ws: write %s failed, closing transport: %v", msgType, err)
		t.Close()
		return fmt.Errorf("ws: write %s: %w", msgType, err)
	}
	metrics.EnvelopesTotal.WithLabelValues("out", msgType).Inc()
	return nil
}
