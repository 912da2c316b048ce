// Package chat turns the raw envelope stream of a ws.Manager into per-
// conversation state and gives callers an imperative API for subscribing,
// sending and reading conversations.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexassist/chat-client/internal/metrics"
	"github.com/lexassist/chat-client/internal/protocol"
	"github.com/lexassist/chat-client/internal/ws"
)

var (
	// ErrNoCredential is reported by Connect when no session token is set.
	ErrNoCredential = errors.New("chat: no credential available")
	// ErrNotSendable is reported when a conversation is not both connected
	// and subscribed.
	ErrNotSendable = errors.New("chat: not connected or not subscribed")
	// ErrRateLimited is reported when the send throttle rejects a message.
	ErrRateLimited = errors.New("chat: send rate limit exceeded")
)

// BackendError is an error reported by the backend through an error
// envelope. Its text is forwarded verbatim.
type BackendError struct {
	Message string
	Code    string
}

func (e *BackendError) Error() string {
	return e.Message
}

// ErrorHandler receives every error the Coordinator surfaces to the UI.
type ErrorHandler func(err error)

// SendLimiter throttles outbound messages. Allow reports whether one more
// message may be sent to chatID now.
type SendLimiter interface {
	Allow(ctx context.Context, chatID string) (bool, error)
}

// CoordinatorConfig holds coordinator tuning parameters.
type CoordinatorConfig struct {
	Manager          ws.ManagerConfig
	Token            string
	SubscribeTimeout time.Duration // wait for chat_subscribed (default: 15s, 0 = none)
	SendTimeout      time.Duration // wait for the echo of an optimistic send (default: 30s)
	OptimisticEcho   bool          // insert sent messages locally before the server echo
	Limiter          SendLimiter   // optional
}

// DefaultCoordinatorConfig returns sensible defaults for the coordinator.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Manager:          ws.DefaultManagerConfig(),
		SubscribeTimeout: 15 * time.Second,
		SendTimeout:      30 * time.Second,
	}
}

type pendingEcho struct {
	chatID string
	timer  *time.Timer
}

// Coordinator owns the Manager for the current credential and the state of
// every conversation seen through it. It is safe for concurrent use.
//
// Observers are invoked synchronously in commit order. They may read state
// through the Coordinator but must not call mutating methods from inside the
// callback.
type Coordinator struct {
	config  CoordinatorConfig
	onError ErrorHandler
	now     func() time.Time
	newID   func() string

	connectMu sync.Mutex // serializes Connect and SetCredential

	// Observer delivery takes turns by commit sequence number.
	notifyMu   sync.Mutex
	notifyTurn *sync.Cond
	delivered  uint64

	mu        sync.Mutex
	token     string
	manager   *ws.Manager
	states    map[string]*ConversationState
	pending   map[string]*time.Timer
	echoes    map[string]pendingEcho
	observers []func(Update)
	commits   uint64 // sequence numbers handed out by commitLocked
}

// NewCoordinator creates a Coordinator. onError may be nil, in which case
// errors are only logged.
func NewCoordinator(config CoordinatorConfig, onError ErrorHandler) *Coordinator {
	c := &Coordinator{
		config:  config,
		onError: onError,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		token:   config.Token,
		states:  make(map[string]*ConversationState),
		pending: make(map[string]*time.Timer),
		echoes:  make(map[string]pendingEcho),
	}
	c.notifyTurn = sync.NewCond(&c.notifyMu)
	return c
}

// Observe registers fn to receive every committed Update.
func (c *Coordinator) Observe(fn func(Update)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// SetCredential binds a new session token. A changed token discards the
// current connection and every conversation state, then reconnects when the
// new token is non-empty.
func (c *Coordinator) SetCredential(ctx context.Context, token string) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	c.mu.Unlock()

	log.Printf("[chat] credential changed, resetting connection")
	c.Disconnect()
	if token == "" {
		return nil
	}
	return c.connect(ctx)
}

// Connect builds a fresh Manager for the current credential and opens it. It
// is a no-op while a connection is open or being established.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	return c.connect(ctx)
}

func (c *Coordinator) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return c.fail("precondition", ErrNoCredential)
	}
	if c.manager != nil && c.manager.State() != ws.StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.manager != nil {
		c.manager.ClearAllHandlers()
	}

	var m *ws.Manager
	m = ws.NewManager(c.config.Manager, c.token, ws.Hooks{
		OnStateChange: func(s ws.State) { c.handleStateChange(m, s) },
		OnGiveUp:      func(err error) { c.handleGiveUp(m, err) },
	})
	c.registerHandlers(m)
	c.manager = m
	c.resetSubscriptionsLocked()
	c.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		if errors.Is(err, ws.ErrClosed) {
			return err
		}
		return c.fail("connect", fmt.Errorf("chat: failed to connect to chat server: %w", err))
	}
	return nil
}

// Disconnect tears down the Manager and discards every conversation state,
// subscription and pending acknowledgement.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	m := c.manager
	c.manager = nil
	for id := range c.pending {
		c.clearPendingLocked(id)
	}
	for id, echo := range c.echoes {
		echo.timer.Stop()
		delete(c.echoes, id)
	}
	for _, st := range c.states {
		if st.IsTyping {
			metrics.StreamingResponses.Dec()
		}
	}
	c.states = make(map[string]*ConversationState)
	metrics.ActiveConversations.Set(0)
	c.commitLocked(Update{Kind: UpdateStatus, Status: ws.StateDisconnected})

	if m != nil {
		m.Disconnect()
		m.ClearAllHandlers()
	}
}

// Status returns the connection state of the current Manager.
func (c *Coordinator) Status() ws.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// IsConnected reports whether the transport is open.
func (c *Coordinator) IsConnected() bool {
	return c.Status() == ws.StateConnected
}

// IsConnecting reports whether a connect or reconnect is in progress.
func (c *Coordinator) IsConnecting() bool {
	s := c.Status()
	return s == ws.StateConnecting || s == ws.StateReconnecting
}

func (c *Coordinator) statusLocked() ws.State {
	if c.manager == nil {
		return ws.StateDisconnected
	}
	return c.manager.State()
}

// resetSubscriptionsLocked clears subscription flags when a fresh Manager with
// an empty subscribed set takes over.
func (c *Coordinator) resetSubscriptionsLocked() {
	for id := range c.pending {
		c.clearPendingLocked(id)
	}
	for _, st := range c.states {
		st.IsSubscribed = false
	}
}

func (c *Coordinator) handleStateChange(m *ws.Manager, s ws.State) {
	c.mu.Lock()
	if c.manager != m {
		c.mu.Unlock()
		return
	}
	log.Printf("[chat] connection %s", s)
	c.commitLocked(Update{Kind: UpdateStatus, Status: s})
}

func (c *Coordinator) handleGiveUp(m *ws.Manager, err error) {
	c.mu.Lock()
	if c.manager != m {
		c.mu.Unlock()
		return
	}
	for id := range c.pending {
		c.clearPendingLocked(id)
	}
	c.mu.Unlock()
	c.fail("reconnect", fmt.Errorf("chat: connection lost: %w", err))
}

// ---------------------------------------------------------------------------
// Conversation operations
// ---------------------------------------------------------------------------

// SubscribeToChat asks for live updates on chatID. It is a no-op when the
// conversation is already subscribed or a subscription is awaiting its ack.
func (c *Coordinator) SubscribeToChat(chatID string) error {
	c.mu.Lock()
	m := c.manager
	if m == nil {
		c.mu.Unlock()
		return c.fail("precondition", fmt.Errorf("chat: subscribe to %s: %w", chatID, ws.ErrNotConnected))
	}
	if st, ok := c.states[chatID]; ok && st.IsSubscribed && m.IsSubscribed(chatID) {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.pending[chatID]; ok {
		c.mu.Unlock()
		return nil
	}
	var timer *time.Timer
	if c.config.SubscribeTimeout > 0 {
		timer = time.AfterFunc(c.config.SubscribeTimeout, func() { c.subscribeTimedOut(m, chatID) })
	}
	c.pending[chatID] = timer
	c.mu.Unlock()

	if err := m.SubscribeToChat(chatID); err != nil {
		c.mu.Lock()
		if cur, ok := c.pending[chatID]; ok && cur == timer {
			c.clearPendingLocked(chatID)
		}
		c.mu.Unlock()
		return c.fail("precondition", fmt.Errorf("chat: subscribe to %s: %w", chatID, err))
	}
	return nil
}

func (c *Coordinator) subscribeTimedOut(m *ws.Manager, chatID string) {
	c.mu.Lock()
	if c.manager != m {
		c.mu.Unlock()
		return
	}
	if _, ok := c.pending[chatID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, chatID)
	c.mu.Unlock()
	c.fail("timeout", fmt.Errorf("chat: subscribe to %s: %w", chatID, ws.ErrTimedOut))
}

// UnsubscribeFromChat stops live updates for chatID when connected. The
// conversation state is retained.
func (c *Coordinator) UnsubscribeFromChat(chatID string) error {
	c.mu.Lock()
	c.clearPendingLocked(chatID)
	m := c.manager
	c.mu.Unlock()

	// Not connected: the Manager keeps the id and replays it on reconnect.
	if m == nil || !m.IsConnected() {
		return nil
	}
	err := m.UnsubscribeFromChat(chatID)
	if errors.Is(err, ws.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return c.fail("backend", fmt.Errorf("chat: unsubscribe from %s: %w", chatID, err))
	}
	return nil
}

// SendMessage submits human text to chatID. The conversation must be
// connected and subscribed.
func (c *Coordinator) SendMessage(text, chatID string) error {
	if err := ValidateMessage(text); err != nil {
		return c.fail("precondition", err)
	}

	m, ok := c.sendable(chatID)
	if !ok {
		log.Printf("[chat] send dropped chat=%s: not connected or not subscribed", chatID)
		return c.fail("precondition", fmt.Errorf("%w: %s", ErrNotSendable, chatID))
	}

	if c.config.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		allowed, err := c.config.Limiter.Allow(ctx, chatID)
		cancel()
		if err == nil && !allowed {
			return c.fail("precondition", fmt.Errorf("%w: %s", ErrRateLimited, chatID))
		}
	}

	if !c.config.OptimisticEcho {
		if err := m.SendMessage(text, chatID); err != nil {
			return c.fail("backend", fmt.Errorf("chat: send to %s: %w", chatID, err))
		}
		return nil
	}
	return c.sendWithEcho(m, text, chatID)
}

// sendWithEcho inserts a pending local copy of the message before sending. The
// server echo carrying the same id supersedes it; no echo within SendTimeout
// marks it failed.
func (c *Coordinator) sendWithEcho(m *ws.Manager, text, chatID string) error {
	messageID := c.newID()
	now := c.now()
	msg := Message{
		MessageID: messageID,
		Content:   text,
		Role:      protocol.RoleUser,
		Timestamp: now,
		Pending:   true,
	}

	c.mu.Lock()
	st := c.conversationLocked(chatID)
	st.upsert(msg)
	st.LastActivity = now
	timer := time.AfterFunc(c.config.SendTimeout, func() { c.echoTimedOut(m, chatID, messageID) })
	c.echoes[messageID] = pendingEcho{chatID: chatID, timer: timer}
	c.commitLocked(Update{Kind: UpdateMessage, ConversationID: chatID, State: st.clone(), Message: &msg})

	if err := m.SendMessageWithID(text, chatID, messageID); err != nil {
		c.markFailed(chatID, messageID)
		return c.fail("backend", fmt.Errorf("chat: send to %s: %w", chatID, err))
	}
	return nil
}

func (c *Coordinator) echoTimedOut(m *ws.Manager, chatID, messageID string) {
	c.mu.Lock()
	if c.manager != m {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if c.markFailed(chatID, messageID) {
		c.fail("timeout", fmt.Errorf("chat: message %s not confirmed: %w", messageID, ws.ErrTimedOut))
	}
}

// markFailed flips a still-pending local echo to failed. It reports whether
// a message was changed.
func (c *Coordinator) markFailed(chatID, messageID string) bool {
	c.mu.Lock()
	echo, ok := c.echoes[messageID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	echo.timer.Stop()
	delete(c.echoes, messageID)

	st, ok := c.states[chatID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	for i := range st.Messages {
		if st.Messages[i].MessageID == messageID && st.Messages[i].Pending {
			st.Messages[i].Pending = false
			st.Messages[i].Failed = true
			msg := st.Messages[i]
			c.commitLocked(Update{Kind: UpdateMessage, ConversationID: chatID, State: st.clone(), Message: &msg})
			return true
		}
	}
	c.mu.Unlock()
	return false
}

// RequestHistory asks the backend to replay the full history of chatID.
func (c *Coordinator) RequestHistory(chatID string) error {
	m, ok := c.sendable(chatID)
	if !ok {
		return c.fail("precondition", fmt.Errorf("%w: %s", ErrNotSendable, chatID))
	}
	if err := m.GetChatHistory(chatID); err != nil {
		return c.fail("backend", fmt.Errorf("chat: history for %s: %w", chatID, err))
	}
	return nil
}

// Preload seeds chatID with messages obtained outside the live connection,
// such as the local archive. Known message ids are replaced in place.
func (c *Coordinator) Preload(chatID string, messages []Message) {
	c.mu.Lock()
	st := c.conversationLocked(chatID)
	for _, msg := range messages {
		st.upsert(msg)
	}
	c.commitLocked(Update{Kind: UpdatePreload, ConversationID: chatID, State: st.clone()})
}

// GetChatState returns a copy of the state of chatID.
func (c *Coordinator) GetChatState(chatID string) (ConversationState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[chatID]
	if !ok {
		return ConversationState{}, false
	}
	return st.clone(), true
}

// Conversations returns the ids of every conversation with state, sorted.
func (c *Coordinator) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.states))
	for id := range c.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sendable returns the live Manager when chatID is subscribed both in the
// Manager and in the conversation state.
func (c *Coordinator) sendable(chatID string) (*ws.Manager, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.manager
	if m == nil || !m.IsConnected() || !m.IsSubscribed(chatID) {
		return nil, false
	}
	st, ok := c.states[chatID]
	if !ok || !st.IsSubscribed {
		return nil, false
	}
	return m, true
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// clearPendingLocked drops the pending subscription for chatID and stops its
// ack timer.
func (c *Coordinator) clearPendingLocked(chatID string) {
	if timer := c.pending[chatID]; timer != nil {
		timer.Stop()
	}
	delete(c.pending, chatID)
}

// conversationLocked returns the state for chatID, creating it on first use.
func (c *Coordinator) conversationLocked(chatID string) *ConversationState {
	st, ok := c.states[chatID]
	if !ok {
		st = newConversationState(chatID, c.now())
		c.states[chatID] = st
		metrics.ActiveConversations.Set(float64(len(c.states)))
	}
	return st
}

// commitLocked releases mu and delivers updates to the observers. Callers
// hold mu; delivery order matches commit order, and mu is not held while
// observers run.
func (c *Coordinator) commitLocked(updates ...Update) {
	observers := c.observers
	if len(observers) == 0 {
		c.mu.Unlock()
		return
	}
	status := c.statusLocked()
	for i := range updates {
		if updates[i].Kind != UpdateStatus {
			updates[i].Status = status
		}
	}

	seq := c.commits
	c.commits++
	c.mu.Unlock()

	c.notifyMu.Lock()
	for c.delivered != seq {
		c.notifyTurn.Wait()
	}
	c.notifyMu.Unlock()

	defer func() {
		c.notifyMu.Lock()
		c.delivered++
		c.notifyTurn.Broadcast()
		c.notifyMu.Unlock()
	}()
	for _, u := range updates {
		for _, fn := range observers {
			fn(u)
		}
	}
}

// fail logs err, counts it, forwards it to the error handler and returns it.
func (c *Coordinator) fail(kind string, err error) error {
	log.Printf("[chat] %v", err)
	metrics.ErrorsTotal.WithLabelValues(kind).Inc()
	if c.onError != nil {
		c.onError(err)
	}
	return err
}
