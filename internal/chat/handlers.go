package chat

import (
	"log"

	"github.com/lexassist/chat-client/internal/metrics"
	"github.com/lexassist/chat-client/internal/protocol"
	"github.com/lexassist/chat-client/internal/ws"
)

// registerHandlers installs the full inbound handler table on m. Every handler
// ignores envelopes once m is no longer the Coordinator's current Manager.
func (c *Coordinator) registerHandlers(m *ws.Manager) {
	m.OnMessage(protocol.TypeConnected, func(env protocol.Envelope) {
		log.Printf("[chat] backend acknowledged connection")
	})
	m.OnMessage(protocol.TypeAuthenticated, func(env protocol.Envelope) {
		log.Printf("[chat] backend authenticated session")
	})
	m.OnMessage(protocol.TypeChatSubscribed, func(env protocol.Envelope) { c.onChatSubscribed(m, env) })
	m.OnMessage(protocol.TypeChatUnsubscribed, func(env protocol.Envelope) { c.onChatUnsubscribed(m, env) })
	m.OnMessage(protocol.TypeChatHistory, func(env protocol.Envelope) { c.onChatHistory(m, env) })
	m.OnMessage(protocol.TypeUserMessage, func(env protocol.Envelope) { c.onUserMessage(m, env) })
	m.OnMessage(protocol.TypeAssistantMessageStart, func(env protocol.Envelope) { c.onAssistantStart(m, env) })
	m.OnMessage(protocol.TypeAssistantMessageToken, func(env protocol.Envelope) { c.onAssistantToken(m, env) })
	m.OnMessage(protocol.TypeAssistantMessageComplete, func(env protocol.Envelope) { c.onAssistantComplete(m, env) })
	m.OnMessage(protocol.TypeError, func(env protocol.Envelope) { c.onBackendError(m, env) })
}

// decode unmarshals the envelope payload, logging and counting failures.
func decode(env protocol.Envelope, v interface{}) bool {
	if err := env.DecodeData(v); err != nil {
		log.Printf("[chat] dropping %s: %v", env.Type, err)
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return false
	}
	return true
}

// lockCurrent takes mu and reports whether m is still current. On false the
// lock has already been released.
func (c *Coordinator) lockCurrent(m *ws.Manager) bool {
	c.mu.Lock()
	if c.manager != m {
		c.mu.Unlock()
		return false
	}
	return true
}

func missingConversation(env protocol.Envelope) {
	log.Printf("[chat] ignoring %s without conversation id", env.Type)
	metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
}

func (c *Coordinator) onChatSubscribed(m *ws.Manager, env protocol.Envelope) {
	var data protocol.ChatSubscribedData
	if !decode(env, &data) {
		return
	}
	id := data.Conversation()
	if id == "" {
		missingConversation(env)
		return
	}
	if !c.lockCurrent(m) {
		return
	}

	now := c.now()
	c.clearPendingLocked(id)
	if prev, ok := c.states[id]; ok && prev.IsTyping {
		metrics.StreamingResponses.Dec()
	}
	st := newConversationState(id, now)
	st.replaceMessages(messagesFromWire(data.Messages, now))
	st.IsSubscribed = true
	c.states[id] = st
	metrics.ActiveConversations.Set(float64(len(c.states)))

	log.Printf("[chat] subscribed chat=%s messages=%d", id, len(st.Messages))
	c.commitLocked(Update{Kind: UpdateSubscribed, ConversationID: id, State: st.clone()})
}

func (c *Coordinator) onChatUnsubscribed(m *ws.Manager, env protocol.Envelope) {
	var data protocol.ChatUnsubscribedData
	if !decode(env, &data) {
		return
	}
	id := data.Conversation()
	if id == "" {
		missingConversation(env)
		return
	}
	if !c.lockCurrent(m) {
		return
	}

	// A pending subscribe supersedes this unsubscribe.
	if _, resubscribing := c.pending[id]; !resubscribing {
		m.Forget(id)
	}
	st, ok := c.states[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	st.IsSubscribed = false

	log.Printf("[chat] unsubscribed chat=%s", id)
	c.commitLocked(Update{Kind: UpdateUnsubscribed, ConversationID: id, State: st.clone()})
}

func (c *Coordinator) onChatHistory(m *ws.Manager, env protocol.Envelope) {
	var data protocol.ChatHistoryData
	if !decode(env, &data) {
		return
	}
	id := data.Conversation()
	if id == "" {
		missingConversation(env)
		return
	}
	if !c.lockCurrent(m) {
		return
	}

	now := c.now()
	st := c.conversationLocked(id)
	st.replaceMessages(messagesFromWire(data.Messages, now))
	st.LastActivity = now
	c.commitLocked(Update{Kind: UpdateHistory, ConversationID: id, State: st.clone()})
}

func (c *Coordinator) onUserMessage(m *ws.Manager, env protocol.Envelope) {
	var data protocol.UserMessageData
	if !decode(env, &data) {
		return
	}
	id := data.Conversation()
	if id == "" {
		missingConversation(env)
		return
	}
	if !c.lockCurrent(m) {
		return
	}

	now := c.now()
	ts := data.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}
	msg := Message{
		MessageID: data.Key(),
		Content:   data.Text(),
		Role:      protocol.RoleUser,
		Timestamp: ts,
	}
	if echo, ok := c.echoes[msg.MessageID]; ok && msg.MessageID != "" {
		echo.timer.Stop()
		delete(c.echoes, msg.MessageID)
	}

	st := c.conversationLocked(id)
	st.upsert(msg)
	st.LastActivity = now
	c.commitLocked(Update{Kind: UpdateMessage, ConversationID: id, State: st.clone(), Message: &msg})
}

func (c *Coordinator) onAssistantStart(m *ws.Manager, env protocol.Envelope) {
	var data protocol.AssistantStartData
	if !decode(env, &data) {
		return
	}
	id := data.Conversation()
	if id == "" {
		missingConversation(env)
		return
	}
	if !c.lockCurrent(m) {
		return
	}

	st := c.conversationLocked(id)
	if !st.IsTyping {
		metrics.StreamingResponses.Inc()
	}
	st.startStream()
	st.LastActivity = c.now()
	c.commitLocked(Update{Kind: UpdateStreamStart, ConversationID: id, State: st.clone()})
}

func (c *Coordinator) onAssistantToken(m *ws.Manager, env protocol.Envelope) {
	var data protocol.AssistantTokenData
	if !decode(env, &data) {
		return
	}
	id := data.Conversation()
	if id == "" {
		missingConversation(env)
		return
	}
	if !c.lockCurrent(m) {
		return
	}

	st := c.conversationLocked(id)
	if !st.IsTyping {
		// A token without a start still opens the stream.
		metrics.StreamingResponses.Inc()
		st.startStream()
	}
	st.StreamingMessage += data.Token
	st.LastActivity = c.now()
	c.commitLocked(Update{Kind: UpdateToken, ConversationID: id, State: st.clone(), Token: data.Token})
}

func (c *Coordinator) onAssistantComplete(m *ws.Manager, env protocol.Envelope) {
	var data protocol.AssistantCompleteData
	if !decode(env, &data) {
		return
	}
	id := data.Conversation()
	if id == "" {
		missingConversation(env)
		return
	}
	if !c.lockCurrent(m) {
		return
	}

	now := c.now()
	st := c.conversationLocked(id)
	content := data.Content
	if content == "" {
		content = st.StreamingMessage
	}
	ts := data.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}
	msg := Message{
		MessageID: data.Key(),
		Content:   content,
		Role:      protocol.RoleAssistant,
		Timestamp: ts,
	}
	st.upsert(msg)
	if st.IsTyping {
		metrics.StreamingResponses.Dec()
	}
	st.endStream()
	st.LastActivity = now
	c.commitLocked(Update{Kind: UpdateStreamComplete, ConversationID: id, State: st.clone(), Message: &msg})
}

func (c *Coordinator) onBackendError(m *ws.Manager, env protocol.Envelope) {
	var data protocol.ErrorData
	if !decode(env, &data) {
		return
	}
	if !c.lockCurrent(m) {
		return
	}
	c.mu.Unlock()
	c.fail("backend", &BackendError{Message: data.Message, Code: data.Code})
}
