package chat

import (
	"time"

	"github.com/lexassist/chat-client/internal/protocol"
	"github.com/lexassist/chat-client/internal/ws"
)

// Message is one entry in a conversation. MessageID may be empty for messages
// the backend never identified; such messages are always appended.
type Message struct {
	MessageID string    `json:"messageId,omitempty"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Pending   bool      `json:"pending,omitempty"` // local echo awaiting the server echo
	Failed    bool      `json:"failed,omitempty"`  // local echo never confirmed
}

// ConversationState is the client-side model of one conversation. A
// StreamingMessage is only non-empty while IsTyping is true.
type ConversationState struct {
	ConversationID   string    `json:"conversationId"`
	Messages         []Message `json:"messages"`
	IsTyping         bool      `json:"isTyping"`
	StreamingMessage string    `json:"streamingMessage"`
	LastActivity     time.Time `json:"lastActivity"`
	IsSubscribed     bool      `json:"isSubscribed"`
}

func newConversationState(id string, now time.Time) *ConversationState {
	return &ConversationState{
		ConversationID: id,
		Messages:       []Message{},
		LastActivity:   now,
	}
}

// upsert replaces the message with the same non-empty MessageID in place, or
// appends. It reports whether an existing entry was replaced.
func (s *ConversationState) upsert(msg Message) bool {
	if msg.MessageID != "" {
		for i := range s.Messages {
			if s.Messages[i].MessageID == msg.MessageID {
				s.Messages[i] = msg
				return true
			}
		}
	}
	s.Messages = append(s.Messages, msg)
	return false
}

// replaceMessages swaps the full message list. Duplicate ids inside msgs
// collapse to the last occurrence at the position of the first.
func (s *ConversationState) replaceMessages(msgs []Message) {
	s.Messages = make([]Message, 0, len(msgs))
	for _, m := range msgs {
		s.upsert(m)
	}
}

func (s *ConversationState) startStream() {
	s.IsTyping = true
	s.StreamingMessage = ""
}

func (s *ConversationState) endStream() {
	s.IsTyping = false
	s.StreamingMessage = ""
}

// clone returns a deep copy safe to hand to callers.
func (s *ConversationState) clone() ConversationState {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// messagesFromWire maps backend messages into the local model. Messages
// without a timestamp are stamped with now.
func messagesFromWire(wire []protocol.WireMessage, now time.Time) []Message {
	out := make([]Message, 0, len(wire))
	for _, w := range wire {
		ts := w.Time()
		if ts.IsZero() {
			ts = now
		}
		out = append(out, Message{
			MessageID: w.Key(),
			Content:   w.Content,
			Role:      w.Role,
			Timestamp: ts,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Updates
// ---------------------------------------------------------------------------

// UpdateKind names what changed in an Update.
type UpdateKind string

const (
	UpdateStatus         UpdateKind = "status"
	UpdateSubscribed     UpdateKind = "subscribed"
	UpdateUnsubscribed   UpdateKind = "unsubscribed"
	UpdateHistory        UpdateKind = "history"
	UpdateMessage        UpdateKind = "message"
	UpdateStreamStart    UpdateKind = "stream_start"
	UpdateToken          UpdateKind = "token"
	UpdateStreamComplete UpdateKind = "stream_complete"
	UpdatePreload        UpdateKind = "preload"
)

// Update is delivered to observers after a change has been committed. Status
// is the connection state at commit time. State holds a snapshot of the
// affected conversation and is zero for status updates. Message is set for
// message and stream_complete updates, Token for token updates.
type Update struct {
	Kind           UpdateKind        `json:"kind"`
	ConversationID string            `json:"conversationId,omitempty"`
	Status         ws.State          `json:"status"`
	State          ConversationState `json:"state"`
	Message        *Message          `json:"message,omitempty"`
	Token          string            `json:"token,omitempty"`
}
