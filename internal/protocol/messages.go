// Package protocol defines the WebSocket envelope types and payload structures
// exchanged between the chat client and the messaging backend. Every message
// in both directions is a JSON object of the form {"type": ..., "data": {...}}.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Envelope type constants
// ---------------------------------------------------------------------------

// Client -> Server envelope types.
const (
	TypeMessage         = "message"
	TypeSubscribeChat   = "subscribe_chat"
	TypeUnsubscribeChat = "unsubscribe_chat"
	TypeGetChatHistory  = "get_chat_history"
)

// Server -> Client envelope types.
const (
	TypeConnected                = "connected"
	TypeAuthenticated            = "authenticated"
	TypeChatSubscribed           = "chat_subscribed"
	TypeChatUnsubscribed         = "chat_unsubscribed"
	TypeChatHistory              = "chat_history"
	TypeUserMessage              = "user_message"
	TypeAssistantMessageStart    = "assistant_message_start"
	TypeAssistantMessageToken    = "assistant_message_token"
	TypeAssistantMessageComplete = "assistant_message_complete"
	TypeError                    = "error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame of every wire message. Data is kept raw so the
// receiver can decode it into the payload struct matching Type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses raw frame bytes into an Envelope. A frame without a type
// discriminator is rejected.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return env, nil
}

// Encode marshals payload and wraps it in an envelope of the given type.
// A nil payload produces an empty data object.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msgType, err)
	}
	out, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// DecodeData unmarshals the envelope payload into v. An absent payload leaves
// v untouched.
func (e Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 || bytes.Equal(e.Data, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", e.Type, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// SendMessageData carries human-submitted text into a conversation. MessageID
// is set only when the client inserted an optimistic local echo.
type SendMessageData struct {
	Message   string `json:"message"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
}

// SubscribeChatData asks the backend for live updates on a conversation. The
// bearer token is asserted per subscription, not per connection.
type SubscribeChatData struct {
	ChatID string `json:"chatId"`
	Token  string `json:"token"`
}

// UnsubscribeChatData stops live updates for a conversation.
type UnsubscribeChatData struct {
	ChatID string `json:"chatId"`
}

// GetChatHistoryData requests a full history replay for a conversation.
type GetChatHistoryData struct {
	ChatID string `json:"chatId"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConversationRef is embedded in every per-conversation payload. The backend
// has used both key spellings for the conversation identifier.
type ConversationRef struct {
	ChatID         string `json:"chatId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Conversation returns the conversation identifier, preferring chatId.
func (r ConversationRef) Conversation() string {
	if r.ChatID != "" {
		return r.ChatID
	}
	return r.ConversationID
}

// WireMessage is one message as the backend serializes it inside history and
// subscription acknowledgements.
type WireMessage struct {
	ID        string    `json:"id,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
	CreatedAt Timestamp `json:"createdAt,omitempty"`
}

// Key returns the message identifier, preferring messageId.
func (m WireMessage) Key() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.ID
}

// Time returns the message timestamp, preferring timestamp over createdAt.
func (m WireMessage) Time() time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp.Time
	}
	return m.CreatedAt.Time
}

// ChatSubscribedData acknowledges a subscription and carries the current
// message list.
type ChatSubscribedData struct {
	ConversationRef
	Messages []WireMessage `json:"messages"`
}

// ChatUnsubscribedData acknowledges an unsubscribe.
type ChatUnsubscribedData struct {
	ConversationRef
}

// ChatHistoryData carries a full history replay.
type ChatHistoryData struct {
	ConversationRef
	Messages []WireMessage `json:"messages"`
}

// UserMessageData echoes a user message into the conversation. Older backends
// put the text under "message" instead of "content".
type UserMessageData struct {
	ConversationRef
	MessageID string    `json:"messageId,omitempty"`
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

// Key returns the message identifier, preferring messageId.
func (d UserMessageData) Key() string {
	if d.MessageID != "" {
		return d.MessageID
	}
	return d.ID
}

// Text returns the message body, preferring content.
func (d UserMessageData) Text() string {
	if d.Content != "" {
		return d.Content
	}
	return d.Message
}

// AssistantStartData opens a streamed assistant response.
type AssistantStartData struct {
	ConversationRef
}

// AssistantTokenData carries one streamed text delta.
type AssistantTokenData struct {
	ConversationRef
	Token string `json:"token"`
}

// AssistantCompleteData finalizes a streamed response. Content may be empty,
// in which case the accumulated stream is used.
type AssistantCompleteData struct {
	ConversationRef
	MessageID string    `json:"messageId,omitempty"`
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp Timestamp `json:"timestamp,omitempty"`
}

// Key returns the message identifier, preferring messageId.
func (d AssistantCompleteData) Key() string {
	if d.MessageID != "" {
		return d.MessageID
	}
	return d.ID
}

// ErrorData is a backend-reported error.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ---------------------------------------------------------------------------
// Timestamp
// ---------------------------------------------------------------------------

// Timestamp accepts either an RFC3339 string or a unix millisecond number.
// It always marshals as RFC3339.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if s == "null" || s == `""` || s == "" {
		t.Time = time.Time{}
		return nil
	}
	if s[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("protocol: invalid timestamp %s: %w", s, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, unquoted)
		if err != nil {
			return fmt.Errorf("protocol: invalid timestamp %q: %w", unquoted, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("protocol: invalid timestamp %s: %w", s, err)
	}
	t.Time = time.UnixMilli(int64(ms))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
