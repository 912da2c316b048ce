package messaging

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/lexassist/chat-client/internal/chat"
)

// Command actions accepted on SubjectCommand.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionSend        = "send"
	ActionHistory     = "history"
)

// Command is a UI request delivered over NATS.
type Command struct {
	Action string `json:"action"`
	ChatID string `json:"chatId"`
	Text   string `json:"text,omitempty"`
}

// ErrorEvent is published on SubjectError for every error the coordinator
// surfaces.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Publisher is the publishing half of NATSClient.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Controller is the subset of the chat coordinator that commands drive.
type Controller interface {
	SubscribeToChat(chatID string) error
	UnsubscribeFromChat(chatID string) error
	SendMessage(text, chatID string) error
	RequestHistory(chatID string) error
}

// Bridge relays coordinator updates to NATS and NATS commands to the
// coordinator.
type Bridge struct {
	pub Publisher
	ctl Controller
}

// NewBridge creates a Bridge.
func NewBridge(pub Publisher, ctl Controller) *Bridge {
	return &Bridge{pub: pub, ctl: ctl}
}

// PublishUpdate is a chat.Coordinator observer. Status updates go to
// SubjectStatus, everything else to the conversation's subject.
func (b *Bridge) PublishUpdate(u chat.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		log.Printf("[nats] marshal %s update: %v", u.Kind, err)
		return
	}
	subject := SubjectStatus
	if u.Kind != chat.UpdateStatus {
		subject = ConversationSubject(u.ConversationID)
	}
	if err := b.pub.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// PublishError is a chat.ErrorHandler.
func (b *Bridge) PublishError(err error) {
	data, merr := json.Marshal(ErrorEvent{Message: err.Error()})
	if merr != nil {
		return
	}
	if perr := b.pub.Publish(SubjectError, data); perr != nil {
		log.Printf("[nats] publish %s: %v", SubjectError, perr)
	}
}

// HandleCommand decodes one command and applies it to the controller.
func (b *Bridge) HandleCommand(data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("messaging: decode command: %w", err)
	}
	if cmd.ChatID == "" {
		return fmt.Errorf("messaging: %q command without chatId", cmd.Action)
	}

	switch cmd.Action {
	case ActionSubscribe:
		return b.ctl.SubscribeToChat(cmd.ChatID)
	case ActionUnsubscribe:
		return b.ctl.UnsubscribeFromChat(cmd.ChatID)
	case ActionSend:
		return b.ctl.SendMessage(cmd.Text, cmd.ChatID)
	case ActionHistory:
		return b.ctl.RequestHistory(cmd.ChatID)
	default:
		return fmt.Errorf("messaging: unknown command action %q", cmd.Action)
	}
}

// Listen routes every command received by client into the controller.
func (b *Bridge) Listen(client *NATSClient) error {
	return client.SubscribeCommands(func(data []byte) {
		if err := b.HandleCommand(data); err != nil {
			log.Printf("[nats] command failed: %v", err)
		}
	})
}
