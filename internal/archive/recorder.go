package archive

import (
	"context"
	"log"
	"time"

	"github.com/lexassist/chat-client/internal/chat"
)

// Saver persists messages of one conversation.
type Saver interface {
	SaveMessages(ctx context.Context, conversationID string, msgs []chat.Message) (int, error)
}

type batch struct {
	conversationID string
	msgs           []chat.Message
}

// Recorder archives finalized messages from coordinator updates. Observe never
// blocks the coordinator: batches are queued and written by Run, and a full
// queue drops the batch.
type Recorder struct {
	saver   Saver
	queue   chan batch
	timeout time.Duration
}

// NewRecorder creates a Recorder with room for buffer queued batches.
func NewRecorder(saver Saver, buffer int) *Recorder {
	return &Recorder{
		saver:   saver,
		queue:   make(chan batch, buffer),
		timeout: 5 * time.Second,
	}
}

// Observe is a chat.Coordinator observer.
func (r *Recorder) Observe(u chat.Update) {
	var msgs []chat.Message
	switch u.Kind {
	case chat.UpdateMessage, chat.UpdateStreamComplete:
		if u.Message != nil && archivable(*u.Message) {
			msgs = []chat.Message{*u.Message}
		}
	case chat.UpdateSubscribed, chat.UpdateHistory:
		for _, m := range u.State.Messages {
			if archivable(m) {
				msgs = append(msgs, m)
			}
		}
	}
	if len(msgs) == 0 {
		return
	}

	select {
	case r.queue <- batch{conversationID: u.ConversationID, msgs: msgs}:
	default:
		log.Printf("[archive] queue full, dropping %d messages for chat=%s", len(msgs), u.ConversationID)
	}
}

// Run writes queued batches until ctx is cancelled, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case b := <-r.queue:
			r.save(b)
		case <-ctx.Done():
			for {
				select {
				case b := <-r.queue:
					r.save(b)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) save(b batch) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.saver.SaveMessages(ctx, b.conversationID, b.msgs); err != nil {
		log.Printf("[archive] save chat=%s: %v", b.conversationID, err)
	}
}
