package chat

// View is a per-conversation facade over a Coordinator. Its mutating methods
// silently do nothing when their preconditions do not hold.
type View struct {
	c  *Coordinator
	id string
}

// Conversation returns a View bound to chatID.
func (c *Coordinator) Conversation(chatID string) *View {
	return &View{c: c, id: chatID}
}

// ID returns the bound conversation id.
func (v *View) ID() string { return v.id }

// SendMessage sends text when the conversation is connected and subscribed.
func (v *View) SendMessage(text string) {
	if _, ok := v.c.sendable(v.id); !ok {
		return
	}
	_ = v.c.SendMessage(text, v.id)
}

// SubscribeToChat subscribes when a connection is open.
func (v *View) SubscribeToChat() {
	if !v.c.IsConnected() {
		return
	}
	_ = v.c.SubscribeToChat(v.id)
}

// UnsubscribeFromChat unsubscribes when a connection is open.
func (v *View) UnsubscribeFromChat() {
	if !v.c.IsConnected() {
		return
	}
	_ = v.c.UnsubscribeFromChat(v.id)
}

// Messages returns a copy of the conversation's messages.
func (v *View) Messages() []Message {
	st, ok := v.c.GetChatState(v.id)
	if !ok {
		return nil
	}
	return st.Messages
}

func (v *View) IsTyping() bool {
	st, _ := v.c.GetChatState(v.id)
	return st.IsTyping
}

func (v *View) StreamingMessage() string {
	st, _ := v.c.GetChatState(v.id)
	return st.StreamingMessage
}

func (v *View) IsSubscribed() bool {
	st, _ := v.c.GetChatState(v.id)
	return st.IsSubscribed
}
