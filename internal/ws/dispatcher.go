package ws

import (
	"log"
	"sync"

	"github.com/lexassist/chat-client/internal/metrics"
	"github.com/lexassist/chat-client/internal/protocol"
)

// unroutedType is the metrics label for inbound types without a handler.
const unroutedType = "unknown"

// Handler is the callback signature for one inbound envelope type. It runs on
// the Manager's read goroutine, so envelopes are delivered one at a time in
// arrival order.
type Handler func(env protocol.Envelope)

// dispatcher routes inbound frames to the single handler registered for their
// envelope type. Malformed frames and types without a handler are logged and
// dropped; neither affects the connection.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string]Handler)}
}

// register associates a Handler with an envelope type. A handler already
// registered for the type is replaced.
func (d *dispatcher) register(msgType string, handler Handler) {
	d.mu.Lock()
	d.handlers[msgType] = handler
	d.mu.Unlock()
}

func (d *dispatcher) unregister(msgType string) {
	d.mu.Lock()
	delete(d.handlers, msgType)
	d.mu.Unlock()
}

func (d *dispatcher) clear() {
	d.mu.Lock()
	d.handlers = make(map[string]Handler)
	d.mu.Unlock()
}

// dispatch parses raw frame bytes and invokes the matching handler outside the
// registry lock, so handlers may register or remove handlers themselves.
func (d *dispatcher) dispatch(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("ws: dispatch parse error: %v", err)
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return
	}

	d.mu.RLock()
	handler, ok := d.handlers[env.Type]
	d.mu.RUnlock()
	if !ok {
		// Type strings come from the server; keep them out of label values.
		log.Printf("ws: no handler for type=%q, dropping", env.Type)
		metrics.EnvelopesTotal.WithLabelValues("in", unroutedType).Inc()
		metrics.EnvelopesDropped.WithLabelValues("unrouted").Inc()
		return
	}

	metrics.EnvelopesTotal.WithLabelValues("in", env.Type).Inc()
	handler(env)
}
