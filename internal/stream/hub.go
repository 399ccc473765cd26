// Package stream fans chain progress out to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tidewheel/tidewheel/internal/orchestrator"
)

const (
	// subscriberBuffer is the per-subscriber event queue; a slow
	// consumer loses events rather than stalling the executor.
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

// AllMessages subscribes to every chain's events.
const AllMessages = "*"

// Hub is an orchestrator.Publisher that broadcasts step events to
// subscribers keyed by message id.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan orchestrator.StepEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan orchestrator.StepEvent]struct{})}
}

// Publish delivers ev to subscribers of its message id and to
// wildcard subscribers. Never blocks.
func (h *Hub) Publish(ev orchestrator.StepEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range []string{ev.MessageID, AllMessages} {
		for ch := range h.subs[key] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns an event channel for messageID (AllMessages for
// everything) and a cancel func that must be called when done.
func (h *Hub) Subscribe(messageID string) (<-chan orchestrator.StepEvent, func()) {
	ch := make(chan orchestrator.StepEvent, subscriberBuffer)

	h.mu.Lock()
	if h.subs[messageID] == nil {
		h.subs[messageID] = make(map[chan orchestrator.StepEvent]struct{})
	}
	h.subs[messageID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[messageID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, messageID)
			}
		}
	}
	return ch, cancel
}

// ServeHTTP upgrades to a websocket and streams JSON-encoded step
// events. The message_id query param scopes the subscription; absent
// means all messages.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")
	if messageID == "" {
		messageID = AllMessages
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("stream: accept: %v", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := h.Subscribe(messageID)
	defer cancel()

	// CloseRead cancels the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("stream: marshal event: %v", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
