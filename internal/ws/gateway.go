package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/core"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// Hub streams coordination events to websocket subscribers. Broadcast never
// blocks: each subscriber has a bounded queue and events that do not fit are
// dropped for that subscriber.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*subscriber]struct{}
	log     *log.Logger
	resolve func(string) (string, error)
}

type subscriber struct {
	file string
	send chan core.Event
}

type Option func(*Hub)

// WithFileResolver maps the ?file= filter onto the canonical path events
// carry. Without one the filter must already be canonical.
func WithFileResolver(fn func(string) (string, error)) Option {
	return func(h *Hub) { h.resolve = fn }
}

func NewHub(logger *log.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	h := &Hub{conns: make(map[*subscriber]struct{}), log: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handler serves /ws/events. An optional ?file= narrows the stream to one
// file.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file := strings.TrimSpace(r.URL.Query().Get("file"))
		if file != "" && h.resolve != nil {
			canonical, err := h.resolve(file)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			file = canonical
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		sub := &subscriber{
			file: file,
			send: make(chan core.Event, sendBuffer),
		}
		h.add(sub)
		defer h.remove(sub)

		// Clients only listen; CloseRead discards their frames and cancels
		// ctx once they go away.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.send:
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, ev)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}

func (h *Hub) Broadcast(ev core.Event) {
	for _, sub := range h.snapshot() {
		if sub.file != "" && sub.file != ev.FilePath {
			continue
		}
		select {
		case sub.send <- ev:
		default:
			h.log.Debug("ws subscriber too slow, event dropped", "type", ev.Type, "file", ev.FilePath)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.conns))
	for sub := range h.conns {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, sub)
}
