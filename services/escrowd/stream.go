package escrowd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout   = 10 * time.Second
	subscriberBuffer = 64
)

// Hub fans journal entries out to live stream subscribers. A subscriber that
// falls a full buffer behind is dropped and must reconnect with a cursor.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan JournalEntry
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan JournalEntry)}
}

// Publish delivers entry to every subscriber without blocking.
func (h *Hub) Publish(entry JournalEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- entry:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func is idempotent.
func (h *Hub) Subscribe() (<-chan JournalEntry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan JournalEntry, subscriberBuffer)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			close(existing)
			delete(h.subs, id)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	after, err := parseQueryInt(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream aborted", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	for {
		backlog, err := s.journal.List(ctx, cursor, maxEventsPage)
		if err != nil {
			return err
		}
		for _, entry := range backlog {
			if err := writeStreamEntry(ctx, conn, entry); err != nil {
				return err
			}
			cursor = entry.Sequence
		}
		if len(backlog) < maxEventsPage {
			break
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return conn.Close(websocket.StatusTryAgainLater, "subscriber lagged")
			}
			if entry.Sequence <= cursor {
				continue
			}
			if err := writeStreamEntry(ctx, conn, entry); err != nil {
				return err
			}
			cursor = entry.Sequence
		}
	}
}

func writeStreamEntry(ctx context.Context, conn *websocket.Conn, entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
