package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/keyswap/internal/domain"
)

const (
	subscriberBuffer = 16
	eventWriteWait   = 10 * time.Second
	eventPingPeriod  = 30 * time.Second
)

// Hub fans out admin events to websocket subscribers. Publish never
// blocks; a subscriber that falls behind loses events.
type Hub struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	events chan domain.Event
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{log: logger, subs: make(map[*subscriber]struct{})}
}

func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.events <- ev:
		default:
			h.log.Debug("event subscriber lagging, dropping event", "kind", ev.Kind)
		}
	}
}

// PublishCycle adapts a reconciliation report to the event stream.
func (h *Hub) PublishCycle(report domain.CycleReport) {
	h.Publish(domain.Event{Kind: domain.EventCycle, Cycle: &report})
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{events: make(chan domain.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Subscribers returns the number of connected listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("event stream upgrade failed", "err", err)
		return
	}
	sub := s.events.subscribe()
	defer func() {
		s.events.unsubscribe(sub)
		_ = conn.Close()
	}()
	s.log.Info("event subscriber connected", "remote_addr", r.RemoteAddr)

	// Reads only detect the peer closing; admin clients send nothing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := s.clock.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-readDone:
			s.log.Info("event subscriber disconnected", "remote_addr", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case ev := <-sub.events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}
