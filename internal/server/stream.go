package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/conductor/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const streamWriteWait = 5 * time.Second

// handleEventStream upgrades to a websocket and relays bus events until the
// client disconnects. A slow client drops events rather than backing up the
// bus; the subscription buffer is the only queue.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		httpError(w, http.StatusServiceUnavailable, "unavailable", "event stream not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := make(chan bus.Event, 64)
	subID := s.deps.Events.Subscribe("", func(e bus.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer s.deps.Events.Unsubscribe(subID)

	// Reader goroutine: discard client frames, surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
