package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// event is one push notification to connected UI clients.
type event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	At   time.Time      `json:"at"`
}

// hub fans events out to websocket subscribers. Channels are buffered and
// lossy; a stalled UI client drops events rather than blocking the
// gateway.
type hub struct {
	mu   sync.Mutex
	subs map[chan event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan event]struct{})}
}

func (h *hub) subscribe() chan event {
	ch := make(chan event, 16)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

func (h *hub) unsubscribe(ch chan event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(e event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// PumpNetworkEvents forwards connectivity flips into the event stream
// until the context is canceled. Run alongside Serve.
func (s *Server) PumpNetworkEvents(ctx context.Context) {
	flips := s.monitor.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case flip := <-flips:
			s.events.broadcast(event{
				Type: "network_status",
				Data: map[string]any{"status": flip.Status},
				At:   flip.At,
			})
		}
	}
}

// handleEvents upgrades to a websocket and streams events until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, e)
			cancel()

			if err != nil {
				return
			}
		}
	}
}
