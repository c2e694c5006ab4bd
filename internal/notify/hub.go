package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrNoSession = errors.New("no websocket session")

const writeWait = 5 * time.Second

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(n)
}

// Hub holds live WebSocket sessions keyed by channel name. A channel may have
// several sessions (a customer with two tabs open).
type Hub struct {
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:      log,
		sessions: make(map[string]map[*session]struct{}),
	}
}

// Serve upgrades the request and keeps the session attached to target until
// the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, target Target) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	channel := target.Channel()
	s := h.add(channel, conn)
	h.log.WithField("channel", channel).Debug("websocket attached")

	go func() {
		defer func() {
			h.remove(channel, s)
			conn.Close()
			h.log.WithField("channel", channel).Debug("websocket detached")
		}()
		// inbound frames are ignored; reading surfaces the close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

func (h *Hub) add(channel string, conn *websocket.Conn) *session {
	s := &session{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[channel]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[channel] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) remove(channel string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, channel)
		}
	}
}

// Connected reports whether any session listens on target.
func (h *Hub) Connected(target Target) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[target.Channel()]) > 0
}

func (h *Hub) targets(t Target) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*session
	if t.Kind == KindTopic {
		prefix := string(KindRider) + ":"
		for ch, set := range h.sessions {
			if strings.HasPrefix(ch, prefix) {
				for s := range set {
					out = append(out, s)
				}
			}
		}
		return out
	}
	for s := range h.sessions[t.Channel()] {
		out = append(out, s)
	}
	return out
}

// Send writes n to the target's sessions. Topic targets go to every rider.
func (h *Hub) Send(n Notification) error {
	sessions := h.targets(n.Target)
	if len(sessions) == 0 {
		return ErrNoSession
	}
	var errs []error
	for _, s := range sessions {
		if err := s.send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publish treats a disconnected target as delivered; the rider sees pending
// offers again when they list them.
func (h *Hub) Publish(_ context.Context, n Notification) error {
	if err := h.Send(n); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
