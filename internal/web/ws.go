package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"boorubot/internal/hub"
	"boorubot/internal/metrics"
	"boorubot/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 25 * time.Second
	wsBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cookie auth already gated the handshake, and the panel is same-host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and bridges hub events onto it. The
// first frame is always a status snapshot so a fresh observer has state
// without waiting for the next cycle.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", logx.Err(err))
		return
	}
	events, unsub := s.deps.Hub.Subscribe(wsBuffer)
	metrics.Observers.Inc()
	s.log.Debug("ws observer connected", logx.String("remote", r.RemoteAddr))

	go s.wsReadLoop(conn, unsub)
	s.wsWriteLoop(conn, events, unsub, r.RemoteAddr)
}

// wsReadLoop drains the connection so close frames and errors are noticed
// even though observers never send data we act on.
func (s *Server) wsReadLoop(conn *websocket.Conn, unsub func()) {
	defer unsub()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, events <-chan hub.Event, unsub func(), remote string) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		unsub()
		_ = conn.Close()
		metrics.Observers.Dec()
		s.log.Debug("ws observer disconnected", logx.String("remote", remote))
	}()

	// Initial state snapshot.
	if err := s.writeEvent(conn, hub.Event{Event: hub.EventStatus, Data: s.status()}); err != nil {
		return
	}

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, e hub.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(e)
}
