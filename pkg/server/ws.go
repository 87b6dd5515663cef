package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/thefeshin/hush/pkg/protocol"
)

const tokenCookieName = "hush_token"

// handleWebSocket authenticates the handshake, upgrades the connection and
// runs its frame loop until disconnect. Authentication failure is the one
// case that closes before the protocol starts.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		token = cookie.Value
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := s.verifyToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	ws.SetReadLimit(protocol.MaxFrameBytes)

	c := s.registry.Register(userID, newConn(0, userID, ws))
	debugLog.Printf("New connection %d for user %s from %s", c.ID, userID, r.RemoteAddr)

	ws.SetPongHandler(func(string) error {
		c.Touch()
		return nil
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
}

// readLoop consumes frames until the peer goes away or sends something
// fatally malformed; either way it converges on Unregister.
func (s *Server) readLoop(c *Conn) {
	defer s.registry.Unregister(c.ID)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Connection %d read error: %v", c.ID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.handleFrame(c, data); err != nil {
			debugLog.Printf("Connection %d fatal protocol violation: %v", c.ID, err)
			return
		}
	}
}
