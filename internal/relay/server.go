package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	relayhttp "github.com/beatforge/relay/internal/http"
	"github.com/beatforge/relay/internal/protocol"
	"github.com/beatforge/relay/internal/session"
)

// MaxFrameBytes caps a single inbound frame. Frames are UTF-8 JSON
// text; sample payloads ride inside them base64-encoded.
const MaxFrameBytes = 32 << 20

// Server upgrades HTTP connections to WebSocket and runs one read loop
// per connection.
type Server struct {
	hub      *Hub
	registry *session.Registry
	upgrader websocket.Upgrader
}

// NewServer builds the transport front end. An empty origin list allows
// every origin; otherwise the handshake is refused for origins not on
// the list.
func NewServer(hub *Hub, registry *session.Registry, allowedOrigins []string) *Server {
	return &Server{
		hub:      hub,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// ServeWS is the WebSocket endpoint handler.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade refused")
		return
	}
	conn.SetReadLimit(MaxFrameBytes)

	addr := relayhttp.ExtractClientIP(r)
	peer := NewPeer(conn, addr)
	s.hub.metrics.PeersActive.Add(context.Background(), 1)
	log.Debug().Str("addr", addr).Msg("Peer connected")

	defer func() {
		s.hub.HandleDisconnect(peer)
		peer.CloseNormal("")
		s.hub.metrics.PeersActive.Add(context.Background(), -1)
		log.Debug().Str("addr", addr).Str("client_id", peer.ClientID()).Msg("Peer disconnected")
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			peer.SendError(protocol.CodeInvalidMessage, "frames must be UTF-8 JSON text")
			continue
		}
		s.hub.HandleFrame(peer, raw)
	}
}

// Healthz reports process liveness and the current session count.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.Count(),
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = true
	}

	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
		if origin == "" {
			// No Origin header means a non-browser client.
			return true
		}
		return set[origin]
	}
}
