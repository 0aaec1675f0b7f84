package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/beatforge/relay/internal/protocol"
	"github.com/beatforge/relay/internal/session"
)

// Socket is the transport half of a peer. *websocket.Conn satisfies it;
// tests substitute an in-memory recorder.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Peer is the per-connection state: the self-asserted client identity,
// the session the connection is bound to (at most one), and the
// rate-limit windows. Created on connect, disposed on close; never
// shared between connections.
type Peer struct {
	sock       Socket
	remoteAddr string

	writeMu sync.Mutex
	closed  bool

	mu       sync.Mutex
	clientID string
	sess     *session.Session

	msgWindow  *rateWindow
	chatWindow *rateWindow
}

func NewPeer(sock Socket, remoteAddr string) *Peer {
	return &Peer{
		sock:       sock,
		remoteAddr: remoteAddr,
		msgWindow:  newRateWindow(MaxMessagesPerWindow, RateWindow),
		chatWindow: newRateWindow(MaxChatPerWindow, RateWindow),
	}
}

// ClientID returns the bound client identity, or "" while unbound.
func (p *Peer) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

func (p *Peer) setClientID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = id
}

// Bound returns the session this connection is attached to.
func (p *Peer) Bound() (*session.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess, p.sess != nil
}

func (p *Peer) setSession(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sess = s
}

func (p *Peer) clearSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sess = nil
}

// Send marshals v and writes it as one text frame. Write failures mean
// the peer is already gone; they are logged at debug and never
// escalated.
func (p *Peer) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("addr", p.remoteAddr).Msg("Failed to marshal outbound event")
		return
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return
	}
	if err := p.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Str("addr", p.remoteAddr).Msg("Dropping write to closed peer")
	}
}

// SendError reports a recoverable failure to this peer only.
func (p *Peer) SendError(code, message string) {
	p.Send(protocol.ErrorEvent{Type: protocol.EventError, Code: code, Message: message})
}

// CloseNormal sends a normal-closure frame and closes the socket.
// Safe to call more than once.
func (p *Peer) CloseNormal(reason string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := p.sock.WriteMessage(websocket.CloseMessage, msg); err != nil {
		log.Debug().Err(err).Str("addr", p.remoteAddr).Msg("Close frame write failed")
	}
	if err := p.sock.Close(); err != nil {
		log.Debug().Err(err).Str("addr", p.remoteAddr).Msg("Socket close failed")
	}
}

func (p *Peer) allowMessage(now time.Time) bool {
	return p.msgWindow.allow(now)
}

func (p *Peer) allowChat(now time.Time) bool {
	return p.chatWindow.allow(now)
}

var _ session.Conn = (*Peer)(nil)
