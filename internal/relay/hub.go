// Package relay implements the collaboration relay: per-connection
// command handling, session-scoped broadcast, and the WebSocket
// transport in front of them.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/beatforge/relay/internal/protocol"
	"github.com/beatforge/relay/internal/session"
	"github.com/beatforge/relay/internal/telemetry"
)

// Hub dispatches validated commands against the session registry. One
// goroutine per connection calls into it; each session's own mutex
// serializes mutations, and handlers wrap a mutation plus its fan-out in
// the session's delivery lock so peers observe events in application
// order. Handlers for different sessions still run concurrently.
type Hub struct {
	registry *session.Registry
	metrics  *telemetry.Metrics
}

func NewHub(registry *session.Registry) *Hub {
	return &Hub{
		registry: registry,
		metrics:  telemetry.GetMetrics(),
	}
}

// HandleFrame processes one raw inbound frame from a peer. Every
// failure is reported to the sender only; nothing here terminates the
// connection. A panic in a handler is contained to this frame.
func (h *Hub) HandleFrame(p *Peer, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("client_id", p.ClientID()).Msg("Recovered from handler panic")
			p.SendError(protocol.CodeInvalidMessage, "internal error handling message")
		}
	}()

	ctx := context.Background()
	h.metrics.MessagesTotal.Add(ctx, 1)

	if !p.allowMessage(time.Now()) {
		h.metrics.MessagesRejectedTotal.Add(ctx, 1)
		p.SendError(protocol.CodeRateLimited, "message rate limit exceeded")
		return
	}

	cmd, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.MessagesRejectedTotal.Add(ctx, 1)
		h.sendCommandError(p, err)
		return
	}

	switch c := cmd.(type) {
	case protocol.CreateSession:
		h.handleCreate(p, c)
	case protocol.JoinSession:
		h.handleJoin(p, c)
	case protocol.LeaveSession:
		h.handleLeave(p, c)
	case protocol.EndSession:
		h.handleEnd(p, c)
	case protocol.KickUser:
		h.handleKick(p, c)
	case protocol.SendChatMessage:
		h.handleChat(p, c)
	case protocol.UpsertState:
		h.handleUpsert(p, c)
	}
}

// HandleDisconnect runs when a connection drops for any reason. An
// owner disconnect ends the whole session; anyone else just leaves.
func (h *Hub) HandleDisconnect(p *Peer) {
	s, ok := p.Bound()
	if !ok {
		return
	}

	if p.ClientID() == s.OwnerClientID {
		h.EndSession(s, p.ClientID(), protocol.ReasonOwnerDisconnected)
		return
	}

	s.Deliver(func() {
		s.Detach(p)
		p.clearSession()
		h.broadcastParticipants(s)
	})
}

func (h *Hub) handleCreate(p *Peer, c protocol.CreateSession) {
	h.detachFromCurrent(p)

	s := h.registry.Create(c.ClientID)
	p.setClientID(c.ClientID)

	_, snap, _, err := s.Attach(p, "")
	if err != nil {
		// A freshly created session cannot be full or ended.
		h.registry.Delete(s.ID)
		h.sendCommandError(p, err)
		return
	}
	p.setSession(s)

	h.metrics.SessionsActive.Add(context.Background(), 1)
	log.Info().Str("session_id", s.ID).Str("client_id", c.ClientID).Msg("Session created")

	p.Send(protocol.SnapshotEvent{Type: protocol.EventSessionCreated, Snapshot: snap})
}

func (h *Hub) handleJoin(p *Peer, c protocol.JoinSession) {
	h.detachFromCurrent(p)

	s, ok := h.registry.Get(c.SessionID)
	if !ok {
		p.SendError(protocol.CodeSessionNotFound, "session not found")
		return
	}

	p.setClientID(c.ClientID)

	var (
		name       string
		superseded session.Conn
		err        error
	)
	s.Deliver(func() {
		var snap protocol.Snapshot
		name, snap, superseded, err = s.Attach(p, c.Username)
		if err != nil {
			return
		}
		p.setSession(s)
		p.Send(protocol.SnapshotEvent{Type: protocol.EventSessionJoined, Snapshot: snap})
		h.broadcastParticipants(s)
	})
	if err != nil {
		h.sendCommandError(p, err)
		return
	}
	h.closeSuperseded(s, superseded)

	log.Info().Str("session_id", s.ID).Str("client_id", c.ClientID).Str("username", name).Msg("Client joined session")
}

func (h *Hub) handleLeave(p *Peer, c protocol.LeaveSession) {
	s, ok := h.boundSession(p, c.SessionID)
	if !ok {
		return
	}

	// The owner leaving ends the session for everyone.
	if p.ClientID() == s.OwnerClientID {
		h.EndSession(s, p.ClientID(), protocol.ReasonOwnerLeft)
		return
	}

	s.Deliver(func() {
		s.Detach(p)
		p.clearSession()
		p.Send(protocol.SessionLeftEvent{Type: protocol.EventSessionLeft, SessionID: s.ID})
		h.broadcastParticipants(s)
	})
}

func (h *Hub) handleEnd(p *Peer, c protocol.EndSession) {
	s, ok := h.boundSession(p, c.SessionID)
	if !ok {
		return
	}
	if p.ClientID() != s.OwnerClientID {
		p.SendError(protocol.CodeNotOwner, "only the session owner can end the session")
		return
	}

	h.EndSession(s, p.ClientID(), protocol.ReasonEndedByHost)
}

func (h *Hub) handleKick(p *Peer, c protocol.KickUser) {
	s, ok := h.boundSession(p, c.SessionID)
	if !ok {
		return
	}
	if p.ClientID() != s.OwnerClientID {
		p.SendError(protocol.CodeNotOwner, "only the session owner can kick participants")
		return
	}
	if c.TargetClientID == s.OwnerClientID {
		p.SendError(protocol.CodeInvalidMessage, "cannot kick the session owner")
		return
	}

	var found bool
	s.Deliver(func() {
		var target session.Conn
		target, found = s.ConnByClientID(c.TargetClientID)
		if !found {
			return
		}

		s.Detach(target)

		if tp, ok := target.(*Peer); ok {
			tp.clearSession()
			tp.Send(protocol.SessionKickedEvent{Type: protocol.EventSessionKicked, SessionID: s.ID})
			tp.CloseNormal("kicked")
		}
		h.broadcastParticipants(s)
	})
	if !found {
		p.SendError(protocol.CodeTargetNotFound, "target participant is not in the session")
		return
	}

	log.Info().Str("session_id", s.ID).Str("target", c.TargetClientID).Msg("Participant kicked")
}

func (h *Hub) handleChat(p *Peer, c protocol.SendChatMessage) {
	s, ok := h.boundSession(p, c.SessionID)
	if !ok {
		return
	}
	if !p.allowChat(time.Now()) {
		p.SendError(protocol.CodeChatRateLimited, "chat rate limit exceeded")
		return
	}

	name, _ := s.DisplayName(p.ClientID())
	msg := protocol.ChatMessage{
		ID:             uuid.NewString(),
		SenderClientID: p.ClientID(),
		Username:       name,
		Text:           c.Text,
		CreatedAt:      time.Now().UTC(),
	}

	s.Deliver(func() {
		s.AppendChat(msg)
		ev := protocol.ChatMessageEvent{Type: protocol.EventChatMessage, SessionID: s.ID, Message: msg}
		h.broadcast(s.Conns(), ev)
	})

	h.metrics.ChatMessagesTotal.Add(context.Background(), 1)
}

func (h *Hub) handleUpsert(p *Peer, c protocol.UpsertState) {
	s, ok := h.boundSession(p, c.SessionID)
	if !ok {
		return
	}

	var err error
	s.Deliver(func() {
		var ev protocol.SessionUpdatedEvent
		ev, err = s.ApplyUpsert(c)
		if err != nil {
			return
		}

		// Non-senders get the incremental diff; the originator gets an
		// ack carrying the new revision.
		for _, conn := range s.Conns() {
			if conn == session.Conn(p) {
				continue
			}
			conn.Send(ev)
		}
		p.Send(protocol.SyncAckEvent{Type: protocol.EventSessionSyncAck, SessionID: s.ID, Revision: ev.Revision})
	})
	if err != nil {
		h.sendCommandError(p, err)
		return
	}

	h.metrics.StateUpdatesTotal.Add(context.Background(), 1)
}

// EndSession tears a session down for every participant: the registry
// entry goes first so no one can join mid-teardown, every attached peer
// is notified and unbound, and only then are sockets closed.
func (h *Hub) EndSession(s *session.Session, endedBy, reason string) {
	h.registry.Delete(s.ID)

	var peers int
	s.Deliver(func() {
		conns := s.End()
		peers = len(conns)

		ev := protocol.SessionEndedEvent{
			Type:      protocol.EventSessionEnded,
			SessionID: s.ID,
			Reason:    reason,
			EndedBy:   endedBy,
		}
		for _, conn := range conns {
			conn.Send(ev)
		}
		for _, conn := range conns {
			if p, ok := conn.(*Peer); ok {
				p.clearSession()
				p.CloseNormal(reason)
			}
		}
	})

	h.metrics.SessionsActive.Add(context.Background(), -1)
	log.Info().Str("session_id", s.ID).Str("reason", reason).Int("peers", peers).Msg("Session ended")
}

// EndByID adapts EndSession for callers that hold only a session
// reference, such as the idle reaper.
func (h *Hub) EndByID(s *session.Session, reason string) {
	h.EndSession(s, "", reason)
}

// boundSession verifies the peer is attached to the named session.
func (h *Hub) boundSession(p *Peer, sessionID string) (*session.Session, bool) {
	s, ok := p.Bound()
	if !ok || s.ID != sessionID {
		p.SendError(protocol.CodeNotInSession, "not attached to that session")
		return nil, false
	}
	return s, true
}

// detachFromCurrent unbinds a peer from whatever session it is attached
// to, broadcasting the membership change to the old session.
func (h *Hub) detachFromCurrent(p *Peer) {
	s, ok := p.Bound()
	if !ok {
		return
	}
	s.Deliver(func() {
		s.Detach(p)
		p.clearSession()
		h.broadcastParticipants(s)
	})
}

// closeSuperseded disposes the connection displaced when a client
// re-attached with the same clientId. The roster broadcast has already
// gone out without it; all that is left is closing the stale socket.
func (h *Hub) closeSuperseded(s *session.Session, conn session.Conn) {
	if conn == nil {
		return
	}
	if p, ok := conn.(*Peer); ok {
		p.clearSession()
		p.CloseNormal("superseded")
	}
	log.Info().Str("session_id", s.ID).Str("client_id", conn.ClientID()).Msg("Stale connection superseded")
}

// broadcastParticipants sends the current roster to every attached
// connection. Callers serialize via s.Deliver.
func (h *Hub) broadcastParticipants(s *session.Session) {
	ev := protocol.ParticipantsEvent{
		Type:         protocol.EventSessionParticipants,
		SessionID:    s.ID,
		Participants: s.Participants(),
	}
	h.broadcast(s.Conns(), ev)
}

// broadcast fans one event out to an explicit recipient list.
func (h *Hub) broadcast(conns []session.Conn, ev any) {
	h.metrics.BroadcastEventsTotal.Add(context.Background(), int64(len(conns)))
	for _, conn := range conns {
		conn.Send(ev)
	}
}

func (h *Hub) sendCommandError(p *Peer, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		p.SendError(perr.Code, perr.Message)
		return
	}
	p.SendError(protocol.CodeInvalidMessage, err.Error())
}
