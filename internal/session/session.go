// Package session holds the in-memory state of live collaboration
// sessions: the project document, sample library, chat history and
// participant roster for each room, plus the registry that owns them.
//
// Every mutation of one session goes through its methods, which hold the
// session mutex for the whole operation so command handlers never
// interleave partial updates.
package session

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/beatforge/relay/internal/protocol"
)

const (
	// MaxPeers is the concurrent connection cap per session.
	MaxPeers = 12
	// MaxSamples is the sample-library cap per session.
	MaxSamples = 512
	// MaxChatHistory is the chat backlog cap; oldest entries trim first.
	MaxChatHistory = 300
	// MaxSampleBytes caps the decoded audio payload of one sample.
	MaxSampleBytes = 16 << 20
	// MaxStateBytes caps the combined serialized length of projectState
	// and sampleMetadataOverrides.
	MaxStateBytes = 4 << 20

	// HostName is the fixed display name of the session owner.
	HostName = "Host"
	// DefaultName replaces an empty requested username.
	DefaultName = "User"
)

// Conn is the handle a session keeps for each attached connection. The
// relay's peer type implements it; the session itself never writes to
// the network.
type Conn interface {
	ClientID() string
	Send(v any)
}

// Session is one collaborative project room.
type Session struct {
	ID            string
	OwnerClientID string

	// deliverMu serializes an accepted mutation with the fan-out of its
	// event, so the order events reach a peer matches the order the
	// mutations were applied. Always taken before mu, never under it.
	deliverMu sync.Mutex

	mu                      sync.Mutex
	ended                   bool
	revision                int64
	projectState            json.RawMessage
	sampleMetadataOverrides json.RawMessage
	samplesByID             map[string]protocol.Sample
	sampleOrder             []string
	chat                    []protocol.ChatMessage
	names                   map[string]string
	conns                   map[Conn]struct{}
	updatedAt               time.Time
}

func newSession(id, ownerClientID string, now time.Time) *Session {
	return &Session{
		ID:            id,
		OwnerClientID: ownerClientID,
		samplesByID:   make(map[string]protocol.Sample),
		names:         make(map[string]string),
		conns:         make(map[Conn]struct{}),
		updatedAt:     now,
	}
}

// Attach adds a connection to the session, resolving its display name,
// and returns the resolved name together with a snapshot taken under the
// same lock. A connection presenting a clientId that is already attached
// supersedes the old one: the displaced connection is removed and
// returned so the caller can close it, which is how a client reconnects
// after a network blip without waiting for its dead socket to time out.
// Rejected if the session has ended or is at capacity.
func (s *Session) Attach(c Conn, requestedName string) (string, protocol.Snapshot, Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return "", protocol.Snapshot{}, nil, protocol.NewError(protocol.CodeSessionNotFound, "session no longer exists")
	}

	var superseded Conn
	for existing := range s.conns {
		if existing.ClientID() == c.ClientID() {
			superseded = existing
			delete(s.conns, existing)
			break
		}
	}

	if len(s.conns) >= MaxPeers {
		return "", protocol.Snapshot{}, nil, protocol.Errorf(protocol.CodeSessionFull, "session is full (max %d participants)", MaxPeers)
	}

	name := s.resolveName(c.ClientID(), requestedName)
	s.conns[c] = struct{}{}
	s.names[c.ClientID()] = name
	s.updatedAt = time.Now()

	return name, s.snapshotLocked(), superseded, nil
}

// Detach removes a connection. The display-name entry is removed only
// when no other attached connection bears the same clientId, keeping the
// name map keyed exactly by the clientIds still attached. Detach never
// deletes the session itself; an empty session lives on until the idle
// reaper or an explicit end collects it.
func (s *Session) Detach(c Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[c]; !ok {
		return
	}
	delete(s.conns, c)
	s.updatedAt = time.Now()

	for other := range s.conns {
		if other.ClientID() == c.ClientID() {
			return
		}
	}
	delete(s.names, c.ClientID())
}

// Deliver runs fn while holding the session's delivery lock. Handlers
// wrap a mutation together with the sends it triggers, so two concurrent
// commands on the same session can never interleave their fan-out loops
// and hand a peer revision N+1 before N.
func (s *Session) Deliver(fn func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	fn()
}

// End marks the session ended, clears every collection and returns the
// connections that were attached so the caller can notify and close
// them. After End, Attach always fails.
func (s *Session) End() []Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}

	s.ended = true
	s.conns = make(map[Conn]struct{})
	s.names = make(map[string]string)
	s.samplesByID = make(map[string]protocol.Sample)
	s.sampleOrder = nil
	s.chat = nil
	s.projectState = nil
	s.sampleMetadataOverrides = nil

	return conns
}

// Conns returns the currently attached connections.
func (s *Session) Conns() []Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnByClientID finds the attached connection for a client id.
func (s *Session) ConnByClientID(clientID string) (Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.conns {
		if c.ClientID() == clientID {
			return c, true
		}
	}
	return nil, false
}

// DisplayName returns the resolved display name of an attached client.
func (s *Session) DisplayName(clientID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok := s.names[clientID]
	return name, ok
}

// Participants returns the roster sorted host first, then
// case-insensitive by display name.
func (s *Session) Participants() []protocol.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

// AppendChat appends a chat record and trims history to the cap.
func (s *Session) AppendChat(msg protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chat = append(s.chat, msg)
	if len(s.chat) > MaxChatHistory {
		s.chat = s.chat[len(s.chat)-MaxChatHistory:]
	}
	s.updatedAt = time.Now()
}

// Revision returns the current state revision.
func (s *Session) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// PeerCount returns the number of attached connections.
func (s *Session) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SampleCount returns the number of stored samples.
func (s *Session) SampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samplesByID)
}

// ChatLen returns the chat history length.
func (s *Session) ChatLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chat)
}

// IdleSince reports the last-mutation timestamp and whether the session
// currently has zero attached connections.
func (s *Session) IdleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt, len(s.conns) == 0
}

// Snapshot returns the full current session view.
func (s *Session) Snapshot() protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ApplyUpsert validates and applies one upsert_state command atomically.
// Either every part of the update lands and the revision increments by
// exactly one, or nothing changes. The returned event carries only the
// fields the update touched.
func (s *Session) ApplyUpsert(cmd protocol.UpsertState) (protocol.SessionUpdatedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return protocol.SessionUpdatedEvent{}, protocol.NewError(protocol.CodeSessionNotFound, "session no longer exists")
	}

	hasState := len(cmd.ProjectState) > 0
	if hasState {
		if len(cmd.ProjectState)+len(cmd.SampleMetadataOverrides) > MaxStateBytes {
			return protocol.SessionUpdatedEvent{}, protocol.Errorf(protocol.CodePayloadTooLarge,
				"project state exceeds %d bytes", MaxStateBytes)
		}
	}

	// Clean and size-check every incoming sample before touching state.
	cleaned := make([]protocol.Sample, len(cmd.Samples))
	newIDs := 0
	for i, sample := range cmd.Samples {
		data, size, err := protocol.CleanBase64(sample.DataBase64)
		if err != nil {
			return protocol.SessionUpdatedEvent{}, err
		}
		if size > MaxSampleBytes {
			return protocol.SessionUpdatedEvent{}, protocol.Errorf(protocol.CodeSampleTooLarge,
				"sample %q exceeds %d bytes", sample.ID, MaxSampleBytes)
		}
		sample.DataBase64 = data
		cleaned[i] = sample
		if _, exists := s.samplesByID[sample.ID]; !exists {
			newIDs++
		}
	}

	// All-or-nothing: ids already present don't count against the cap,
	// but one overflowing update is rejected in full.
	if len(s.samplesByID)+newIDs > MaxSamples {
		return protocol.SessionUpdatedEvent{}, protocol.Errorf(protocol.CodeSampleLimit,
			"update would exceed %d samples per session", MaxSamples)
	}

	if hasState {
		s.projectState = cmd.ProjectState
		s.sampleMetadataOverrides = cmd.SampleMetadataOverrides
	}
	for _, sample := range cleaned {
		if _, exists := s.samplesByID[sample.ID]; !exists {
			s.sampleOrder = append(s.sampleOrder, sample.ID)
		}
		s.samplesByID[sample.ID] = sample
	}

	s.revision++
	s.updatedAt = time.Now()

	ev := protocol.SessionUpdatedEvent{
		Type:         protocol.EventSessionUpdated,
		SessionID:    s.ID,
		Revision:     s.revision,
		FromClientID: cmd.ClientID,
		Samples:      cleaned,
	}
	if hasState {
		ev.ProjectState = cmd.ProjectState
		ev.SampleMetadataOverrides = cmd.SampleMetadataOverrides
	}
	if len(cleaned) == 0 {
		ev.Samples = nil
	}
	return ev, nil
}

func (s *Session) snapshotLocked() protocol.Snapshot {
	samples := make([]protocol.Sample, 0, len(s.samplesByID))
	for _, id := range s.sampleOrder {
		samples = append(samples, s.samplesByID[id])
	}

	chat := make([]protocol.ChatMessage, len(s.chat))
	copy(chat, s.chat)

	return protocol.Snapshot{
		SessionID:               s.ID,
		OwnerClientID:           s.OwnerClientID,
		Revision:                s.revision,
		ProjectState:            s.projectState,
		SampleMetadataOverrides: s.sampleMetadataOverrides,
		Samples:                 samples,
		ChatMessages:            chat,
		Participants:            s.participantsLocked(),
	}
}

func (s *Session) participantsLocked() []protocol.Participant {
	list := make([]protocol.Participant, 0, len(s.names))
	for clientID, name := range s.names {
		list = append(list, protocol.Participant{
			ClientID: clientID,
			Username: name,
			IsHost:   clientID == s.OwnerClientID,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].IsHost != list[j].IsHost {
			return list[i].IsHost
		}
		return strings.ToLower(list[i].Username) < strings.ToLower(list[j].Username)
	})
	return list
}
