// Package protocol defines the wire format spoken between the relay and
// its clients: the closed set of inbound commands, the outbound event
// frames, and strict validation of everything a client sends.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound command types. Anything outside this set is rejected.
const (
	TypeCreateSession   = "create_session"
	TypeJoinSession     = "join_session"
	TypeLeaveSession    = "leave_session"
	TypeEndSession      = "end_session"
	TypeKickUser        = "kick_user"
	TypeSendChatMessage = "send_chat_message"
	TypeUpsertState     = "upsert_state"
)

// Outbound event types.
const (
	EventSessionCreated      = "session_created"
	EventSessionJoined       = "session_joined"
	EventSessionLeft         = "session_left"
	EventSessionKicked       = "session_kicked"
	EventSessionEnded        = "session_ended"
	EventSessionParticipants = "session_participants"
	EventSessionUpdated      = "session_updated"
	EventSessionSyncAck      = "session_sync_ack"
	EventChatMessage         = "chat_message"
	EventError               = "error"
)

// Sample is one sample-library entry as carried on the wire. DataBase64
// holds the encoded audio payload; Decode normalises it (whitespace
// stripped) before the record is stored.
type Sample struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Category   string   `json:"category"`
	Tags       []string `json:"tags,omitempty"`
	BPM        *float64 `json:"bpm,omitempty"`
	MusicalKey string   `json:"musicalKey,omitempty"`
	MimeType   string   `json:"mimeType"`
	DataBase64 string   `json:"dataBase64"`
}

// ChatMessage is one chat history entry.
type ChatMessage struct {
	ID             string    `json:"id"`
	SenderClientID string    `json:"senderClientId"`
	Username       string    `json:"username"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Participant is one entry of the participant list broadcast on every
// membership change. The list is sorted host first, then by username.
type Participant struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	IsHost   bool   `json:"isHost"`
}

// Snapshot is the full session view sent on create and join.
type Snapshot struct {
	SessionID               string          `json:"sessionId"`
	OwnerClientID           string          `json:"ownerClientId"`
	Revision                int64           `json:"revision"`
	ProjectState            json.RawMessage `json:"projectState"`
	SampleMetadataOverrides json.RawMessage `json:"sampleMetadataOverrides"`
	Samples                 []Sample        `json:"samples"`
	ChatMessages            []ChatMessage   `json:"chatMessages"`
	Participants            []Participant   `json:"participants"`
}

// Command is one validated inbound frame.
type Command interface {
	isCommand()
}

type CreateSession struct {
	ClientID string
}

type JoinSession struct {
	ClientID  string
	SessionID string
	Username  string
}

type LeaveSession struct {
	ClientID  string
	SessionID string
}

type EndSession struct {
	ClientID  string
	SessionID string
}

type KickUser struct {
	ClientID       string
	SessionID      string
	TargetClientID string
}

type SendChatMessage struct {
	ClientID  string
	SessionID string
	Text      string
}

type UpsertState struct {
	ClientID                string
	SessionID               string
	ProjectState            json.RawMessage
	SampleMetadataOverrides json.RawMessage
	Samples                 []Sample
}

func (CreateSession) isCommand()   {}
func (JoinSession) isCommand()     {}
func (LeaveSession) isCommand()    {}
func (EndSession) isCommand()      {}
func (KickUser) isCommand()        {}
func (SendChatMessage) isCommand() {}
func (UpsertState) isCommand()     {}

// Outbound frames. Snapshot-bearing events flatten the snapshot fields
// into the frame so clients read one level deep.

type SnapshotEvent struct {
	Type string `json:"type"`
	Snapshot
}

type SessionLeftEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type SessionKickedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type SessionEndedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
	EndedBy   string `json:"endedBy,omitempty"`
}

type ParticipantsEvent struct {
	Type         string        `json:"type"`
	SessionID    string        `json:"sessionId"`
	Participants []Participant `json:"participants"`
}

// SessionUpdatedEvent carries only the fields changed by one accepted
// upsert_state, alongside the new revision.
type SessionUpdatedEvent struct {
	Type                    string          `json:"type"`
	SessionID               string          `json:"sessionId"`
	Revision                int64           `json:"revision"`
	FromClientID            string          `json:"fromClientId"`
	ProjectState            json.RawMessage `json:"projectState,omitempty"`
	SampleMetadataOverrides json.RawMessage `json:"sampleMetadataOverrides,omitempty"`
	Samples                 []Sample        `json:"samples,omitempty"`
}

type SyncAckEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Revision  int64  `json:"revision"`
}

type ChatMessageEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   ChatMessage `json:"message"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Session end reasons.
const (
	ReasonOwnerLeft         = "owner_left"
	ReasonEndedByHost       = "ended_by_host"
	ReasonOwnerDisconnected = "owner_disconnected"
	ReasonExpired           = "expired"
)
