package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/beatforge/relay/internal/protocol"
)

const ownerID = "owner-aaaaaaaaaaaaaa"

type fakeConn struct {
	id     string
	events []any
}

func (f *fakeConn) ClientID() string { return f.id }
func (f *fakeConn) Send(v any)       { f.events = append(f.events, v) }

func newTestSession(t *testing.T) *Session {
	t.Helper()
	r := NewRegistry()
	return r.Create(ownerID)
}

func testSample(id string) protocol.Sample {
	return protocol.Sample{
		ID:         id,
		Name:       "Sample " + id,
		Category:   "kicks",
		MimeType:   "audio/wav",
		DataBase64: "AAAA",
	}
}

func seedSamples(t *testing.T, s *Session, count int) {
	t.Helper()
	for added := 0; added < count; {
		batch := min(protocol.MaxSamplesPerMsg, count-added)
		samples := make([]protocol.Sample, batch)
		for i := range samples {
			samples[i] = testSample(fmt.Sprintf("seed-%d", added+i))
		}
		_, err := s.ApplyUpsert(protocol.UpsertState{
			ClientID:  ownerID,
			SessionID: s.ID,
			Samples:   samples,
		})
		require.NoError(t, err)
		added += batch
	}
}

func TestAttach_ownerNameIsHost(t *testing.T) {
	s := newTestSession(t)

	name, snap, _, err := s.Attach(&fakeConn{id: ownerID}, "ignored")
	require.NoError(t, err)
	require.Equal(t, "Host", name)
	require.Equal(t, int64(0), snap.Revision)
	require.Empty(t, snap.Samples)
	require.Empty(t, snap.ChatMessages)
	require.Equal(t, []protocol.Participant{
		{ClientID: ownerID, Username: "Host", IsHost: true},
	}, snap.Participants)
}

func TestAttach_usernameCollisions(t *testing.T) {
	s := newTestSession(t)

	_, _, _, err := s.Attach(&fakeConn{id: ownerID}, "")
	require.NoError(t, err)

	names := make([]string, 0, 4)
	for i := range 4 {
		id := fmt.Sprintf("guest-%d-aaaaaaaaaaaa", i)
		name, _, _, err := s.Attach(&fakeConn{id: id}, "Alice")
		require.NoError(t, err)
		names = append(names, name)
	}
	require.Equal(t, []string{"Alice", "Alice 2", "Alice 3", "Alice 4"}, names)
}

func TestAttach_collisionIsCaseInsensitive(t *testing.T) {
	s := newTestSession(t)

	name, _, _, err := s.Attach(&fakeConn{id: "guest-1-aaaaaaaaaaaa"}, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", name)

	name, _, _, err = s.Attach(&fakeConn{id: "guest-2-aaaaaaaaaaaa"}, "ALICE")
	require.NoError(t, err)
	require.Equal(t, "ALICE 2", name)
}

func TestAttach_emptyUsernameDefaults(t *testing.T) {
	s := newTestSession(t)

	name, _, _, err := s.Attach(&fakeConn{id: "guest-1-aaaaaaaaaaaa"}, "   ")
	require.NoError(t, err)
	require.Equal(t, "User", name)
}

func TestAttach_longNameTruncatedForSuffix(t *testing.T) {
	s := newTestSession(t)

	long := strings.Repeat("x", 40)
	name, _, _, err := s.Attach(&fakeConn{id: "guest-1-aaaaaaaaaaaa"}, long)
	require.NoError(t, err)
	require.Len(t, name, MaxNameLen)

	name2, _, _, err := s.Attach(&fakeConn{id: "guest-2-aaaaaaaaaaaa"}, long)
	require.NoError(t, err)
	require.LessOrEqual(t, len(name2), MaxNameLen)
	require.True(t, strings.HasSuffix(name2, " 2"))
}

func TestAttach_capacity(t *testing.T) {
	s := newTestSession(t)

	for i := range MaxPeers {
		_, _, _, err := s.Attach(&fakeConn{id: fmt.Sprintf("guest-%02d-aaaaaaaaaaa", i)}, "user")
		require.NoError(t, err)
	}
	require.Equal(t, MaxPeers, s.PeerCount())

	_, _, _, err := s.Attach(&fakeConn{id: "guest-13-aaaaaaaaaaa"}, "late")
	require.Error(t, err)

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.CodeSessionFull, perr.Code)
	require.Equal(t, MaxPeers, s.PeerCount())
}

func TestAttach_sameClientIDSupersedes(t *testing.T) {
	s := newTestSession(t)
	c1 := &fakeConn{id: "guest-1-aaaaaaaaaaaa"}
	c2 := &fakeConn{id: "guest-1-aaaaaaaaaaaa"}

	_, _, superseded, err := s.Attach(c1, "Alice")
	require.NoError(t, err)
	require.Nil(t, superseded)

	// A second connection with the same clientId displaces the first.
	name, _, superseded, err := s.Attach(c2, "Alice")
	require.NoError(t, err)
	require.Same(t, c1, superseded)
	require.Equal(t, "Alice", name)
	require.Equal(t, 1, s.PeerCount())

	// Detaching the displaced connection must not strip the live one's
	// name-map entry.
	s.Detach(c1)
	displayName, ok := s.DisplayName("guest-1-aaaaaaaaaaaa")
	require.True(t, ok)
	require.Equal(t, "Alice", displayName)
	require.Equal(t, 1, s.PeerCount())

	participants := s.Participants()
	require.Len(t, participants, 1)
	require.Equal(t, "Alice", participants[0].Username)
}

func TestAttach_supersedeAtCapacity(t *testing.T) {
	s := newTestSession(t)

	for i := range MaxPeers {
		_, _, _, err := s.Attach(&fakeConn{id: fmt.Sprintf("guest-%02d-aaaaaaaaaaa", i)}, "user")
		require.NoError(t, err)
	}

	// Reconnecting an existing clientId does not count as a new peer.
	_, _, superseded, err := s.Attach(&fakeConn{id: "guest-00-aaaaaaaaaaa"}, "user")
	require.NoError(t, err)
	require.NotNil(t, superseded)
	require.Equal(t, MaxPeers, s.PeerCount())
}

func TestAttach_multibyteNameTruncation(t *testing.T) {
	s := newTestSession(t)
	requested := "a" + strings.Repeat("é", 15)

	name, _, _, err := s.Attach(&fakeConn{id: "guest-1-aaaaaaaaaaaa"}, requested)
	require.NoError(t, err)
	require.Equal(t, requested, name)

	// The collision suffix shortens the base on a rune boundary, never
	// mid-rune.
	name2, _, _, err := s.Attach(&fakeConn{id: "guest-2-aaaaaaaaaaaa"}, requested)
	require.NoError(t, err)
	require.True(t, utf8.ValidString(name2))
	require.True(t, strings.HasSuffix(name2, " 2"))
	require.LessOrEqual(t, utf8.RuneCountInString(name2), MaxNameLen)

	long := strings.Repeat("é", MaxNameLen+5)
	name3, _, _, err := s.Attach(&fakeConn{id: "guest-3-aaaaaaaaaaaa"}, long)
	require.NoError(t, err)
	require.True(t, utf8.ValidString(name3))
	require.Equal(t, MaxNameLen, utf8.RuneCountInString(name3))
}

func TestDetach_keepsSessionAlive(t *testing.T) {
	s := newTestSession(t)
	c := &fakeConn{id: "guest-1-aaaaaaaaaaaa"}

	_, _, _, err := s.Attach(c, "Alice")
	require.NoError(t, err)
	s.Detach(c)

	require.Equal(t, 0, s.PeerCount())
	require.Empty(t, s.Participants())

	// An empty session is only collected by the reaper or an explicit end.
	_, empty := s.IdleSince()
	require.True(t, empty)
}

func TestParticipants_sortedHostFirst(t *testing.T) {
	s := newTestSession(t)

	_, _, _, err := s.Attach(&fakeConn{id: "guest-1-aaaaaaaaaaaa"}, "zoe")
	require.NoError(t, err)
	_, _, _, err = s.Attach(&fakeConn{id: ownerID}, "")
	require.NoError(t, err)
	_, _, _, err = s.Attach(&fakeConn{id: "guest-2-aaaaaaaaaaaa"}, "Bob")
	require.NoError(t, err)

	participants := s.Participants()
	require.Len(t, participants, 3)
	require.True(t, participants[0].IsHost)
	require.Equal(t, "Host", participants[0].Username)
	require.Equal(t, "Bob", participants[1].Username)
	require.Equal(t, "zoe", participants[2].Username)
}

func TestApplyUpsert_revisionCountsAcceptedCalls(t *testing.T) {
	s := newTestSession(t)

	state := json.RawMessage(`{"bpm":120}`)
	overrides := json.RawMessage(`{}`)

	for i := range 3 {
		ev, err := s.ApplyUpsert(protocol.UpsertState{
			ClientID:                ownerID,
			SessionID:               s.ID,
			ProjectState:            state,
			SampleMetadataOverrides: overrides,
		})
		require.NoError(t, err)
		require.Equal(t, int64(i+1), ev.Revision)
	}

	// A rejected call never moves the revision.
	_, err := s.ApplyUpsert(protocol.UpsertState{
		ClientID:  ownerID,
		SessionID: s.ID,
		Samples: []protocol.Sample{{
			ID: "bad", Name: "Bad", Category: "kicks", MimeType: "audio/wav",
			DataBase64: "!!not-base64!!",
		}},
	})
	require.Error(t, err)
	require.Equal(t, int64(3), s.Revision())
}

func TestApplyUpsert_upsertsByID(t *testing.T) {
	s := newTestSession(t)

	_, err := s.ApplyUpsert(protocol.UpsertState{
		ClientID: ownerID, SessionID: s.ID,
		Samples: []protocol.Sample{testSample("s1"), testSample("s2")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.SampleCount())

	// Same id replaces, count unchanged.
	replacement := testSample("s1")
	replacement.Name = "Renamed"
	_, err = s.ApplyUpsert(protocol.UpsertState{
		ClientID: ownerID, SessionID: s.ID,
		Samples: []protocol.Sample{replacement},
	})
	require.NoError(t, err)
	require.Equal(t, 2, s.SampleCount())

	snap := s.Snapshot()
	require.Equal(t, "Renamed", snap.Samples[0].Name)
	require.Equal(t, int64(2), snap.Revision)
}

func TestApplyUpsert_sampleCapAllOrNothing(t *testing.T) {
	s := newTestSession(t)
	seedSamples(t, s, 500)
	revBefore := s.Revision()

	samples := make([]protocol.Sample, 13)
	for i := range samples {
		samples[i] = testSample(fmt.Sprintf("new-%d", i))
	}
	_, err := s.ApplyUpsert(protocol.UpsertState{
		ClientID: ownerID, SessionID: s.ID, Samples: samples,
	})
	require.Error(t, err)

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.CodeSampleLimit, perr.Code)
	require.Equal(t, 500, s.SampleCount())
	require.Equal(t, revBefore, s.Revision())
}

func TestApplyUpsert_duplicateIDsDontCountAgainstCap(t *testing.T) {
	s := newTestSession(t)
	seedSamples(t, s, MaxSamples)

	// Replacing existing ids at the cap is fine.
	_, err := s.ApplyUpsert(protocol.UpsertState{
		ClientID: ownerID, SessionID: s.ID,
		Samples: []protocol.Sample{testSample("seed-0"), testSample("seed-1")},
	})
	require.NoError(t, err)
	require.Equal(t, MaxSamples, s.SampleCount())

	// One genuinely new id is not.
	_, err = s.ApplyUpsert(protocol.UpsertState{
		ClientID: ownerID, SessionID: s.ID,
		Samples: []protocol.Sample{testSample("brand-new")},
	})
	require.Error(t, err)
}

func TestApplyUpsert_oversizeStateRejected(t *testing.T) {
	s := newTestSession(t)

	big := json.RawMessage(`"` + strings.Repeat("x", MaxStateBytes) + `"`)
	_, err := s.ApplyUpsert(protocol.UpsertState{
		ClientID: ownerID, SessionID: s.ID,
		ProjectState:            big,
		SampleMetadataOverrides: json.RawMessage(`{}`),
	})
	require.Error(t, err)

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.CodePayloadTooLarge, perr.Code)
	require.Equal(t, int64(0), s.Revision())
}

func TestAppendChat_trimsOldestFirst(t *testing.T) {
	s := newTestSession(t)

	for i := range MaxChatHistory + 10 {
		s.AppendChat(protocol.ChatMessage{
			ID:   fmt.Sprintf("msg-%d", i),
			Text: fmt.Sprintf("message %d", i),
		})
	}

	require.Equal(t, MaxChatHistory, s.ChatLen())

	snap := s.Snapshot()
	require.Equal(t, "msg-10", snap.ChatMessages[0].ID)
	require.Equal(t, fmt.Sprintf("msg-%d", MaxChatHistory+9), snap.ChatMessages[len(snap.ChatMessages)-1].ID)
}

func TestEnd_clearsEverything(t *testing.T) {
	s := newTestSession(t)
	a := &fakeConn{id: ownerID}
	b := &fakeConn{id: "guest-1-aaaaaaaaaaaa"}

	_, _, _, err := s.Attach(a, "")
	require.NoError(t, err)
	_, _, _, err = s.Attach(b, "Alice")
	require.NoError(t, err)

	seedSamples(t, s, 3)
	s.AppendChat(protocol.ChatMessage{ID: "m1", Text: "hi"})

	conns := s.End()
	require.Len(t, conns, 2)
	require.Equal(t, 0, s.PeerCount())
	require.Equal(t, 0, s.SampleCount())
	require.Equal(t, 0, s.ChatLen())

	// No one can attach after the session ended.
	_, _, _, err = s.Attach(&fakeConn{id: "guest-2-aaaaaaaaaaaa"}, "late")
	require.Error(t, err)
}

func TestIdleSince_updatedByMutations(t *testing.T) {
	s := newTestSession(t)

	before, empty := s.IdleSince()
	require.True(t, empty)

	time.Sleep(2 * time.Millisecond)
	s.AppendChat(protocol.ChatMessage{ID: "m1"})

	after, _ := s.IdleSince()
	require.True(t, after.After(before))
}
