package protocol

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Validation limits, counted in characters (runes) where they bound
// user-visible text. These are protocol constants, not configuration.
const (
	MaxUsernameLen   = 32
	MaxChatLen       = 500
	MaxSamplesPerMsg = 16
	MaxSampleIDLen   = 256
	MaxSampleNameLen = 120
	MaxTags          = 32
	MaxTagLen        = 48
	MaxMusicalKeyLen = 16
	MinBPM           = 20
	MaxBPM           = 320
)

var (
	clientIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{16,80}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{24,80}$`)
)

// sampleCategories is the closed set the pad client organises its
// library by.
var sampleCategories = map[string]bool{
	"kicks":         true,
	"808s":          true,
	"loops":         true,
	"one shots":     true,
	"chops":         true,
	"hats":          true,
	"snares":        true,
	"fx":            true,
	"crash":         true,
	"tom":           true,
	"bass":          true,
	"vox":           true,
	"vocals":        true,
	"uncategorized": true,
}

var audioMimeTypes = map[string]bool{
	"audio/wav":    true,
	"audio/x-wav":  true,
	"audio/wave":   true,
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/mp4":    true,
	"audio/aac":    true,
	"audio/ogg":    true,
	"audio/webm":   true,
	"audio/flac":   true,
	"audio/aiff":   true,
	"audio/x-aiff": true,
}

// frame is the superset shape every inbound message decodes into before
// per-type validation.
type frame struct {
	Type                    string          `json:"type"`
	ClientID                string          `json:"clientId"`
	SessionID               string          `json:"sessionId"`
	Username                string          `json:"username"`
	TargetClientID          string          `json:"targetClientId"`
	Text                    string          `json:"text"`
	ProjectState            json.RawMessage `json:"projectState"`
	SampleMetadataOverrides json.RawMessage `json:"sampleMetadataOverrides"`
	Samples                 []Sample        `json:"samples"`
}

// Decode parses raw bytes from a connection into a typed command, or
// returns a *Error describing the first violation found. The caller
// reports the failure to the sender only; decoding never terminates the
// connection.
func Decode(raw []byte) (Command, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, NewError(CodeInvalidMessage, "frame is not a JSON object")
	}

	if !clientIDPattern.MatchString(f.ClientID) {
		return nil, NewError(CodeInvalidMessage, "clientId is missing or malformed")
	}

	switch f.Type {
	case TypeCreateSession:
		return CreateSession{ClientID: f.ClientID}, nil

	case TypeJoinSession:
		if err := validSessionID(f.SessionID); err != nil {
			return nil, err
		}
		username := strings.TrimSpace(f.Username)
		if username == "" || utf8.RuneCountInString(username) > MaxUsernameLen {
			return nil, NewError(CodeInvalidMessage, "username must be 1-32 characters")
		}
		return JoinSession{ClientID: f.ClientID, SessionID: f.SessionID, Username: username}, nil

	case TypeLeaveSession:
		if err := validSessionID(f.SessionID); err != nil {
			return nil, err
		}
		return LeaveSession{ClientID: f.ClientID, SessionID: f.SessionID}, nil

	case TypeEndSession:
		if err := validSessionID(f.SessionID); err != nil {
			return nil, err
		}
		return EndSession{ClientID: f.ClientID, SessionID: f.SessionID}, nil

	case TypeKickUser:
		if err := validSessionID(f.SessionID); err != nil {
			return nil, err
		}
		if !clientIDPattern.MatchString(f.TargetClientID) {
			return nil, NewError(CodeInvalidMessage, "targetClientId is missing or malformed")
		}
		return KickUser{ClientID: f.ClientID, SessionID: f.SessionID, TargetClientID: f.TargetClientID}, nil

	case TypeSendChatMessage:
		if err := validSessionID(f.SessionID); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(f.Text)
		if text == "" || utf8.RuneCountInString(text) > MaxChatLen {
			return nil, NewError(CodeInvalidMessage, "chat text must be 1-500 characters")
		}
		return SendChatMessage{ClientID: f.ClientID, SessionID: f.SessionID, Text: text}, nil

	case TypeUpsertState:
		if err := validSessionID(f.SessionID); err != nil {
			return nil, err
		}
		return decodeUpsert(f)

	default:
		return nil, Errorf(CodeInvalidMessage, "unknown message type %q", f.Type)
	}
}

func validSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return NewError(CodeInvalidMessage, "sessionId is missing or malformed")
	}
	return nil
}

func decodeUpsert(f frame) (Command, error) {
	hasState := len(f.ProjectState) > 0
	hasOverrides := len(f.SampleMetadataOverrides) > 0

	// projectState and sampleMetadataOverrides travel as a pair; a
	// partial pair is rejected so the stored values never drift apart.
	if hasState != hasOverrides {
		return nil, NewError(CodeInvalidMessage, "projectState and sampleMetadataOverrides must be provided together")
	}
	if !hasState && len(f.Samples) == 0 {
		return nil, NewError(CodeInvalidMessage, "upsert_state requires projectState+sampleMetadataOverrides or samples")
	}
	if len(f.Samples) > MaxSamplesPerMsg {
		return nil, Errorf(CodeInvalidMessage, "too many samples in one update (max %d)", MaxSamplesPerMsg)
	}
	for i := range f.Samples {
		if err := validateSample(&f.Samples[i]); err != nil {
			return nil, err
		}
	}

	return UpsertState{
		ClientID:                f.ClientID,
		SessionID:               f.SessionID,
		ProjectState:            f.ProjectState,
		SampleMetadataOverrides: f.SampleMetadataOverrides,
		Samples:                 f.Samples,
	}, nil
}

func validateSample(s *Sample) error {
	if s.ID == "" || utf8.RuneCountInString(s.ID) > MaxSampleIDLen {
		return NewError(CodeInvalidMessage, "sample id must be 1-256 characters")
	}
	if s.Name == "" || utf8.RuneCountInString(s.Name) > MaxSampleNameLen {
		return Errorf(CodeInvalidMessage, "sample %q name must be 1-120 characters", s.ID)
	}
	if !sampleCategories[s.Category] {
		return Errorf(CodeInvalidMessage, "sample %q has unknown category %q", s.ID, s.Category)
	}
	if len(s.Tags) > MaxTags {
		return Errorf(CodeInvalidMessage, "sample %q has too many tags (max %d)", s.ID, MaxTags)
	}
	for _, tag := range s.Tags {
		if utf8.RuneCountInString(tag) > MaxTagLen {
			return Errorf(CodeInvalidMessage, "sample %q tag exceeds %d characters", s.ID, MaxTagLen)
		}
	}
	if s.BPM != nil && (*s.BPM < MinBPM || *s.BPM > MaxBPM) {
		return Errorf(CodeInvalidMessage, "sample %q bpm must be between %d and %d", s.ID, MinBPM, MaxBPM)
	}
	if utf8.RuneCountInString(s.MusicalKey) > MaxMusicalKeyLen {
		return Errorf(CodeInvalidMessage, "sample %q musicalKey exceeds %d characters", s.ID, MaxMusicalKeyLen)
	}
	if !audioMimeTypes[s.MimeType] {
		return Errorf(CodeInvalidMessage, "sample %q has unsupported mime type %q", s.ID, s.MimeType)
	}
	if s.DataBase64 == "" {
		return Errorf(CodeInvalidMessage, "sample %q has empty audio data", s.ID)
	}
	return nil
}

// CleanBase64 strips whitespace from encoded audio data and verifies it
// decodes, returning the cleaned encoding and the decoded byte count.
func CleanBase64(data string) (string, int, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, data)
	if cleaned == "" {
		return "", 0, NewError(CodeInvalidBase64, "sample data is empty")
	}

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Tolerate unpadded input.
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return "", 0, NewError(CodeInvalidBase64, "sample data is not valid base64")
		}
	}
	return cleaned, len(decoded), nil
}
