package session

import (
	"strconv"
	"strings"
)

// resolveName picks the display name for a joining client. The owner is
// always "Host". Everyone else gets their requested name trimmed and
// truncated, falling back to "User", with " 2", " 3", ... appended until
// it no longer collides (case-insensitive) with another current
// participant. The base is shortened so the suffixed name stays within
// the length cap. Caller holds s.mu.
func (s *Session) resolveName(clientID, requested string) string {
	if clientID == s.OwnerClientID {
		return HostName
	}

	base := strings.TrimSpace(requested)
	if base == "" {
		base = DefaultName
	}
	base = truncateName(base, MaxNameLen)

	name := base
	for n := 2; s.nameTakenLocked(clientID, name); n++ {
		suffix := " " + strconv.Itoa(n)
		name = truncateName(base, MaxNameLen-len(suffix)) + suffix
	}
	return name
}

// MaxNameLen caps resolved display names, counted in runes.
const MaxNameLen = 32

// truncateName cuts s to at most max runes, never splitting a multibyte
// rune, and trims any whitespace the cut exposes.
func truncateName(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max]))
}

func (s *Session) nameTakenLocked(clientID, name string) bool {
	lower := strings.ToLower(name)
	for id, existing := range s.names {
		if id == clientID {
			continue
		}
		if strings.ToLower(existing) == lower {
			return true
		}
	}
	return false
}
