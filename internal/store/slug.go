package store

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const slugMaxLen = 16

// slugify normalizes text into a lowercase [a-z0-9]+ slug with dash
// separators, truncated to slugMaxLen. Returns "" when nothing survives
// normalization.
func slugify(text string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= slugMaxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// randomHex returns n random hex characters.
func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to the clock; uniqueness is re-checked by the caller.
		return hex.EncodeToString([]byte{byte(time.Now().UnixNano())})[:n]
	}
	return hex.EncodeToString(buf)[:n]
}

// fallbackID returns the legacy timestamped id form.
func fallbackID() string {
	return "task-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + randomHex(6)
}

// newIssueID derives a stable id from name (preferred) or title. Slug-based
// ids get a 4-hex suffix with up to 3 collision retries before falling back
// to the legacy timestamped form. Agent issues are prefixed "agent-".
func (s *Store) newIssueID(name, title string, agent bool) string {
	slug := slugify(name)
	if slug == "" {
		slug = slugify(title)
	}

	prefix := ""
	if agent {
		prefix = "agent-"
	}

	if slug == "" {
		return prefix + fallbackID()
	}

	for attempt := 0; attempt <= 3; attempt++ {
		id := prefix + slug + "-" + randomHex(4)
		if _, exists := s.issues[id]; !exists {
			return id
		}
	}
	return prefix + fallbackID()
}
