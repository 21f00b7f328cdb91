package hub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sessionCookie = "cg_session"

// restoreWindow is how long a disconnected client's subscriptions are
// kept for a reconnect with the same session cookie.
const restoreWindow = 30 * time.Second

// SessionStore keeps subscription sets across short reconnects. Entries
// are written on disconnect and expire after restoreWindow.
type SessionStore struct {
	secret []byte

	mu       sync.Mutex
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	subs    map[Channel][]string
	savedAt time.Time
}

// NewSessionStore builds a store keyed by HMAC-signed session ids.
func NewSessionStore(secret string) *SessionStore {
	return &SessionStore{
		secret:   []byte(secret),
		sessions: make(map[string]sessionEntry),
	}
}

// Resolve validates the session cookie on an upgrade request, minting a
// fresh session when the cookie is absent or forged. The second return
// is the Set-Cookie value for new sessions, empty when the cookie was
// accepted as-is.
func (s *SessionStore) Resolve(r *http.Request) (sessionID string, setCookie string) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if id, ok := s.verify(c.Value); ok {
			return id, ""
		}
	}
	id := uuid.NewString()
	return id, sessionCookie + "=" + s.sign(id) + "; Path=/; HttpOnly; SameSite=Lax"
}

// Save stashes a connection's subscriptions, with their symbol
// filters, for later restore.
func (s *SessionStore) Save(sessionID string, subs map[Channel][]string) {
	if len(subs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sessionEntry{subs: subs, savedAt: time.Now()}
	s.sweepLocked()
}

// Restore returns and consumes the saved subscriptions for a session if
// the reconnect happened inside the restore window.
func (s *SessionStore) Restore(sessionID string) map[Channel][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(s.sessions, sessionID)
	if time.Since(entry.savedAt) > restoreWindow {
		return nil
	}
	return entry.subs
}

func (s *SessionStore) sweepLocked() {
	cutoff := time.Now().Add(-restoreWindow)
	for id, entry := range s.sessions {
		if entry.savedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

func (s *SessionStore) sign(id string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (s *SessionStore) verify(value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return "", false
	}
	id, sig := value[:i], value[i+1:]
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(id))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", false
	}
	return id, true
}
