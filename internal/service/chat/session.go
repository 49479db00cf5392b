package chat

import (
	"sync"
	"time"

	"github.com/zhouzirui/dify-chat/backend/internal/model/chat"
	"github.com/zhouzirui/dify-chat/backend/internal/model/user"
)

// Session is the state owned by one connected client: the signed-in user
// (if any) and the chat transcript.
type Session struct {
	ID        string
	CreatedAt time.Time

	// events serialises user-triggered events so that one exchange runs to
	// completion before the next one starts.
	events sync.Mutex

	mu          sync.RWMutex
	user        *user.Identity
	accessToken string
	transcript  Transcript
	lastSeen    time.Time
	attached    int
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		lastSeen:  now,
	}
}

// BeginEvent blocks until no other event runs on the session and returns the
// function that ends the event.
func (s *Session) BeginEvent() (end func()) {
	s.events.Lock()
	return s.events.Unlock
}

// User returns the authenticated identity, if any.
func (s *Session) User() (user.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return user.Identity{}, false
	}
	return *s.user, true
}

// AccessToken returns the identity backend token of the signed-in user.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// Authenticate attaches an identity and its access token to the session.
func (s *Session) Authenticate(identity user.Identity, accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = &identity
	s.accessToken = accessToken
}

// Reset drops the identity and clears the transcript.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.accessToken = ""
	s.transcript.clear()
}

// Append adds a completed turn to the end of the transcript.
func (s *Session) Append(turn chat.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.append(turn)
}

// Transcript returns a copy of the turns in insertion order.
func (s *Session) Transcript() []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.Turns()
}

// Touch records client activity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen returns the time of the latest client activity.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Attach registers a live connection on the session and returns the function
// that detaches it. Attached sessions are never pruned.
func (s *Session) Attach() (detach func()) {
	s.mu.Lock()
	s.attached++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.attached--
			s.lastSeen = time.Now().UTC()
			s.mu.Unlock()
		})
	}
}

// Attached reports whether a live connection holds the session.
func (s *Session) Attached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attached > 0
}
