package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session attribute keys written when a client starts.
const (
	AttrPlatform    = "platform"
	AttrSessionID   = "session_id"
	AttrAppName     = "app_name"
	AttrAppVersion  = "app_version"
	AttrEnvironment = "environment"
)

// User identifies the end user of the application.
type User struct {
	ID         string
	Attributes Attributes
}

// ContextStore holds the session and user mappings read by the envelope builder.
// Each call is atomic on its own; concurrent writers interleave per call.
type ContextStore struct {
	mu      sync.RWMutex
	session Attributes
	user    Attributes
}

// NewContextStore creates a store seeded with the given session attributes and an
// empty user.
func NewContextStore(session Attributes) *ContextStore {
	return &ContextStore{
		session: session.Clone(),
		user:    Attributes{},
	}
}

// SetSession merges attrs into the session mapping. Later writes win per key.
func (s *ContextStore) SetSession(attrs Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = s.session.Merge(attrs)
}

// AddSessionAttribute sets a single session key.
func (s *ContextStore) AddSessionAttribute(key string, value interface{}) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session[key] = ValueOf(value)
}

// SetUser replaces the whole user mapping with {id, ...attributes}. An "id" key inside
// the attributes overrides u.ID.
func (s *ContextStore) SetUser(u User) {
	user := make(Attributes, len(u.Attributes)+1)
	if u.ID != "" {
		user["id"] = String(u.ID)
	}
	for k, v := range u.Attributes.Clone() {
		user[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// ClearUser replaces the user mapping with an empty one, e.g. on logout.
func (s *ContextStore) ClearUser() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = Attributes{}
}

// Session returns a deep copy of the session mapping.
func (s *ContextStore) Session() Attributes {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// User returns a deep copy of the user mapping.
func (s *ContextStore) User() Attributes {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Clone()
}

// Snapshot returns copies of both mappings taken under one lock.
func (s *ContextStore) Snapshot() (session, user Attributes) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone(), s.user.Clone()
}

// NewSessionID builds a session id of the form <platform>-<unix ms>-<random>.
func NewSessionID(platform string, now time.Time) string {
	if platform == "" {
		platform = "go"
	}
	return fmt.Sprintf("%s-%d-%s", platform, now.UnixMilli(), uuid.NewString()[:8])
}
