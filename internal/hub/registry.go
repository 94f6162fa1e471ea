package hub

import "sort"

// Registry maps live transport sessions to the user they are bound to and
// back. A session is registered on connect with no user; identify binds it.
// A user may hold any number of sessions (several tabs or devices).
//
// Registry is not safe for concurrent use; the Coordinator serializes access.
type Registry struct {
	sessions map[string]string              // session_id -> user_id ("" until identified)
	users    map[string]map[string]struct{} // user_id -> set of session_id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]string),
		users:    make(map[string]map[string]struct{}),
	}
}

// Register adds a session with no bound user. It returns false if the session
// was already registered, in which case nothing changes.
func (r *Registry) Register(sessionID string) bool {
	if _, ok := r.sessions[sessionID]; ok {
		return false
	}
	r.sessions[sessionID] = ""
	return true
}

// BindUser associates a registered session with userID, moving it out of the
// set of any user it was previously bound to. It returns false if the session
// is not registered.
func (r *Registry) BindUser(sessionID, userID string) bool {
	prev, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if prev == userID {
		return true
	}
	if prev != "" {
		r.detach(prev, sessionID)
	}

	r.sessions[sessionID] = userID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[sessionID] = struct{}{}
	return true
}

// Unregister removes a session and returns the user it was bound to. The
// second result is false if the session was not registered.
func (r *Registry) Unregister(sessionID string) (string, bool) {
	userID, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	delete(r.sessions, sessionID)
	if userID != "" {
		r.detach(userID, sessionID)
	}
	return userID, true
}

func (r *Registry) detach(userID, sessionID string) {
	set := r.users[userID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.users, userID)
	}
}

// UserOf returns the user bound to sessionID. The second result reports
// whether the session is registered at all; an unidentified session returns
// ("", true).
func (r *Registry) UserOf(sessionID string) (string, bool) {
	userID, ok := r.sessions[sessionID]
	return userID, ok
}

// Has reports whether sessionID is registered.
func (r *Registry) Has(sessionID string) bool {
	_, ok := r.sessions[sessionID]
	return ok
}

// SessionsForUser returns the sessions bound to userID in sorted order.
func (r *Registry) SessionsForUser(userID string) []string {
	set := r.users[userID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered sessions, which is the presence
// count.
func (r *Registry) Count() int {
	return len(r.sessions)
}

// Sessions returns every registered session in sorted order.
func (r *Registry) Sessions() []string {
	out := make([]string, 0, len(r.sessions))
	for sid := range r.sessions {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}
