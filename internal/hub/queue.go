package hub

import "time"

// Preference values that accept any gender.
const (
	PreferenceAll  = "All"
	PreferenceBoth = "Both"
)

// GenderUnknown is used when neither the stored profile nor the request
// carries a gender.
const GenderUnknown = "Unknown"

// QueueEntry is a snapshot of a waiting session taken when it enqueued.
type QueueEntry struct {
	SessionID   string
	UserID      string
	Gender      string
	Preference  string
	DisplayName string
	Avatar      string
	Country     string
	JoinedAt    time.Time
}

// accepts reports whether preference admits gender.
func accepts(preference, gender string) bool {
	return preference == PreferenceAll || preference == PreferenceBoth || preference == gender
}

// Compatible reports whether two entries may be paired: each side's
// preference must admit the other's gender, and they must belong to
// different users. The relation is symmetric.
func Compatible(a, b QueueEntry) bool {
	if a.UserID == b.UserID {
		return false
	}
	return accepts(a.Preference, b.Gender) && accepts(b.Preference, a.Gender)
}

// Queue is the ordered list of sessions waiting for a partner. A session
// appears at most once. Scans are first-fit in insertion order.
//
// Queue is not safe for concurrent use; the Coordinator serializes access.
type Queue struct {
	entries []QueueEntry
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Remove drops the entry for sessionID. It reports whether one existed.
func (q *Queue) Remove(sessionID string) bool {
	for i, e := range q.entries {
		if e.SessionID == sessionID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Push appends an entry, replacing any existing entry for the same session.
// A replaced entry loses its original position.
func (q *Queue) Push(entry QueueEntry) {
	q.Remove(entry.SessionID)
	q.entries = append(q.entries, entry)
}

// TakeFirstCompatible removes and returns the earliest entry compatible with
// req. Entries for req's own session are never returned.
func (q *Queue) TakeFirstCompatible(req QueueEntry) (QueueEntry, bool) {
	for i, e := range q.entries {
		if e.SessionID == req.SessionID || !Compatible(req, e) {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return e, true
	}
	return QueueEntry{}, false
}

// Contains reports whether sessionID is waiting.
func (q *Queue) Contains(sessionID string) bool {
	for _, e := range q.entries {
		if e.SessionID == sessionID {
			return true
		}
	}
	return false
}

// Len returns the number of waiting sessions.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Entries returns a copy of the queue in order.
func (q *Queue) Entries() []QueueEntry {
	out := make([]QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}
