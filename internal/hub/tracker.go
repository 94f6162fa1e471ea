package hub

// Tracker records which sessions are currently paired. Entries always exist
// in both directions: Partner(a) == b iff Partner(b) == a.
//
// Tracker is not safe for concurrent use; the Coordinator serializes access.
type Tracker struct {
	partners map[string]string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{partners: make(map[string]string)}
}

// Set pairs a and b. Any existing pairing of either side is dissolved first,
// so a stale partner never keeps a one-way entry. Pairing a session with
// itself is ignored.
func (t *Tracker) Set(a, b string) {
	if a == b {
		return
	}
	t.Clear(a)
	t.Clear(b)
	t.partners[a] = b
	t.partners[b] = a
}

// Partner returns the session paired with sessionID.
func (t *Tracker) Partner(sessionID string) (string, bool) {
	p, ok := t.partners[sessionID]
	return p, ok
}

// Clear removes sessionID's pairing in both directions and returns the former
// partner.
func (t *Tracker) Clear(sessionID string) (string, bool) {
	p, ok := t.partners[sessionID]
	if !ok {
		return "", false
	}
	delete(t.partners, sessionID)
	if t.partners[p] == sessionID {
		delete(t.partners, p)
	}
	return p, true
}

// Len returns the number of pairs.
func (t *Tracker) Len() int {
	return len(t.partners) / 2
}
