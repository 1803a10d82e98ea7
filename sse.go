package mcpforge

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSSERingSize and DefaultHeartbeatInterval mirror spec.md §4.12's
// defaults.
const (
	DefaultSSERingSize       = 5000
	DefaultHeartbeatInterval = 30 * time.Second
)

// SSEEvent is one stored, replayable event (spec.md §3). IDs are
// assigned at store time, monotonically increasing per transport
// instance (I5) — not at send time, so replay order matches store
// order even when delivery to individual sessions races.
type SSEEvent struct {
	ID        int64
	EventType string
	Data      string
	Timestamp time.Time
}

// SSESession is per-connection HTTP/SSE state (spec.md §3): an
// optional type filter, a session id used for unicast sends, and the
// outbox of events waiting to be written. It does not record which
// events the client has already seen; replay on reconnect uses the
// lastEventId the client sends (see ReplaySince).
type SSESession struct {
	ID     string
	Filter string // empty means "no filter": every event type matches

	mu     sync.Mutex
	outbox chan SSEEvent
	closed bool
}

func newSSESession(id, filter string) *SSESession {
	return &SSESession{ID: id, Filter: filter, outbox: make(chan SSEEvent, 256)}
}

func (s *SSESession) matches(eventType string) bool {
	return s.Filter == "" || s.Filter == eventType
}

// enqueue delivers ev to this session's outbox, dropping it and
// returning false if the session is closed or its consumer has fallen
// far enough behind to fill the buffer — a slow client must never block
// delivery to others. Broadcast ignores the result; a dropped event is
// not logged.
func (s *SSESession) enqueue(ev SSEEvent) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case s.outbox <- ev:
		return true
	default:
		return false
	}
}

func (s *SSESession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
}

// SSEHub owns the live session set and the replay ring buffer for one
// HTTP transport instance (spec.md §4.12). Grounded on teacher's
// mcp_sse.go SSEManager/SSEClient, generalized with a bounded ring for
// reconnect replay (the teacher had none) and google/uuid session ids
// in place of the teacher's fmt.Sprintf id scheme. Two separate
// mutexes guard sessions and the ring, matching spec.md §5's "never
// acquired nested in the opposite order" rule — neither lock is ever
// held while acquiring the other.
type SSEHub struct {
	sessionsMu sync.RWMutex
	sessions   map[string]*SSESession

	ringMu      sync.Mutex
	ring        []SSEEvent
	ringSize    int
	nextEventID int64

	heartbeatMu   sync.Mutex
	lastHeartbeat time.Time
}

// NewSSEHub builds a hub with the given replay ring capacity (0 uses
// DefaultSSERingSize).
func NewSSEHub(ringSize int) *SSEHub {
	if ringSize <= 0 {
		ringSize = DefaultSSERingSize
	}
	return &SSEHub{
		sessions: make(map[string]*SSESession),
		ringSize: ringSize,
	}
}

// NewSession registers a new session with a fresh id and returns it.
func (h *SSEHub) NewSession(filter string) *SSESession {
	return h.NewSessionWithID("", filter)
}

// NewSessionWithID registers a session under the caller-supplied id (as
// an HTTP client may declare via the "session_id" query parameter on
// connect, spec.md §4.12, so a later targeted Broadcast can address it)
// or a fresh uuid when id is empty.
func (h *SSEHub) NewSessionWithID(id, filter string) *SSESession {
	if id == "" {
		id = uuid.NewString()
	}
	s := newSSESession(id, filter)
	h.sessionsMu.Lock()
	h.sessions[s.ID] = s
	h.sessionsMu.Unlock()
	return s
}

// RemoveSession unregisters and closes session.
func (h *SSEHub) RemoveSession(id string) {
	h.sessionsMu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.sessionsMu.Unlock()
	if ok {
		s.close()
	}
}

// SessionCount reports the number of live sessions.
func (h *SSEHub) SessionCount() int {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	return len(h.sessions)
}

// Broadcast assigns the next event id, appends to the replay ring
// (evicting the oldest entry on overflow), and delivers to every
// session that matches targetSessionID (if any) and the session's own
// filter (spec.md §4.12). Per spec.md §9 open question (a), a nil/empty
// targetSessionID delivers to every matching session, not just
// sessionless ones.
func (h *SSEHub) Broadcast(eventType, data string, targetSessionID string) SSEEvent {
	ev := h.store(eventType, data)

	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	for id, s := range h.sessions {
		if targetSessionID != "" && targetSessionID != id {
			continue
		}
		if !s.matches(eventType) {
			continue
		}
		s.enqueue(ev)
	}
	return ev
}

// store assigns the next id and appends ev to the ring, independent of
// delivery — I5 requires ids to be assigned at store time.
func (h *SSEHub) store(eventType, data string) SSEEvent {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()

	h.nextEventID++
	ev := SSEEvent{ID: h.nextEventID, EventType: eventType, Data: data, Timestamp: time.Now()}

	h.ring = append(h.ring, ev)
	if len(h.ring) > h.ringSize {
		h.ring = h.ring[len(h.ring)-h.ringSize:]
	}
	return ev
}

// ReplaySince returns every stored event with id > lastEventID matching
// filter, in ascending id order (spec.md §4.12, I5).
func (h *SSEHub) ReplaySince(lastEventID int64, filter string) []SSEEvent {
	h.ringMu.Lock()
	defer h.ringMu.Unlock()

	var out []SSEEvent
	for _, ev := range h.ring {
		if ev.ID <= lastEventID {
			continue
		}
		if filter != "" && filter != ev.EventType {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Heartbeat returns a comment-line payload to write to every session on
// the heartbeat tick, and records the tick time.
func (h *SSEHub) Heartbeat() string {
	h.heartbeatMu.Lock()
	h.lastHeartbeat = time.Now()
	h.heartbeatMu.Unlock()
	return ": heartbeat\n\n"
}

// FormatEvent renders ev in SSE wire format: "id:", optional "event:",
// then "data:", terminated by a blank line (spec.md §4.12).
func FormatEvent(ev SSEEvent) string {
	var out string
	out += fmt.Sprintf("id: %d\n", ev.ID)
	if ev.EventType != "" {
		out += fmt.Sprintf("event: %s\n", ev.EventType)
	}
	out += fmt.Sprintf("data: %s\n\n", ev.Data)
	return out
}
