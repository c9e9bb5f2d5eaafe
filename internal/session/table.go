// Package session tracks per-transaction (xid) DHCP proxy state.
//
// Table is the sole shared mutable state between the DHCP listener
// goroutines (see internal/dhcpproxy); every exported method is serialized
// by a single mutex and never performs I/O while holding it (spec.md §5).
package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"inet.af/netaddr"
)

// State is where a session sits in the DHCP proxy's per-xid state machine.
// Transitions are monotonic: AwaitingAuthoritativeOffer -> OfferSent ->
// AckSent. Declined and TimedOut are terminal off-ramps.
type State int

// States, in the order spec.md §3 lists them.
const (
	AwaitingAuthoritativeOffer State = iota
	OfferSent
	AckSent
	Declined
	TimedOut
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case AwaitingAuthoritativeOffer:
		return "AwaitingAuthoritativeOffer"
	case OfferSent:
		return "OfferSent"
	case AckSent:
		return "AckSent"
	case Declined:
		return "Declined"
	case TimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// AuthoritativeOffer is what was learned from the third-party server's
// OFFER for this xid.
type AuthoritativeOffer struct {
	YIAddr     net.IP
	SubnetMask net.IPMask
	LeaseTime  uint32
	ServerID   net.IP
}

// Session is the per-xid state the proxy state machine tracks.
type Session struct {
	Xid               uint32
	ClientMAC         net.HardwareAddr
	ClientClassID     string
	ClientArch        uint16
	HasClientArch     bool
	ClientHType       byte
	ClientUUID        uuid.UUID
	HasClientUUID     bool
	ClientRequestedIP net.IP // option 50, from the client's own DISCOVER/REQUEST
	OurOfferSentAt    time.Time
	Authoritative     *AuthoritativeOffer
	State             State
	CreatedAt         time.Time
	LastUpdatedAt     time.Time
	ReceivedOnIface   netaddr.IP // IPv4 of the interface that saw the client's DISCOVER
}

// age reports how long ago the session was created, relative to now.
func (s *Session) age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// ErrAtCapacity is returned by Upsert when creating a new session would
// exceed MaxSessions and the oldest session is too young (<= evictAge) to
// be evicted to make room.
var ErrAtCapacity = errors.New("session: table at capacity")

// ttl is the session time-to-live enforced by Reap (spec.md §5).
const ttl = 180 * time.Second

// reapInterval is the cadence the supervisor should call Reap at (spec.md §4.3).
const reapInterval = 5 * time.Second

// evictAge is the minimum age a session must reach before Upsert is allowed
// to evict it to make room for a new one (spec.md §4.3).
const evictAge = 30 * time.Second

// ReapInterval returns the cadence a caller should invoke Reap at.
func ReapInterval() time.Duration { return reapInterval }

// TTL returns the session time-to-live.
func TTL() time.Duration { return ttl }

// Mutator mutates a session in place under Table's lock. It must not block
// or perform I/O.
type Mutator func(*Session)

// Table is a bounded, mutex-guarded xid -> Session map.
type Table struct {
	mu          sync.Mutex
	sessions    map[uint32]*Session
	order       []uint32 // insertion order, oldest first; used for capacity eviction
	maxSessions int
}

// NewTable returns a Table bounded to maxSessions entries. maxSessions <= 0
// defaults to 500 (spec.md §3's default).
func NewTable(maxSessions int) *Table {
	if maxSessions <= 0 {
		maxSessions = 500
	}

	return &Table{
		sessions:    make(map[uint32]*Session),
		maxSessions: maxSessions,
	}
}

// Get returns the session for xid, if any.
func (t *Table) Get(xid uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[xid]

	return s, ok
}

// Remove deletes the session for xid. Removal is idempotent.
func (t *Table) Remove(xid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(xid)
}

func (t *Table) removeLocked(xid uint32) {
	if _, ok := t.sessions[xid]; !ok {
		return
	}
	delete(t.sessions, xid)
	for i, x := range t.order {
		if x == xid {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Len returns the current number of tracked sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sessions)
}

// Upsert atomically fetches-or-creates the session for xid and applies
// mutate to it. now is used both as the new session's CreatedAt and to
// evaluate capacity eviction.
//
// If xid is not yet tracked and the table is at capacity, the oldest
// session is evicted to make room provided its age exceeds evictAge;
// otherwise Upsert returns ErrAtCapacity and the caller should drop the
// triggering frame.
func (t *Table) Upsert(xid uint32, now time.Time, mutate Mutator) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[xid]; ok {
		s.LastUpdatedAt = now
		mutate(s)

		return s, nil
	}

	if len(t.sessions) >= t.maxSessions {
		if len(t.order) == 0 {
			return nil, ErrAtCapacity
		}
		oldestXid := t.order[0]
		oldest := t.sessions[oldestXid]
		if oldest == nil || now.Sub(oldest.CreatedAt) <= evictAge {
			return nil, fmt.Errorf("%w: oldest session is %s old", ErrAtCapacity, now.Sub(oldest.CreatedAt))
		}
		t.removeLocked(oldestXid)
	}

	s := &Session{
		Xid:           xid,
		CreatedAt:     now,
		LastUpdatedAt: now,
		State:         AwaitingAuthoritativeOffer,
	}
	mutate(s)
	t.sessions[xid] = s
	t.order = append(t.order, xid)

	return s, nil
}

// WithPrev is Upsert's counterpart for callers whose mutate decision
// depends on the session's state before this call (the DHCP proxy
// reducer's prev *Session, spec.md §9). fn receives that pre-mutation
// snapshot — nil if xid isn't yet tracked — and must return the Mutator to
// apply to the live entry. Capacity eviction rules are identical to
// Upsert's.
func (t *Table) WithPrev(xid uint32, now time.Time, fn func(prev *Session) Mutator) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[xid]; ok {
		prev := *s
		mutate := fn(&prev)
		s.LastUpdatedAt = now
		mutate(s)

		return s, nil
	}

	if len(t.sessions) >= t.maxSessions {
		if len(t.order) == 0 {
			return nil, ErrAtCapacity
		}
		oldestXid := t.order[0]
		oldest := t.sessions[oldestXid]
		if oldest == nil || now.Sub(oldest.CreatedAt) <= evictAge {
			return nil, fmt.Errorf("%w: oldest session is %s old", ErrAtCapacity, now.Sub(oldest.CreatedAt))
		}
		t.removeLocked(oldestXid)
	}

	mutate := fn(nil)
	s := &Session{
		Xid:           xid,
		CreatedAt:     now,
		LastUpdatedAt: now,
		State:         AwaitingAuthoritativeOffer,
	}
	mutate(s)
	t.sessions[xid] = s
	t.order = append(t.order, xid)

	return s, nil
}

// ReapReason distinguishes why a session was reaped, for diagnostics.
type ReapReason int

// Reap reasons.
const (
	ReapMissingAuthoritativeOffer ReapReason = iota
	ReapMissingClientRequest
)

// String implements fmt.Stringer.
func (r ReapReason) String() string {
	switch r {
	case ReapMissingAuthoritativeOffer:
		return "expecting IP from authoritative server"
	case ReapMissingClientRequest:
		return "client never REQUESTed"
	default:
		return "unknown"
	}
}

// Reaped describes one session removed by Reap.
type Reaped struct {
	Xid    uint32
	Reason ReapReason
	Age    time.Duration
}

// Reap removes every session older than TTL, relative to now, and reports
// which ones were removed along with why. Removal is idempotent: calling
// Reap repeatedly with the same now is safe.
func (t *Table) Reap(now time.Time) []Reaped {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []Reaped
	var expired []uint32
	for _, xid := range t.order {
		s := t.sessions[xid]
		if s == nil {
			continue
		}
		if now.Sub(s.CreatedAt) <= ttl {
			continue
		}
		reason := ReapMissingClientRequest
		if s.Authoritative == nil {
			reason = ReapMissingAuthoritativeOffer
		}
		reaped = append(reaped, Reaped{Xid: xid, Reason: reason, Age: now.Sub(s.CreatedAt)})
		expired = append(expired, xid)
	}
	for _, xid := range expired {
		t.removeLocked(xid)
	}

	return reaped
}
