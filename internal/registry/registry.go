// Package registry tracks active client sessions and their delivery
// channels. All sessions ride the one shared upstream connection; the
// registry holds routing metadata only, never connection state.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiosklabs/voice-gateway/internal/event"
	"github.com/kiosklabs/voice-gateway/internal/metrics"
)

// Status is a session's lifecycle status.
type Status string

const StatusActive Status = "active"

// DefaultExpiry is the authoritative inactivity timeout for the proxied
// WebSocket session path.
const DefaultExpiry = 30 * time.Minute

// ErrUnknownSession is returned for lookups of missing or expired sessions.
var ErrUnknownSession = errors.New("unknown or expired session")

// Session is the routing metadata for one client.
type Session struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Status       Status    `json:"status"`
}

// DeliverFunc pushes one event to a client. Implementations must be safe for
// concurrent use; a slow or dead client only fails its own delivery.
type DeliverFunc func(event.ClientEvent) error

type entry struct {
	sess    Session
	deliver DeliverFunc
}

// Registry is the session table. Register/Unregister/Broadcast are safe for
// concurrent use; expired sessions are evicted lazily on lookup and in bulk
// by Sweep.
type Registry struct {
	expiry time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry

	// creation arbitrates concurrent connects for the same customer: a
	// single-owner lock keyed by customer id, with re-read on conflict.
	creationMu sync.Mutex
	creation   map[string]*sync.Mutex
}

// New creates a registry with the given inactivity expiry (DefaultExpiry
// when zero).
func New(expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Registry{
		expiry:   expiry,
		now:      time.Now,
		sessions: make(map[string]*entry),
		creation: make(map[string]*sync.Mutex),
	}
}

// Register creates (or takes over) the session for a customer and returns
// its id. Two concurrent connects with the same customer id are arbitrated
// by a per-customer lock: the loser re-reads and adopts the winner's
// session, swapping in its own delivery channel.
func (r *Registry) Register(customerID string, deliver DeliverFunc) string {
	lock := r.creationLock(customerID)
	lock.Lock()
	defer lock.Unlock()

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sessions {
		if e.sess.CustomerID == customerID && r.validLocked(e, now) {
			e.deliver = deliver
			e.sess.LastActivity = now
			return e.sess.ID
		}
	}

	id := uuid.NewString()
	r.sessions[id] = &entry{
		sess: Session{
			ID:           id,
			CustomerID:   customerID,
			CreatedAt:    now,
			LastActivity: now,
			Status:       StatusActive,
		},
		deliver: deliver,
	}
	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	return id
}

// Unregister removes a session. The client stops receiving broadcasts
// immediately.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		metrics.SessionsActive.Dec()
	}
}

// Lookup returns a session's metadata, evicting it first if expired.
func (r *Registry) Lookup(sessionID string) (Session, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrUnknownSession
	}
	if !r.validLocked(e, now) {
		delete(r.sessions, sessionID)
		metrics.SessionsActive.Dec()
		return Session{}, ErrUnknownSession
	}
	return e.sess, nil
}

// Touch records activity on a session.
func (r *Registry) Touch(sessionID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sessionID]; ok {
		e.sess.LastActivity = now
	}
}

// SendTo delivers one event to one session.
func (r *Registry) SendTo(sessionID string, ev event.ClientEvent) error {
	now := r.now()
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	var deliver DeliverFunc
	if ok && r.validLocked(e, now) {
		deliver = e.deliver
	}
	r.mu.RUnlock()

	if deliver == nil {
		return ErrUnknownSession
	}
	return deliver(ev)
}

// Broadcast fans an event out to every valid session. Individual delivery
// failures are counted and logged but never abort the rest; events for
// sessions that vanished mid-flight are simply dropped.
func (r *Registry) Broadcast(ev event.ClientEvent) (delivered int) {
	now := r.now()

	// Copy ids and delivery funcs under the lock. A same-customer Register
	// may swap e.deliver concurrently, so entry pointers must not be read
	// after RUnlock.
	type target struct {
		id      string
		deliver DeliverFunc
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.sessions))
	for _, e := range r.sessions {
		if r.validLocked(e, now) {
			targets = append(targets, target{id: e.sess.ID, deliver: e.deliver})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.deliver(ev); err != nil {
			metrics.BroadcastFailures.Inc()
			slog.Warn("broadcast delivery failed", "session_id", t.id, "topic", ev.Topic, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Sweep removes expired sessions in bulk and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.sessions {
		if !r.validLocked(e, now) {
			delete(r.sessions, id)
			metrics.SessionsActive.Dec()
			metrics.SessionsExpired.Inc()
			removed++
		}
	}
	r.purgeCreationLocks()
	return removed
}

// purgeCreationLocks drops creation locks for customers with no live
// session, so the lock map does not grow with every customer ever seen.
// Called with r.mu held.
func (r *Registry) purgeCreationLocks() {
	live := make(map[string]struct{}, len(r.sessions))
	for _, e := range r.sessions {
		live[e.sess.CustomerID] = struct{}{}
	}
	r.creationMu.Lock()
	defer r.creationMu.Unlock()
	for customerID, lock := range r.creation {
		if _, ok := live[customerID]; ok {
			continue
		}
		// Skip locks currently held by an in-flight Register.
		if lock.TryLock() {
			lock.Unlock()
			delete(r.creation, customerID)
		}
	}
}

// Len reports the number of registered sessions, expired or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of all session metadata.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.sess)
	}
	return out
}

func (r *Registry) validLocked(e *entry, now time.Time) bool {
	return now.Sub(e.sess.LastActivity) < r.expiry
}

func (r *Registry) creationLock(customerID string) *sync.Mutex {
	r.creationMu.Lock()
	defer r.creationMu.Unlock()
	lock, ok := r.creation[customerID]
	if !ok {
		lock = &sync.Mutex{}
		r.creation[customerID] = lock
	}
	return lock
}
