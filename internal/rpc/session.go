package rpc

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beam-tools/beam/internal/bus"
)

// DefaultSessionTimeout bounds how long a disconnected session id stays
// reusable before it is purged.
const DefaultSessionTimeout = 30 * time.Minute

// Session is one connected client. The push channel is present only while
// the client holds its event stream open; the session id outlives the
// connection so a reconnecting client can reclaim it within the timeout.
type Session struct {
	ID         string
	ClientKind string // "host" (developer UI) or "external"
	CreatedAt  time.Time

	mu           sync.Mutex
	lastActivity time.Time
	push         chan Notification     // nil while detached
	viewing      map[string]*viewState // channel name -> subscription
}

type viewState struct {
	sub *bus.Subscription
	out chan struct{} // closed to stop the forwarder
}

// Touch refreshes the session's activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the last time the session was used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Sessions is the process-wide session table. It implements engine.Notifier.
type Sessions struct {
	bus     *bus.Bus
	timeout time.Duration

	mu    sync.Mutex
	table map[string]*Session
	now   func() time.Time
}

// NewSessions creates a session table. timeout <= 0 selects the default.
func NewSessions(b *bus.Bus, timeout time.Duration) *Sessions {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &Sessions{
		bus:     b,
		timeout: timeout,
		table:   make(map[string]*Session),
		now:     time.Now,
	}
}

// Ensure returns the live session for id, or a fresh session when id is
// empty, unknown, or expired. A presented id that matches a still-live
// session is reused with its activity timestamp refreshed.
func (s *Sessions) Ensure(id, clientKind string) *Session {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.table[id]; ok {
			sess.Touch(now)
			return sess
		}
	}

	sess := &Session{
		ID:           uuid.NewString(),
		ClientKind:   clientKind,
		CreatedAt:    now,
		lastActivity: now,
		viewing:      make(map[string]*viewState),
	}
	s.table[sess.ID] = sess
	return sess
}

// Get returns a live session without creating one.
func (s *Sessions) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.table[id]
	return sess, ok
}

// NotifySession pushes a notification to one session. If the session has no
// active push channel the delivery is skipped; reconnection with lastEventId
// replay is the recovery path.
func (s *Sessions) NotifySession(sessionID, method string, params any) {
	sess, ok := s.Get(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	push := sess.push
	sess.mu.Unlock()
	if push == nil {
		return
	}
	select {
	case push <- newNotification(method, params):
	default:
		log.Printf("rpc: dropping notification %s for slow session %s", method, sessionID)
	}
}

// Broadcast pushes a notification to every connected session. Sessions with
// no stream attached are skipped, same as NotifySession.
func (s *Sessions) Broadcast(method string, params any) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.table))
	for id := range s.table {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.NotifySession(id, method, params)
	}
}

// AttachPush binds a push channel to the session, replacing any previous
// stream (last connection wins). The returned detach function must be called
// when the stream closes; it only detaches if the channel is still current.
func (s *Sessions) AttachPush(sessionID string) (<-chan Notification, func(), bool) {
	sess, ok := s.Get(sessionID)
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Notification, 64)
	sess.mu.Lock()
	sess.push = ch
	sess.mu.Unlock()
	sess.Touch(s.now())

	detach := func() {
		sess.mu.Lock()
		if sess.push == ch {
			sess.push = nil
		}
		sess.mu.Unlock()
	}
	return ch, detach, true
}

// View subscribes the session to a channel with replay since lastEventID.
// Replayed events are returned; subsequent live events are forwarded on the
// session's push channel as beam/event notifications. Re-viewing the same
// channel replaces the previous subscription.
func (s *Sessions) View(sess *Session, channel string, lastEventID int64) bus.Replay {
	sub, replay := s.bus.SubscribeSince(channel, sess.ID, lastEventID)

	stop := make(chan struct{})
	sess.mu.Lock()
	if prev, ok := sess.viewing[channel]; ok {
		close(prev.out)
		s.bus.Unsubscribe(prev.sub)
	}
	sess.viewing[channel] = &viewState{sub: sub, out: stop}
	sess.mu.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				s.NotifySession(sess.ID, "beam/event", ev)
			}
		}
	}()
	return replay
}

// Unview drops the session's subscription to a channel.
func (s *Sessions) Unview(sess *Session, channel string) {
	sess.mu.Lock()
	v, ok := sess.viewing[channel]
	if ok {
		delete(sess.viewing, channel)
	}
	sess.mu.Unlock()
	if ok {
		close(v.out)
		s.bus.Unsubscribe(v.sub)
	}
}

// PurgeExpired removes sessions idle past the timeout, dropping their
// subscriptions. Returns the number purged.
func (s *Sessions) PurgeExpired() int {
	cutoff := s.now().Add(-s.timeout)

	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.table {
		if sess.LastActivity().Before(cutoff) {
			delete(s.table, id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.mu.Lock()
		views := sess.viewing
		sess.viewing = make(map[string]*viewState)
		sess.mu.Unlock()
		for _, v := range views {
			close(v.out)
		}
		s.bus.UnsubscribeSession(sess.ID)
	}
	return len(expired)
}
