// Package bus implements the daemon's event bus: an append-only, per-channel,
// sequence-ordered buffer with live subscriber fan-out and bounded-window
// replay for reconnecting clients.
//
// Channels are created on first publish. Event ids are strictly increasing
// within a channel; the buffer is trimmed to a bounded count and age, so a
// subscriber whose last seen id predates the retained window is told to
// refresh out of band instead of being handed a gap.
package bus

import (
	"log"
	"sync"
	"time"
)

// Event is one immutable entry in a channel's log.
type Event struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Kind      string    `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is a live handle on a channel. Events arrive on C in publish
// order. A subscriber that falls more than the buffer size behind is closed
// rather than allowed to block publishers.
type Subscription struct {
	C chan Event

	channel   string
	sessionID string
	closed    bool
}

// Options bound per-channel retention.
type Options struct {
	// MaxEvents is the per-channel buffer size. Zero means DefaultMaxEvents.
	MaxEvents int
	// MaxAge trims events older than this on publish. Zero means DefaultMaxAge.
	MaxAge time.Duration
	// SubscriberBuffer is the live-delivery channel depth per subscriber.
	SubscriberBuffer int
}

const (
	DefaultMaxEvents        = 1000
	DefaultMaxAge           = 30 * time.Minute
	DefaultSubscriberBuffer = 64
)

// Bus is the process-wide event bus. Safe for concurrent use.
type Bus struct {
	mu       sync.Mutex
	opts     Options
	channels map[string]*channel
	now      func() time.Time // injected in tests
}

type channel struct {
	nextID int64
	events []Event // retained window, oldest first
	subs   []*Subscription
}

// New creates a Bus with the given retention options.
func New(opts Options) *Bus {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		opts:     opts,
		channels: make(map[string]*channel),
		now:      time.Now,
	}
}

// Publish appends an event to the channel and fans it out to live
// subscribers. Returns the assigned event id.
func (b *Bus) Publish(ch, kind string, payload any) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.channel(ch)
	c.nextID++
	ev := Event{
		ID:        c.nextID,
		Channel:   ch,
		Kind:      kind,
		Payload:   payload,
		Timestamp: b.now(),
	}
	c.events = append(c.events, ev)
	b.trim(c)

	// Fan out without blocking: a subscriber that cannot keep up is
	// detached and recovers via replay on reconnect.
	live := c.subs[:0]
	for _, sub := range c.subs {
		select {
		case sub.C <- ev:
			live = append(live, sub)
		default:
			log.Printf("bus: dropping slow subscriber (session %s, channel %s)", sub.sessionID, ch)
			sub.closed = true
			close(sub.C)
		}
	}
	c.subs = live

	return ev.ID
}

// Replay is the result of a replay request.
type Replay struct {
	Events []Event
	// RefreshNeeded is set when lastEventID predates the retained window:
	// events were lost and the subscriber must re-fetch full state out of
	// band. Never set for lastEventID <= 0 ("no history requested").
	RefreshNeeded bool
}

// ReplaySince returns the contiguous suffix of events with id > lastEventID.
func (b *Bus) ReplaySince(ch string, lastEventID int64) Replay {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replayLocked(b.channel(ch), lastEventID)
}

func (b *Bus) replayLocked(c *channel, lastEventID int64) Replay {
	if lastEventID <= 0 {
		return Replay{}
	}
	if lastEventID >= c.nextID {
		// An id ahead of the channel means it was issued before a daemon
		// restart reset the buffer; "nothing happened" would be a lie.
		return Replay{RefreshNeeded: lastEventID > c.nextID}
	}
	oldest := c.nextID - int64(len(c.events)) + 1
	if len(c.events) == 0 {
		oldest = c.nextID + 1
	}
	if lastEventID < oldest-1 {
		return Replay{RefreshNeeded: true}
	}
	start := int(lastEventID - oldest + 1)
	suffix := make([]Event, len(c.events)-start)
	copy(suffix, c.events[start:])
	return Replay{Events: suffix}
}

// Subscribe attaches a live subscription with no replay.
func (b *Bus) Subscribe(ch, sessionID string) *Subscription {
	sub, _ := b.SubscribeSince(ch, sessionID, 0)
	return sub
}

// SubscribeSince atomically replays events after lastEventID and attaches a
// live subscription, so no event is dropped or duplicated at the boundary.
func (b *Bus) SubscribeSince(ch, sessionID string, lastEventID int64) (*Subscription, Replay) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.channel(ch)
	rep := b.replayLocked(c, lastEventID)
	sub := &Subscription{
		C:         make(chan Event, b.opts.SubscriberBuffer),
		channel:   ch,
		sessionID: sessionID,
	}
	c.subs = append(c.subs, sub)
	return sub, rep
}

// Unsubscribe detaches a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.channels[sub.channel]
	if !ok || sub.closed {
		return
	}
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			sub.closed = true
			close(sub.C)
			return
		}
	}
}

// UnsubscribeSession detaches every subscription held by a session.
func (b *Bus) UnsubscribeSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.channels {
		live := c.subs[:0]
		for _, sub := range c.subs {
			if sub.sessionID == sessionID {
				sub.closed = true
				close(sub.C)
				continue
			}
			live = append(live, sub)
		}
		c.subs = live
	}
}

// LastEventID returns the highest id assigned on a channel (0 if none).
func (b *Bus) LastEventID(ch string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.channels[ch]; ok {
		return c.nextID
	}
	return 0
}

func (b *Bus) channel(name string) *channel {
	c, ok := b.channels[name]
	if !ok {
		c = &channel{}
		b.channels[name] = c
	}
	return c
}

func (b *Bus) trim(c *channel) {
	if over := len(c.events) - b.opts.MaxEvents; over > 0 {
		c.events = append(c.events[:0:0], c.events[over:]...)
	}
	cutoff := b.now().Add(-b.opts.MaxAge)
	i := 0
	for i < len(c.events) && c.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.events = append(c.events[:0:0], c.events[i:]...)
	}
}
