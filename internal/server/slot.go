package server

import (
	"sync"
	"time"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
)

// ErrSlotClosed is returned by traffic operations on a closed slot.
var ErrSlotClosed = errors.New("client slot closed")

// noSubscriber marks a slot whose remote has not attached yet.
const noSubscriber int32 = -1

type SlotState int

const (
	SlotPending SlotState = iota
	SlotActive
	SlotClosed
)

func (s SlotState) String() string {
	switch s {
	case SlotPending:
		return "pending"
	case SlotActive:
		return "active"
	default:
		return "closed"
	}
}

// Clock is the time source for slot deadlines.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ClientSlot binds one remote session to a private channel pair.
//
// The immutable fields are set at allocation. subscriberSession, deadline and
// closed are read by the tick loop and may be written from transport
// callbacks, so each has its own lock.
type ClientSlot struct {
	index             int
	streamID          int32
	publisherSession  int32
	port              int
	control           int
	publication       transport.Publication
	subscription      transport.Subscription
	clock             Clock
	connectionTimeout time.Duration
	sessionTimeout    time.Duration
	created           time.Time

	subscriberMu      sync.Mutex
	subscriberSession int32

	deadlineMu sync.Mutex
	deadline   time.Time

	closedMu sync.Mutex
	closed   bool
}

func newClientSlot(index, port, control int, pub transport.Publication, sub transport.Subscription, clock Clock, connectionTimeout, sessionTimeout time.Duration) *ClientSlot {
	now := clock.Now()
	return &ClientSlot{
		index:             index,
		streamID:          pub.StreamID(),
		publisherSession:  pub.SessionID(),
		port:              port,
		control:           control,
		publication:       pub,
		subscription:      sub,
		clock:             clock,
		connectionTimeout: connectionTimeout,
		sessionTimeout:    sessionTimeout,
		created:           now,
		subscriberSession: noSubscriber,
		deadline:          now.Add(connectionTimeout),
	}
}

func (c *ClientSlot) Index() int                { return c.index }
func (c *ClientSlot) Port() int                 { return c.port }
func (c *ClientSlot) Control() int              { return c.control }
func (c *ClientSlot) StreamID() int32           { return c.streamID }
func (c *ClientSlot) PublisherSessionID() int32 { return c.publisherSession }

func (c *ClientSlot) IsPublishingOnSession(session int32) bool {
	return c.publisherSession == session
}

func (c *ClientSlot) SubscriberSessionID() int32 {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	return c.subscriberSession
}

// HasSubscribersOnSession reports whether session is the attached remote, or
// at least currently visible as an image on the slot's subscription.
func (c *ClientSlot) HasSubscribersOnSession(session int32) bool {
	if session != noSubscriber && c.SubscriberSessionID() == session {
		return true
	}
	return !c.IsClosed() && c.subscription.HasImage(session)
}

func (c *ClientSlot) State() SlotState {
	if c.IsClosed() {
		return SlotClosed
	}
	if c.SubscriberSessionID() == noSubscriber {
		return SlotPending
	}
	return SlotActive
}

// Activate records the remote's subscriber session and switches the lease to
// the session timeout.
func (c *ClientSlot) Activate(session int32) {
	c.subscriberMu.Lock()
	c.subscriberSession = session
	c.subscriberMu.Unlock()
	c.refresh()
}

// Rearm restarts the attach window of a pending slot. Active slots are left alone.
func (c *ClientSlot) Rearm() {
	if c.State() != SlotPending {
		return
	}
	c.deadlineMu.Lock()
	c.deadline = c.clock.Now().Add(c.connectionTimeout)
	c.deadlineMu.Unlock()
}

func (c *ClientSlot) refresh() {
	c.deadlineMu.Lock()
	c.deadline = c.clock.Now().Add(c.sessionTimeout)
	c.deadlineMu.Unlock()
}

func (c *ClientSlot) Deadline() time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return c.deadline
}

func (c *ClientSlot) IsTimeoutElapsed() bool {
	return !c.clock.Now().Before(c.Deadline())
}

// Publish sends one datagram to the remote. Success extends the lease.
func (c *ClientSlot) Publish(data []byte) error {
	if c.IsClosed() {
		return ErrSlotClosed
	}
	if _, err := c.publication.Offer(data); err != nil {
		return err
	}
	c.refresh()
	obs.Debug("slot.publish", obs.Fields{"slot": c.index, "session": c.publisherSession, "stream": c.streamID, "bytes": len(data)})
	return nil
}

// Receive polls the slot's subscription and passes on the fragments sent by
// the slot's own session. Fragments from any other session are dropped. Only
// passed-on fragments extend the lease. The return value counts every
// fragment read.
func (c *ClientSlot) Receive(h transport.FragmentHandler, limit int) int {
	if c.IsClosed() {
		return 0
	}
	accepted := 0
	n := c.subscription.Poll(transport.FragmentHandlerFunc(func(data []byte, hdr transport.Header) {
		if hdr.SessionID != c.publisherSession {
			obs.Debug("slot.fragment.foreign", obs.Fields{"slot": c.index, "session": hdr.SessionID, "owner": c.publisherSession, "bytes": len(data)})
			obs.ErrorsTotal.WithLabelValues("foreign_fragment").Inc()
			return
		}
		accepted++
		h.OnFragment(data, hdr)
	}), limit)
	if accepted > 0 {
		c.refresh()
	}
	return n
}

// Close is terminal and idempotent.
func (c *ClientSlot) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()
	pubErr := c.publication.Close()
	subErr := c.subscription.Close()
	if pubErr != nil {
		return errors.Wrap(pubErr, "close slot publication")
	}
	return errors.Wrap(subErr, "close slot subscription")
}

func (c *ClientSlot) IsClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// SlotInfo is a point-in-time view of a slot for the API and dashboard.
type SlotInfo struct {
	Index      int       `json:"index"`
	Port       int       `json:"port"`
	Control    int       `json:"control"`
	Session    int32     `json:"session"`
	Subscriber int32     `json:"subscriber"`
	State      string    `json:"state"`
	Deadline   time.Time `json:"deadline"`
	Created    time.Time `json:"created"`
}

func (c *ClientSlot) Info() SlotInfo {
	return SlotInfo{
		Index:      c.index,
		Port:       c.port,
		Control:    c.control,
		Session:    c.publisherSession,
		Subscriber: c.SubscriberSessionID(),
		State:      c.State().String(),
		Deadline:   c.Deadline(),
		Created:    c.created,
	}
}
