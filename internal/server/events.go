package server

import (
	"sync"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/transport"
)

// EventQueue collects image availability changes reported by transport
// goroutines. Only the tick loop drains it.
type EventQueue struct {
	mu           sync.Mutex
	connected    []int32
	disconnected []int32
}

func NewEventQueue() *EventQueue { return &EventQueue{} }

func (q *EventQueue) PushConnected(session int32) {
	q.mu.Lock()
	q.connected = append(q.connected, session)
	q.mu.Unlock()
}

func (q *EventQueue) PushDisconnected(session int32) {
	q.mu.Lock()
	q.disconnected = append(q.disconnected, session)
	q.mu.Unlock()
}

// Drain returns everything queued so far, each list in arrival order.
func (q *EventQueue) Drain() (connected, disconnected []int32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	connected, disconnected = q.connected, q.disconnected
	q.connected, q.disconnected = nil, nil
	return connected, disconnected
}

// ImageHandlers wires a slot subscription's image callbacks to the queue.
func (q *EventQueue) ImageHandlers() transport.ImageHandlers {
	return transport.ImageHandlers{
		OnAvailable: func(img transport.Image) {
			obs.Debug("image.available", obs.Fields{"session": img.SessionID, "stream": img.StreamID, "source": img.Source})
			q.PushConnected(img.SessionID)
		},
		OnUnavailable: func(img transport.Image) {
			obs.Debug("image.unavailable", obs.Fields{"session": img.SessionID, "stream": img.StreamID, "source": img.Source})
			q.PushDisconnected(img.SessionID)
		},
	}
}
