// Package transport defines the pub/sub channel primitive the tunnel runs on.
//
// A channel is addressed by a URI plus a stream id. Publications carry a
// session id; subscribers see each remote publication as an image and are
// told when images appear and disappear.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned by Offer when no subscriber is attached.
	ErrNotConnected = errors.New("transport: publication not connected")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("transport: closed")
)

// Header describes where a fragment came from.
type Header struct {
	SessionID int32
	StreamID  int32
}

// FragmentHandler receives polled fragments. data is only valid for the
// duration of the call.
type FragmentHandler interface {
	OnFragment(data []byte, hdr Header)
}

// FragmentHandlerFunc adapts a function to FragmentHandler.
type FragmentHandlerFunc func(data []byte, hdr Header)

func (f FragmentHandlerFunc) OnFragment(data []byte, hdr Header) { f(data, hdr) }

// Image describes a remote publication as seen by one subscription.
type Image struct {
	SessionID int32
	StreamID  int32
	Source    string
}

// ImageHandlers are invoked from transport goroutines; implementations must
// not block and must not call back into the subscription.
type ImageHandlers struct {
	OnAvailable   func(Image)
	OnUnavailable func(Image)
}

func (h ImageHandlers) available(img Image) {
	if h.OnAvailable != nil {
		h.OnAvailable(img)
	}
}

func (h ImageHandlers) unavailable(img Image) {
	if h.OnUnavailable != nil {
		h.OnUnavailable(img)
	}
}

// Notify calls the matching handler; exported for transport implementations.
func (h ImageHandlers) Notify(img Image, available bool) {
	if available {
		h.available(img)
		return
	}
	h.unavailable(img)
}

type Publication interface {
	SessionID() int32
	StreamID() int32
	// Offer publishes one fragment and returns the new stream position.
	Offer(data []byte) (int64, error)
	IsConnected() bool
	Close() error
}

type Subscription interface {
	StreamID() int32
	// Poll hands at most limit fragments to h and returns how many it read.
	// It never blocks.
	Poll(h FragmentHandler, limit int) int
	HasImage(sessionID int32) bool
	Close() error
}

type Transport interface {
	AddPublication(ctx context.Context, channel URI, streamID int32) (Publication, error)
	AddSubscription(ctx context.Context, channel URI, streamID int32, images ImageHandlers) (Subscription, error)
	Close() error
}
