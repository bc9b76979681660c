// Package client runs the tunnel's remote end: it negotiates a slot with the
// server and then moves datagrams between a local socket and that slot.
package client

import (
	"context"
	"time"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/proto"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
)

// ErrHandshakeTimeout is returned when the context ends before a verified
// reply arrives.
var ErrHandshakeTimeout = errors.New("handshake timed out")

// HandshakeFailedError is a verified rejection from the server.
type HandshakeFailedError struct {
	Failure proto.Failure
}

func (e *HandshakeFailedError) Error() string { return e.Failure.Error() }

func (e *HandshakeFailedError) Unwrap() error { return e.Failure }

type Config struct {
	// Forward is the server's handshake channel, Backward the one it answers on.
	Forward  transport.URI
	Backward transport.URI
	StreamID int32
	// HandshakeRetry is the interval between repeated requests.
	HandshakeRetry time.Duration
	FragmentLimit  int
	IdleWait       time.Duration
	MTU            int
}

func (c Config) withDefaults() Config {
	if c.HandshakeRetry <= 0 {
		c.HandshakeRetry = time.Second
	}
	if c.FragmentLimit <= 0 {
		c.FragmentLimit = 10
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Millisecond
	}
	if c.MTU <= 0 {
		c.MTU = 1500
	}
	return c
}

// Handshaker drives one handshake attempt. It is not safe for concurrent use.
type Handshaker struct {
	cfg      Config
	pub      transport.Publication
	sub      transport.Subscription
	request  []byte
	expected int32
	lastSent time.Time
	sent     bool

	response *proto.HandshakeResponse
	failure  *proto.Failure
}

// NewHandshaker opens the handshake channels and prepares a request with a
// fresh key.
func NewHandshaker(ctx context.Context, tr transport.Transport, cfg Config) (*Handshaker, error) {
	cfg = cfg.withDefaults()
	sub, err := tr.AddSubscription(ctx, cfg.Backward, cfg.StreamID, transport.ImageHandlers{
		OnAvailable: func(img transport.Image) {
			obs.Debug("handshake.image.available", obs.Fields{"session": img.SessionID, "source": img.Source})
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "handshake subscription on %s", cfg.Backward)
	}
	pub, err := tr.AddPublication(ctx, cfg.Forward, cfg.StreamID)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "handshake publication on %s", cfg.Forward)
	}
	req := proto.NewHandshakeRequest()
	b, err := proto.EncodeRequest(req)
	if err != nil {
		_ = sub.Close()
		_ = pub.Close()
		return nil, err
	}
	return &Handshaker{
		cfg:      cfg,
		pub:      pub,
		sub:      sub,
		request:  b,
		expected: proto.Verify(pub.SessionID(), req.Key),
	}, nil
}

// SessionID is the session the server sees the requests on.
func (h *Handshaker) SessionID() int32 { return h.pub.SessionID() }

// Expected is the verification value a reply must carry.
func (h *Handshaker) Expected() int32 { return h.expected }

// OnFragment decodes one reply. Only the first verified reply counts.
func (h *Handshaker) OnFragment(data []byte, hdr transport.Header) {
	if h.response != nil || h.failure != nil {
		return
	}
	reply, err := proto.DecodeReply(data)
	if err != nil {
		obs.Debug("handshake.reply.malformed", obs.Fields{"session": hdr.SessionID, "err": err.Error()})
		return
	}
	if v := reply.Verification(); v != h.expected {
		obs.Debug("handshake.reply.mismatch", obs.Fields{"got": v, "expected": h.expected})
		return
	}
	if reply.Ok != nil {
		h.response = reply.Ok
		return
	}
	h.failure = reply.Err
}

// Step resends the request when the retry interval has passed and polls for
// replies once. It returns nil, nil while the handshake is still open.
func (h *Handshaker) Step(now time.Time) (*proto.HandshakeResponse, error) {
	if !h.sent || now.Sub(h.lastSent) >= h.cfg.HandshakeRetry {
		if _, err := h.pub.Offer(h.request); err != nil {
			obs.Debug("handshake.request", obs.Fields{"session": h.pub.SessionID(), "err": err.Error()})
		} else {
			obs.Debug("handshake.request", obs.Fields{"session": h.pub.SessionID(), "channel": h.cfg.Forward.String()})
		}
		h.sent = true
		h.lastSent = now
	}
	h.sub.Poll(h, h.cfg.FragmentLimit)
	switch {
	case h.response != nil:
		return h.response, nil
	case h.failure != nil:
		return nil, &HandshakeFailedError{Failure: *h.failure}
	}
	return nil, nil
}

// Run steps until a verified reply arrives or ctx ends.
func (h *Handshaker) Run(ctx context.Context) (*proto.HandshakeResponse, error) {
	for {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ErrHandshakeTimeout, ctx.Err().Error())
		}
		resp, err := h.Step(time.Now())
		if err != nil || resp != nil {
			return resp, err
		}
		select {
		case <-ctx.Done():
		case <-time.After(h.cfg.IdleWait):
		}
	}
}

// Close releases the handshake channels.
func (h *Handshaker) Close() error {
	subErr := h.sub.Close()
	pubErr := h.pub.Close()
	if subErr != nil {
		return errors.Wrap(subErr, "close handshake subscription")
	}
	return errors.Wrap(pubErr, "close handshake publication")
}
