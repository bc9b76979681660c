package client

import (
	"context"
	"net"
	"time"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/proto"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
)

// Tunnel is the client's data plane on its assigned slot.
type Tunnel struct {
	Session  int32
	Response proto.HandshakeResponse

	pub transport.Publication
	sub transport.Subscription
}

// Dial handshakes with the server, closes the handshake channels and opens
// the slot channels. The data-plane publication keeps the handshake session
// id so the server can match it to the slot.
func Dial(ctx context.Context, tr transport.Transport, cfg Config) (*Tunnel, error) {
	cfg = cfg.withDefaults()
	hs, err := NewHandshaker(ctx, tr, cfg)
	if err != nil {
		return nil, err
	}
	session := hs.SessionID()
	obs.Info("handshake.start", obs.Fields{"session": session, "forward": cfg.Forward.String(), "backward": cfg.Backward.String()})
	resp, err := hs.Run(ctx)
	if cerr := hs.Close(); cerr != nil {
		obs.Warn("handshake.close", obs.Fields{"err": cerr.Error()})
	}
	if err != nil {
		return nil, err
	}
	obs.Info("handshake.accepted", obs.Fields{"session": session, "port": resp.Port, "control": resp.Control})

	forward := cfg.Forward.WithPort(resp.Port).WithSessionID(session)
	backward := cfg.Backward.WithPort(resp.Control)
	sub, err := tr.AddSubscription(ctx, backward, cfg.StreamID, transport.ImageHandlers{
		OnAvailable: func(img transport.Image) {
			obs.Info("tunnel.image.available", obs.Fields{"session": img.SessionID, "source": img.Source})
		},
		OnUnavailable: func(img transport.Image) {
			obs.Warn("tunnel.image.unavailable", obs.Fields{"session": img.SessionID, "source": img.Source})
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "data subscription on %s", backward)
	}
	pub, err := tr.AddPublication(ctx, forward, cfg.StreamID)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "data publication on %s", forward)
	}
	return &Tunnel{Session: session, Response: *resp, pub: pub, sub: sub}, nil
}

func (t *Tunnel) Close() error {
	subErr := t.sub.Close()
	pubErr := t.pub.Close()
	if subErr != nil {
		return errors.Wrap(subErr, "close data subscription")
	}
	return errors.Wrap(pubErr, "close data publication")
}

// Forwarder moves datagrams between a local listening socket and a tunnel.
// Transport fragments go to the last peer that sent on the socket.
type Forwarder struct {
	conn          net.PacketConn
	tunnel        *Tunnel
	buf           []byte
	peer          net.Addr
	fragmentLimit int
	idleWait      time.Duration

	// linked is the last observed connection state of the data publication.
	linked bool
	// misses counts consecutive offers that reached no subscriber.
	misses int
}

func NewForwarder(conn net.PacketConn, tunnel *Tunnel, cfg Config) *Forwarder {
	cfg = cfg.withDefaults()
	return &Forwarder{
		conn:          conn,
		tunnel:        tunnel,
		buf:           make([]byte, cfg.MTU),
		fragmentLimit: cfg.FragmentLimit,
		idleWait:      cfg.IdleWait,
		linked:        true,
	}
}

// Peer returns the last local sender, or nil.
func (f *Forwarder) Peer() net.Addr { return f.peer }

// Linked reports whether the server side of the tunnel was reachable at the
// last tick. It turns false once the server reclaims the slot.
func (f *Forwarder) Linked() bool { return f.linked }

// Tick forwards at most one local datagram and polls the tunnel once.
func (f *Forwarder) Tick() int {
	work := f.readSocket() + f.tunnel.sub.Poll(f, f.fragmentLimit)
	f.checkLink()
	return work
}

func (f *Forwarder) checkLink() {
	linked := f.tunnel.pub.IsConnected()
	if linked == f.linked {
		return
	}
	f.linked = linked
	if linked {
		obs.Info("tunnel.linked", obs.Fields{"session": f.tunnel.Session, "port": f.tunnel.Response.Port})
		return
	}
	obs.Warn("tunnel.unlinked", obs.Fields{"session": f.tunnel.Session, "port": f.tunnel.Response.Port})
}

func (f *Forwarder) readSocket() int {
	if err := f.conn.SetReadDeadline(time.Now().Add(f.idleWait)); err != nil {
		obs.Debug("socket.deadline", obs.Fields{"err": err.Error()})
	}
	n, addr, err := f.conn.ReadFrom(f.buf)
	if err != nil {
		var ne net.Error
		if !(errors.As(err, &ne) && ne.Timeout()) && !errors.Is(err, net.ErrClosed) {
			obs.Debug("socket.read", obs.Fields{"err": err.Error()})
		}
		return 0
	}
	f.peer = addr
	if _, err := f.tunnel.pub.Offer(f.buf[:n]); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			f.misses++
			obs.ErrorsTotal.WithLabelValues("tunnel_not_connected").Inc()
			if f.misses == 1 {
				obs.Warn("tunnel.not_connected", obs.Fields{"session": f.tunnel.Session, "port": f.tunnel.Response.Port})
			} else {
				obs.Debug("tunnel.not_connected", obs.Fields{"session": f.tunnel.Session, "misses": f.misses})
			}
			return 1
		}
		obs.Error("tunnel.publish", obs.Fields{"bytes": n, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("tunnel_publish").Inc()
		return 1
	}
	if f.misses > 0 {
		obs.Info("tunnel.reconnected", obs.Fields{"session": f.tunnel.Session, "misses": f.misses})
		f.misses = 0
	}
	obs.ForwardedBytes.WithLabelValues("to_server").Add(float64(n))
	return 1
}

func (f *Forwarder) OnFragment(data []byte, hdr transport.Header) {
	if f.peer == nil {
		obs.Debug("tunnel.fragment.no_peer", obs.Fields{"session": hdr.SessionID, "bytes": len(data)})
		return
	}
	if _, err := f.conn.WriteTo(data, f.peer); err != nil {
		obs.Error("socket.write", obs.Fields{"peer": f.peer.String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("socket_write").Inc()
		return
	}
	obs.ForwardedBytes.WithLabelValues("to_local").Add(float64(len(data)))
}

// Run ticks until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	obs.Info("tunnel.ready", obs.Fields{"local": f.conn.LocalAddr().String(), "session": f.tunnel.Session, "port": f.tunnel.Response.Port})
	for ctx.Err() == nil {
		f.Tick()
	}
	obs.Info("tunnel.shutdown", obs.Fields{})
	return nil
}
