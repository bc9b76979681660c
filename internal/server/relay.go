package server

import (
	"net"
	"time"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
)

// slotFragments writes what one slot receives to the local socket and, in
// relay mode, to every other active slot.
type slotFragments struct {
	s    *Server
	slot *ClientSlot
}

func (f slotFragments) OnFragment(data []byte, hdr transport.Header) {
	obs.Debug("slot.fragment", obs.Fields{"slot": f.slot.Index(), "session": hdr.SessionID, "stream": hdr.StreamID, "bytes": len(data)})
	if _, err := f.s.conn.Write(data); err != nil {
		obs.Error("socket.write", obs.Fields{"slot": f.slot.Index(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("socket_write").Inc()
	} else {
		obs.ForwardedBytes.WithLabelValues("to_endpoint").Add(float64(len(data)))
	}
	if f.s.cfg.Relay {
		origin := hdr.SessionID
		f.s.broadcast(data, &origin)
	}
}

// readSocket forwards at most one datagram from the endpoint. An empty
// socket is the normal case.
func (s *Server) readSocket() int {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleWait)); err != nil {
		obs.Debug("socket.deadline", obs.Fields{"err": err.Error()})
	}
	n, err := s.conn.Read(s.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0
		}
		if errors.Is(err, net.ErrClosed) {
			return 0
		}
		// ICMP port unreachable from the endpoint surfaces here; keep ticking.
		obs.Debug("socket.read", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("socket_read").Inc()
		return 0
	}
	if n == 0 {
		return 0
	}
	obs.Debug("socket.packet", obs.Fields{"bytes": n, "endpoint": s.conn.RemoteAddr().String()})
	s.broadcast(s.buf[:n], nil)
	return 1
}

// broadcast publishes data on every active slot, skipping the slot whose
// session is origin.
func (s *Server) broadcast(data []byte, origin *int32) {
	s.pool.Each(func(i int, slot *ClientSlot) {
		if slot.State() != SlotActive {
			return
		}
		if origin != nil && slot.IsPublishingOnSession(*origin) {
			return
		}
		if err := slot.Publish(data); err != nil {
			if errors.Is(err, transport.ErrNotConnected) {
				obs.Debug("slot.publish.not_connected", obs.Fields{"slot": i})
				return
			}
			obs.Error("slot.publish", obs.Fields{"slot": i, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("slot_publish").Inc()
			return
		}
		obs.ForwardedBytes.WithLabelValues("to_client").Add(float64(len(data)))
	})
}

// pollSlots drains every live slot's subscription.
func (s *Server) pollSlots() int {
	work := 0
	s.pool.Each(func(_ int, slot *ClientSlot) {
		work += slot.Receive(slotFragments{s: s, slot: slot}, s.cfg.FragmentLimit)
	})
	return work
}
