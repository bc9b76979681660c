// Package server multiplexes tunnel clients onto one UDP endpoint.
//
// A single tick loop owns the slot table. Each tick drains image events,
// answers handshakes, moves one datagram from the endpoint to the clients,
// moves client fragments back to the endpoint and reclaims dead slots.
package server

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/ratelimit"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
)

type Config struct {
	// Forward is the handshake channel the server subscribes to.
	Forward transport.URI
	// Backward is the handshake channel the server answers on.
	Backward          transport.URI
	StreamID          int32
	MaxClients        int
	MTU               int
	ConnectionTimeout time.Duration
	SessionTimeout    time.Duration
	FragmentLimit     int
	// IdleWait bounds how long one tick waits on the endpoint socket.
	IdleWait time.Duration
	Relay    bool
	Limiter  *ratelimit.HandshakeLimiter
	Clock    Clock
}

func (c Config) withDefaults() Config {
	if c.MTU <= 0 {
		c.MTU = 1500
	}
	if c.FragmentLimit <= 0 {
		c.FragmentLimit = 10
	}
	if c.IdleWait <= 0 {
		c.IdleWait = time.Millisecond
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	return c
}

type Server struct {
	cfg    Config
	tr     transport.Transport
	conn   net.Conn
	buf    []byte
	events *EventQueue
	pool   *Pool
	orch   *Orchestrator

	handshakeSub transport.Subscription
	handshakePub transport.Publication

	snapshot atomic.Pointer[[]SlotInfo]
	ready    atomic.Bool
	closed   bool
}

// New opens the handshake channels. conn is the socket connected to the
// tunneled endpoint.
func New(ctx context.Context, cfg Config, tr transport.Transport, conn net.Conn) (*Server, error) {
	cfg = cfg.withDefaults()
	events := NewEventQueue()
	pool, err := NewPool(tr, PoolConfig{
		Forward:           cfg.Forward,
		Backward:          cfg.Backward,
		StreamID:          cfg.StreamID,
		MaxClients:        cfg.MaxClients,
		ConnectionTimeout: cfg.ConnectionTimeout,
		SessionTimeout:    cfg.SessionTimeout,
	}, events, cfg.Clock)
	if err != nil {
		return nil, err
	}
	sub, err := tr.AddSubscription(ctx, cfg.Forward, cfg.StreamID, transport.ImageHandlers{
		OnAvailable: func(img transport.Image) {
			obs.Debug("handshake.image.available", obs.Fields{"session": img.SessionID, "source": img.Source})
		},
		OnUnavailable: func(img transport.Image) {
			obs.Debug("handshake.image.unavailable", obs.Fields{"session": img.SessionID, "source": img.Source})
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "handshake subscription on %s", cfg.Forward)
	}
	pub, err := tr.AddPublication(ctx, cfg.Backward, cfg.StreamID)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "handshake publication on %s", cfg.Backward)
	}
	s := &Server{
		cfg:          cfg,
		tr:           tr,
		conn:         conn,
		buf:          make([]byte, cfg.MTU),
		events:       events,
		pool:         pool,
		orch:         NewOrchestrator(pool, pub, cfg.Limiter),
		handshakeSub: sub,
		handshakePub: pub,
	}
	s.publishSnapshot()
	return s, nil
}

// Run ticks until ctx is cancelled, then tears every slot down.
func (s *Server) Run(ctx context.Context) error {
	obs.Info("server.ready", obs.Fields{"forward": s.cfg.Forward.String(), "backward": s.cfg.Backward.String(), "max_clients": s.cfg.MaxClients})
	s.ready.Store(true)
	defer s.ready.Store(false)
	for {
		select {
		case <-ctx.Done():
			obs.Info("server.shutdown", obs.Fields{})
			return s.Close()
		default:
		}
		s.Tick(ctx)
	}
}

// Tick runs one iteration of the loop and returns the amount of work done.
func (s *Server) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	work := s.processEvents()
	work += s.orch.Poll(ctx, s.handshakeSub, s.cfg.FragmentLimit)
	work += s.readSocket()
	work += s.pollSlots()
	work += s.reclaim()
	s.publishSnapshot()
	return work
}

// processEvents applies queued image events: connected before disconnected,
// each in arrival order.
func (s *Server) processEvents() int {
	connected, disconnected := s.events.Drain()
	for _, session := range connected {
		idx, ok := s.pool.FindSlotForSession(session)
		if !ok {
			obs.Debug("event.connected.unknown", obs.Fields{"session": session})
			continue
		}
		slot := s.pool.Slot(idx)
		if slot.State() != SlotPending {
			continue
		}
		slot.Activate(session)
		obs.Info("slot.active", obs.Fields{"slot": idx, "session": session})
	}
	for _, session := range disconnected {
		s.pool.Each(func(i int, slot *ClientSlot) {
			if slot.IsPublishingOnSession(session) || slot.HasSubscribersOnSession(session) {
				obs.Info("slot.disconnected", obs.Fields{"slot": i, "session": session})
				s.pool.Reclaim(i, "disconnected")
			}
		})
	}
	return len(connected) + len(disconnected)
}

// reclaim empties closed slots and those whose lease ran out.
func (s *Server) reclaim() int {
	n := 0
	s.pool.Each(func(i int, slot *ClientSlot) {
		reason := ""
		switch {
		case slot.IsClosed():
			reason = "closed"
		case slot.IsTimeoutElapsed() && slot.State() == SlotPending:
			reason = "connection_timeout"
		case slot.IsTimeoutElapsed():
			reason = "session_timeout"
		default:
			return
		}
		s.pool.Reclaim(i, reason)
		n++
	})
	if n > 0 && s.cfg.Limiter != nil {
		keep := make(map[int32]bool)
		s.pool.Each(func(_ int, slot *ClientSlot) { keep[slot.PublisherSessionID()] = true })
		s.cfg.Limiter.Forget(keep)
	}
	return n
}

func (s *Server) publishSnapshot() {
	infos := make([]SlotInfo, 0, s.pool.Cap())
	s.pool.Each(func(_ int, slot *ClientSlot) { infos = append(infos, slot.Info()) })
	s.snapshot.Store(&infos)
	pending, active := s.pool.Counts()
	obs.PendingSlots.Set(float64(pending))
	obs.ActiveSlots.Set(float64(active))
}

// Slots returns the slot table as of the last tick. Safe from any goroutine.
func (s *Server) Slots() []SlotInfo {
	p := s.snapshot.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (s *Server) Capacity() int { return s.pool.Cap() }

func (s *Server) Ready() bool { return s.ready.Load() }

// Close reclaims every slot and closes the handshake channels. It must be
// called from the goroutine that ticks.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Each(func(i int, _ *ClientSlot) { s.pool.Reclaim(i, "shutdown") })
	s.publishSnapshot()
	subErr := s.handshakeSub.Close()
	pubErr := s.handshakePub.Close()
	if subErr != nil {
		return errors.Wrap(subErr, "close handshake subscription")
	}
	return errors.Wrap(pubErr, "close handshake publication")
}
