package server

import (
	"context"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/proto"
	"github.com/matst80/udptunnel/internal/ratelimit"
	"github.com/matst80/udptunnel/internal/transport"
)

// Orchestrator answers handshake requests by handing out slots.
type Orchestrator struct {
	pool    *Pool
	replies transport.Publication
	limiter *ratelimit.HandshakeLimiter
}

func NewOrchestrator(pool *Pool, replies transport.Publication, limiter *ratelimit.HandshakeLimiter) *Orchestrator {
	return &Orchestrator{pool: pool, replies: replies, limiter: limiter}
}

// handshakeFragments feeds one poll's worth of requests to the orchestrator.
type handshakeFragments struct {
	ctx context.Context
	o   *Orchestrator
}

func (h handshakeFragments) OnFragment(data []byte, hdr transport.Header) {
	h.o.HandleRequest(h.ctx, data, hdr.SessionID)
}

// Poll reads at most limit handshake requests from sub and answers them.
func (o *Orchestrator) Poll(ctx context.Context, sub transport.Subscription, limit int) int {
	return sub.Poll(handshakeFragments{ctx: ctx, o: o}, limit)
}

// HandleRequest answers one raw request from session. Malformed and
// rate-limited requests get no answer at all.
func (o *Orchestrator) HandleRequest(ctx context.Context, data []byte, session int32) {
	req, err := proto.DecodeRequest(data)
	if err != nil {
		obs.Debug("handshake.malformed", obs.Fields{"session": session, "bytes": len(data), "err": err.Error()})
		obs.HandshakesTotal.WithLabelValues("malformed").Inc()
		return
	}
	if !o.limiter.Allow(session) {
		obs.Warn("handshake.rate_limited", obs.Fields{"session": session})
		obs.HandshakesTotal.WithLabelValues("rate_limited").Inc()
		return
	}
	reply := o.Resolve(ctx, session, req.Key)
	b, err := proto.EncodeReply(reply)
	if err != nil {
		obs.Error("handshake.encode", obs.Fields{"session": session, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("handshake_encode").Inc()
		return
	}
	if _, err := o.replies.Offer(b); err != nil {
		obs.Error("handshake.reply", obs.Fields{"session": session, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("handshake_reply").Inc()
	}
}

// Resolve picks the slot for session: its existing slot, else the first
// free one, else the server is full.
func (o *Orchestrator) Resolve(ctx context.Context, session, key int32) proto.HandshakeReply {
	idx, reused := o.pool.FindSlotForSession(session)
	if reused {
		// A slot that is closed or past its deadline would be reclaimed later
		// in this tick, so it must not be handed out again.
		switch slot := o.pool.Slot(idx); {
		case slot.IsClosed():
			o.pool.Reclaim(idx, "rehandshake")
			reused = false
		case slot.IsTimeoutElapsed():
			o.pool.Reclaim(idx, "rehandshake_expired")
			reused = false
		}
	}
	if !reused {
		var ok bool
		if idx, ok = o.pool.FindFreeSlot(); !ok {
			obs.Warn("handshake.server_full", obs.Fields{"session": session, "capacity": o.pool.Cap()})
			obs.HandshakesTotal.WithLabelValues(proto.FailureServerFull.String()).Inc()
			return proto.Reject(proto.FailureServerFull, proto.Verify(session, key))
		}
	}
	return o.resolveAt(ctx, idx, session, key)
}

func (o *Orchestrator) resolveAt(ctx context.Context, idx int, session, key int32) proto.HandshakeReply {
	verification := proto.Verify(session, key)
	port, control := o.pool.Ports(idx)
	if slot := o.pool.Slot(idx); slot != nil {
		if !slot.IsPublishingOnSession(session) {
			obs.Warn("handshake.slot_taken", obs.Fields{"session": session, "slot": idx, "owner": slot.PublisherSessionID()})
			obs.HandshakesTotal.WithLabelValues(proto.FailureTooManyConnections.String()).Inc()
			return proto.Reject(proto.FailureTooManyConnections, verification)
		}
		slot.Rearm()
		obs.Info("handshake.reuse", obs.Fields{"session": session, "slot": idx, "port": port, "control": control, "deadline": slot.Deadline()})
		obs.HandshakesTotal.WithLabelValues("reused").Inc()
		return proto.Accept(port, control, verification)
	}
	forward, backward := o.pool.Channels(idx)
	if _, err := o.pool.Allocate(ctx, idx, forward, backward, session); err != nil {
		obs.Error("handshake.allocate", obs.Fields{"session": session, "slot": idx, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("slot_allocation").Inc()
		obs.HandshakesTotal.WithLabelValues("allocation_failed").Inc()
		return proto.Reject(proto.FailureServerFull, verification)
	}
	obs.Info("handshake.accept", obs.Fields{"session": session, "slot": idx, "port": port, "control": control})
	obs.HandshakesTotal.WithLabelValues("accepted").Inc()
	return proto.Accept(port, control, verification)
}
