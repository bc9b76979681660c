package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/udptunnel/internal/proto"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/matst80/udptunnel/internal/transport/mem"
	"github.com/stretchr/testify/require"
)

const testStream int32 = 1001

var (
	testForward  = transport.MustParseURI("udp?endpoint=0.0.0.0:40123")
	testBackward = transport.MustParseURI("udp?control=0.0.0.0:40223|control-mode=dynamic")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	bus      *mem.Bus
	clock    *fakeClock
	srv      *Server
	endpoint net.PacketConn
	replies  transport.Subscription
	requests map[int32]transport.Publication
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	endpoint, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.Dial("udp", endpoint.LocalAddr().String())
	require.NoError(t, err)

	bus := mem.New()
	clock := newFakeClock()
	cfg.Forward = testForward
	cfg.Backward = testBackward
	cfg.StreamID = testStream
	cfg.Clock = clock
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 10
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	ctx := context.Background()
	srv, err := New(ctx, cfg, bus, conn)
	require.NoError(t, err)

	replies, err := bus.AddSubscription(ctx, transport.MustParseURI("udp?control=127.0.0.1:40223|control-mode=dynamic"), testStream, transport.ImageHandlers{})
	require.NoError(t, err)

	h := &harness{t: t, ctx: ctx, bus: bus, clock: clock, srv: srv, endpoint: endpoint, replies: replies, requests: make(map[int32]transport.Publication)}
	t.Cleanup(func() {
		_ = srv.Close()
		_ = conn.Close()
		_ = endpoint.Close()
	})
	return h
}

// sendRequest publishes a handshake request from session without ticking.
func (h *harness) sendRequest(session, key int32) {
	h.t.Helper()
	pub, ok := h.requests[session]
	if !ok {
		var err error
		pub, err = h.bus.AddPublication(h.ctx, transport.MustParseURI("udp?endpoint=127.0.0.1:40123").WithSessionID(session), testStream)
		require.NoError(h.t, err)
		h.requests[session] = pub
	}
	b, err := proto.EncodeRequest(proto.HandshakeRequest{Key: key})
	require.NoError(h.t, err)
	_, err = pub.Offer(b)
	require.NoError(h.t, err)
}

// collectReplies returns every reply published since the last call.
func (h *harness) collectReplies() []proto.HandshakeReply {
	var out []proto.HandshakeReply
	h.replies.Poll(transport.FragmentHandlerFunc(func(data []byte, _ transport.Header) {
		r, err := proto.DecodeReply(data)
		require.NoError(h.t, err)
		out = append(out, r)
	}), 100)
	return out
}

// handshake runs one request through a tick and returns the matching reply.
func (h *harness) handshake(session, key int32) proto.HandshakeReply {
	h.t.Helper()
	h.sendRequest(session, key)
	h.srv.Tick(h.ctx)
	for _, r := range h.collectReplies() {
		if r.Verification() == proto.Verify(session, key) {
			return r
		}
	}
	h.t.Fatalf("no reply for session %d", session)
	return proto.HandshakeReply{}
}

// attach opens the client's data plane for an accepted reply.
func (h *harness) attach(session int32, resp *proto.HandshakeResponse) (transport.Publication, transport.Subscription) {
	h.t.Helper()
	pub, err := h.bus.AddPublication(h.ctx, transport.MustParseURI("udp?endpoint=127.0.0.1:40123").WithPort(resp.Port).WithSessionID(session), testStream)
	require.NoError(h.t, err)
	sub, err := h.bus.AddSubscription(h.ctx, transport.MustParseURI("udp?control=127.0.0.1:40223|control-mode=dynamic").WithPort(resp.Control), testStream, transport.ImageHandlers{})
	require.NoError(h.t, err)
	return pub, sub
}

func (h *harness) stateOf(index int) SlotState {
	slot := h.srv.pool.Slot(index)
	if slot == nil {
		return SlotClosed
	}
	return slot.State()
}
