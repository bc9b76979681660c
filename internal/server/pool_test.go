package server

import (
	"context"
	"testing"
	"time"

	"github.com/matst80/udptunnel/internal/transport"
	"github.com/matst80/udptunnel/internal/transport/mem"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, bus *mem.Bus, clock Clock, maxClients int) *Pool {
	t.Helper()
	pool, err := NewPool(bus, PoolConfig{
		Forward:           testForward,
		Backward:          testBackward,
		StreamID:          testStream,
		MaxClients:        maxClients,
		ConnectionTimeout: 5 * time.Second,
		SessionTimeout:    30 * time.Second,
	}, NewEventQueue(), clock)
	require.NoError(t, err)
	return pool
}

func TestPoolPortsFollowIndex(t *testing.T) {
	pool := newTestPool(t, mem.New(), newFakeClock(), 10)
	port, control := pool.Ports(2)
	assert.Equal(t, 40126, port)
	assert.Equal(t, 40226, control)

	forward, backward := pool.Channels(2)
	assert.Equal(t, "endpoint:40126", forward.Key())
	assert.Equal(t, "control:40226", backward.Key())
}

func TestPoolRejectsBadConfig(t *testing.T) {
	_, err := NewPool(mem.New(), PoolConfig{Forward: testForward, Backward: testBackward}, NewEventQueue(), nil)
	assert.Error(t, err)

	_, err = NewPool(mem.New(), PoolConfig{
		Forward:    transport.MustParseURI("udp?endpoint=0.0.0.0:65530"),
		Backward:   testBackward,
		MaxClients: 10,
	}, NewEventQueue(), nil)
	assert.Error(t, err)
}

func TestPoolAllocateFindReclaim(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, mem.New(), newFakeClock(), 3)

	idx, ok := pool.FindFreeSlot()
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	fwd, bwd := pool.Channels(0)
	slot, err := pool.Allocate(ctx, 0, fwd, bwd, 501)
	require.NoError(t, err)
	assert.Equal(t, int32(501), slot.PublisherSessionID())
	assert.Equal(t, SlotPending, slot.State())
	assert.Equal(t, int32(-1), slot.SubscriberSessionID())

	_, err = pool.Allocate(ctx, 0, fwd, bwd, 502)
	var allocErr *SlotAllocationError
	assert.True(t, errors.As(err, &allocErr))

	idx, ok = pool.FindFreeSlot()
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = pool.FindSlotForSession(501)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	_, ok = pool.FindSlotForSession(502)
	assert.False(t, ok)

	pool.Reclaim(0, "test")
	assert.Nil(t, pool.Slot(0))
	assert.True(t, slot.IsClosed())
	pool.Reclaim(0, "test")
	pool.Reclaim(2, "test")

	idx, ok = pool.FindFreeSlot()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestPoolAllocateFailureLeavesIndexEmpty(t *testing.T) {
	bus := mem.New()
	bus.FailPublications = true
	pool := newTestPool(t, bus, newFakeClock(), 2)
	fwd, bwd := pool.Channels(1)
	_, err := pool.Allocate(context.Background(), 1, fwd, bwd, 9)
	var allocErr *SlotAllocationError
	require.True(t, errors.As(err, &allocErr))
	assert.Equal(t, 1, allocErr.Index)
	assert.Nil(t, pool.Slot(1))

	// the half-opened subscription must not linger on the slot channel
	pub, err := func() (transport.Publication, error) {
		bus.FailPublications = false
		return bus.AddPublication(context.Background(), fwd, testStream)
	}()
	require.NoError(t, err)
	assert.False(t, pub.IsConnected())
}

func TestPoolFullHasNoFreeSlot(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, mem.New(), newFakeClock(), 2)
	for i := 0; i < 2; i++ {
		fwd, bwd := pool.Channels(i)
		_, err := pool.Allocate(ctx, i, fwd, bwd, int32(100+i))
		require.NoError(t, err)
	}
	_, ok := pool.FindFreeSlot()
	assert.False(t, ok)
	pending, active := pool.Counts()
	assert.Equal(t, 2, pending)
	assert.Equal(t, 0, active)
}
