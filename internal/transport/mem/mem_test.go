package mem

import (
	"context"
	"testing"

	"github.com/matst80/udptunnel/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type imageLog struct {
	up, down []int32
}

func (l *imageLog) handlers() transport.ImageHandlers {
	return transport.ImageHandlers{
		OnAvailable:   func(img transport.Image) { l.up = append(l.up, img.SessionID) },
		OnUnavailable: func(img transport.Image) { l.down = append(l.down, img.SessionID) },
	}
}

func TestOfferDeliversToSubscribersOnSameKey(t *testing.T) {
	ctx := context.Background()
	bus := New()
	var log imageLog
	sub, err := bus.AddSubscription(ctx, transport.MustParseURI("udp?endpoint=0.0.0.0:40123"), 7, log.handlers())
	require.NoError(t, err)

	pub, err := bus.AddPublication(ctx, transport.MustParseURI("udp?endpoint=tunnel.example:40123|session-id=55"), 7)
	require.NoError(t, err)
	assert.Equal(t, int32(55), pub.SessionID())
	assert.Equal(t, []int32{55}, log.up)
	assert.True(t, sub.HasImage(55))

	pos, err := pub.Offer([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)

	var got []string
	n := sub.Poll(transport.FragmentHandlerFunc(func(data []byte, hdr transport.Header) {
		got = append(got, string(data))
		assert.Equal(t, int32(55), hdr.SessionID)
		assert.Equal(t, int32(7), hdr.StreamID)
	}), 10)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hello"}, got)

	require.NoError(t, pub.Close())
	assert.Equal(t, []int32{55}, log.down)
	assert.False(t, sub.HasImage(55))
}

func TestOfferWithoutSubscriberIsNotConnected(t *testing.T) {
	bus := New()
	pub, err := bus.AddPublication(context.Background(), transport.MustParseURI("udp?endpoint=127.0.0.1:1"), 1)
	require.NoError(t, err)
	assert.False(t, pub.IsConnected())
	_, err = pub.Offer([]byte("x"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestDifferentStreamsAndKindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	bus := New()
	sub, err := bus.AddSubscription(ctx, transport.MustParseURI("udp?control=0.0.0.0:40124|control-mode=dynamic"), 1, transport.ImageHandlers{})
	require.NoError(t, err)

	endpointPub, err := bus.AddPublication(ctx, transport.MustParseURI("udp?endpoint=127.0.0.1:40124"), 1)
	require.NoError(t, err)
	otherStream, err := bus.AddPublication(ctx, transport.MustParseURI("udp?control=127.0.0.1:40124|control-mode=dynamic"), 2)
	require.NoError(t, err)

	_, err = endpointPub.Offer([]byte("a"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	_, err = otherStream.Offer([]byte("b"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Zero(t, sub.Poll(transport.FragmentHandlerFunc(func([]byte, transport.Header) {}), 10))
}

func TestLateSubscriberSeesExistingImagesOnce(t *testing.T) {
	ctx := context.Background()
	bus := New()
	ch := transport.MustParseURI("udp?endpoint=127.0.0.1:9")
	_, err := bus.AddPublication(ctx, ch.WithSessionID(3), 1)
	require.NoError(t, err)
	_, err = bus.AddPublication(ctx, ch.WithSessionID(3), 1)
	require.NoError(t, err)

	var log imageLog
	_, err = bus.AddSubscription(ctx, ch, 1, log.handlers())
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, log.up)
}

func TestPollRespectsLimitAndClose(t *testing.T) {
	ctx := context.Background()
	bus := New()
	ch := transport.MustParseURI("udp?endpoint=127.0.0.1:9")
	sub, err := bus.AddSubscription(ctx, ch, 1, transport.ImageHandlers{})
	require.NoError(t, err)
	pub, err := bus.AddPublication(ctx, ch, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := pub.Offer([]byte{byte(i)})
		require.NoError(t, err)
	}
	noop := transport.FragmentHandlerFunc(func([]byte, transport.Header) {})
	assert.Equal(t, 2, sub.Poll(noop, 2))
	assert.Equal(t, 1, sub.Poll(noop, 2))
	require.NoError(t, sub.Close())
	_, err = pub.Offer([]byte("late"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	assert.Zero(t, sub.Poll(noop, 10))
}

func TestFailPublications(t *testing.T) {
	bus := New()
	bus.FailPublications = true
	_, err := bus.AddPublication(context.Background(), transport.MustParseURI("udp?endpoint=127.0.0.1:9"), 1)
	assert.Error(t, err)
}
