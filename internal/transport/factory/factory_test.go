package factory

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/matst80/udptunnel/internal/transport/mem"
	"github.com/matst80/udptunnel/internal/transport/redisbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemIsShared(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, "mem://", redisbus.Options{})
	require.NoError(t, err)
	b, err := Open(ctx, "", redisbus.Options{})
	require.NoError(t, err)
	assert.IsType(t, &mem.Bus{}, a)
	assert.Same(t, a, b)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	tr, err := Open(context.Background(), "redis://"+mr.Addr()+"/0", redisbus.Options{})
	require.NoError(t, err)
	defer tr.Close()
	assert.IsType(t, &redisbus.Transport{}, tr)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(context.Background(), "nats://localhost:4222", redisbus.Options{})
	assert.ErrorContains(t, err, "unsupported")
}

func TestInProcess(t *testing.T) {
	assert.True(t, InProcess(""))
	assert.True(t, InProcess("mem://"))
	assert.False(t, InProcess("redis://127.0.0.1:6379/0"))
}
