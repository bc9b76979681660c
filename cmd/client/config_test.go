package main

import (
	"flag"
	"testing"

	"github.com/matst80/udptunnel/internal/transport"
	"github.com/matst80/udptunnel/internal/transport/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTransportCrossesProcesses(t *testing.T) {
	f := flag.Lookup("transport")
	require.NotNil(t, f)
	assert.Equal(t, "redis://127.0.0.1:6379/0", f.DefValue)
	assert.False(t, factory.InProcess(f.DefValue))
}

func TestDefaultChannelsParse(t *testing.T) {
	for _, name := range []string{"forward", "backward"} {
		f := flag.Lookup(name)
		require.NotNil(t, f, name)
		_, err := transport.ParseURI(f.DefValue)
		assert.NoError(t, err, name)
	}
}
