package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags() (*flag.FlagSet, *int, *bool, *time.Duration, *string) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	maxClients := fs.Int("max-clients", 10, "")
	relay := fs.Bool("relay", false, "")
	timeout := fs.Duration("session-timeout", 30*time.Second, "")
	forward := fs.String("forward", "udp?endpoint=0.0.0.0:40123", "")
	return fs, maxClients, relay, timeout, forward
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "udptunnel.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestApplyFileSetsUnsetFlags(t *testing.T) {
	fs, maxClients, relay, timeout, forward := newFlags()
	require.NoError(t, fs.Parse([]string{"-max-clients", "3"}))

	p := writeFile(t, `
max-clients = 8
relay = true
session-timeout = "1m"
forward = "udp?endpoint=10.0.0.1:50000"
`)
	require.NoError(t, ApplyFile(fs, p))

	assert.Equal(t, 3, *maxClients, "command line wins")
	assert.True(t, *relay)
	assert.Equal(t, time.Minute, *timeout)
	assert.Equal(t, "udp?endpoint=10.0.0.1:50000", *forward)
}

func TestApplyFileRejectsUnknownKey(t *testing.T) {
	fs, _, _, _, _ := newFlags()
	require.NoError(t, fs.Parse(nil))
	err := ApplyFile(fs, writeFile(t, `max-client = 8`))
	assert.ErrorContains(t, err, "max-client")
}

func TestApplyFileRejectsTables(t *testing.T) {
	fs, _, _, _, _ := newFlags()
	require.NoError(t, fs.Parse(nil))
	err := ApplyFile(fs, writeFile(t, "[relay]\nx = 1\n"))
	assert.Error(t, err)
}

func TestApplyFileBadValue(t *testing.T) {
	fs, _, _, _, _ := newFlags()
	require.NoError(t, fs.Parse(nil))
	err := ApplyFile(fs, writeFile(t, `session-timeout = "soon"`))
	assert.Error(t, err)
}

func TestApplyFileMissing(t *testing.T) {
	fs, _, _, _, _ := newFlags()
	assert.Error(t, ApplyFile(fs, filepath.Join(t.TempDir(), "nope.toml")))
}
