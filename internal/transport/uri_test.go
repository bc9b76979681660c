package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("aeron:udp?control=10.0.0.1:40124|control-mode=dynamic|interface=10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:40124", u.Control)
	assert.Equal(t, ControlModeDynamic, u.ControlMode)
	assert.Equal(t, "10.0.0.2", u.Interface)
	assert.Equal(t, "control:40124", u.Key())

	u, err = ParseURI("endpoint=0.0.0.0:40123|session-id=-12")
	require.NoError(t, err)
	require.NotNil(t, u.SessionID)
	assert.Equal(t, int32(-12), *u.SessionID)
	assert.Equal(t, "endpoint:40123", u.Key())
	assert.Equal(t, "udp?endpoint=0.0.0.0:40123|session-id=-12", u.String())
}

func TestParseURIErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"udp?",
		"udp?interface=1.2.3.4",
		"udp?endpoint=nohost",
		"udp?endpoint=1.2.3.4:99999",
		"udp?endpoint=1.2.3.4:1|bogus=1",
		"udp?endpoint",
		"udp?endpoint=1.2.3.4:1|session-id=abc",
	} {
		_, err := ParseURI(in)
		assert.Error(t, err, in)
	}
}

func TestWithPortKeepsHostAndDropsSession(t *testing.T) {
	u := MustParseURI("udp?endpoint=tunnel.example:40123|session-id=4")
	moved := u.WithPort(40126)
	assert.Equal(t, "tunnel.example:40126", moved.Endpoint)
	assert.Nil(t, moved.SessionID)
	assert.Equal(t, "endpoint:40126", moved.Key())

	c := MustParseURI("udp?control=0.0.0.0:40124|control-mode=dynamic").WithPort(40127)
	assert.Equal(t, "udp?control=0.0.0.0:40127|control-mode=dynamic", c.String())
	assert.Equal(t, "control:40127", c.WithSessionID(9).Key())
}
