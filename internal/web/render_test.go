package web

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	Index      int
	Port       int
	Control    int
	Session    int32
	Subscriber int32
	State      string
	Deadline   time.Time
}

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"Capacity": 4,
		"Active":   1,
		"Pending":  0,
		"Free":     3,
		"Slots":    []row{{Index: 0, Port: 40124, Control: 40224, Session: 77, Subscriber: 77, State: "active", Deadline: time.Now().Add(time.Minute)}},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "1 active, 0 pending, 3 free of 4 slots")
	assert.Contains(t, out, "<td>40124</td>")
	assert.Contains(t, out, `class="active"`)
	assert.NotContains(t, out, "no clients")
}

func TestRenderEmptyDashboard(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "dashboard", map[string]any{"Capacity": 2, "Free": 2}))
	assert.Contains(t, buf.String(), "no clients")
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Render(&buf, "missing", nil))
}
