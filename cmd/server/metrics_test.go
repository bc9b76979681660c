package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matst80/udptunnel/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	slots []server.SlotInfo
	ready bool
}

func (f fakeSource) Slots() []server.SlotInfo { return f.slots }
func (f fakeSource) Capacity() int            { return 3 }
func (f fakeSource) Ready() bool              { return f.ready }

func TestSlotsAPI(t *testing.T) {
	src := fakeSource{slots: []server.SlotInfo{
		{Index: 0, Port: 40124, Control: 40224, Session: 5, Subscriber: 5, State: "active", Deadline: time.Now()},
		{Index: 2, Port: 40126, Control: 40226, Session: 9, Subscriber: -1, State: "pending", Deadline: time.Now()},
	}}
	rec := httptest.NewRecorder()
	newMetricsMux(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slots", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Capacity)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Pending)
	require.Len(t, st.Slots, 2)
	assert.Equal(t, 40126, st.Slots[1].Port)
}

func TestReadyz(t *testing.T) {
	rec := httptest.NewRecorder()
	newMetricsMux(fakeSource{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	newMetricsMux(fakeSource{ready: true}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDashboard(t *testing.T) {
	rec := httptest.NewRecorder()
	newMetricsMux(fakeSource{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "3 free of 3 slots")
}
