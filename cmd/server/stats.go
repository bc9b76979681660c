package main

import (
	"time"

	"github.com/matst80/udptunnel/internal/server"
)

// slotSource is the read-only view of the server the HTTP handlers need.
type slotSource interface {
	Slots() []server.SlotInfo
	Capacity() int
	Ready() bool
}

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Capacity int               `json:"capacity"`
	Active   int               `json:"active"`
	Pending  int               `json:"pending"`
	Slots    []server.SlotInfo `json:"slots"`
	Now      string            `json:"now"`
}

func collectStats(s slotSource) Stats {
	slots := s.Slots()
	if slots == nil {
		slots = []server.SlotInfo{}
	}
	st := Stats{Capacity: s.Capacity(), Slots: slots, Now: time.Now().UTC().Format(time.RFC3339)}
	for _, info := range slots {
		switch info.State {
		case "active":
			st.Active++
		case "pending":
			st.Pending++
		}
	}
	return st
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Capacity": s.Capacity,
		"Active":   s.Active,
		"Pending":  s.Pending,
		"Free":     s.Capacity - len(s.Slots),
		"Slots":    s.Slots,
	}
}
