package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSlots         = promauto.NewGauge(prometheus.GaugeOpts{Name: "udptunnel_slots_active", Help: "Client slots with an attached remote subscriber"})
	PendingSlots        = promauto.NewGauge(prometheus.GaugeOpts{Name: "udptunnel_slots_pending", Help: "Client slots allocated but not yet activated"})
	HandshakesTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udptunnel_handshakes_total", Help: "Handshake requests by outcome"}, []string{"result"})
	SlotsReclaimed      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udptunnel_slots_reclaimed_total", Help: "Reclaimed client slots by reason"}, []string{"reason"})
	ForwardedBytes      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udptunnel_forwarded_bytes_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "udptunnel_errors_total", Help: "Errors by type"}, []string{"type"})
	SlotLifetimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "udptunnel_slot_lifetime_seconds", Help: "Client slot lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
