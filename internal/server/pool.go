package server

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
)

// SlotAllocationError reports that the transport refused a slot's channels.
// The slot index stays empty.
type SlotAllocationError struct {
	Index int
	Err   error
}

func (e *SlotAllocationError) Error() string {
	return fmt.Sprintf("allocate slot %d: %v", e.Index, e.Err)
}

func (e *SlotAllocationError) Unwrap() error { return e.Err }

// PoolConfig addresses the slot channels. Forward and Backward are the
// handshake channels; slot i uses their ports plus i+1.
type PoolConfig struct {
	Forward           transport.URI
	Backward          transport.URI
	StreamID          int32
	MaxClients        int
	ConnectionTimeout time.Duration
	SessionTimeout    time.Duration
}

// Pool is the fixed-size slot table. Its entries are only inserted and
// removed by the tick loop.
type Pool struct {
	cfg         PoolConfig
	tr          transport.Transport
	events      *EventQueue
	clock       Clock
	slots       []*ClientSlot
	basePort    int
	baseControl int
}

func NewPool(tr transport.Transport, cfg PoolConfig, events *EventQueue, clock Clock) (*Pool, error) {
	if cfg.MaxClients <= 0 {
		return nil, errors.Errorf("max clients must be positive, got %d", cfg.MaxClients)
	}
	basePort, err := cfg.Forward.Port()
	if err != nil {
		return nil, errors.Wrap(err, "forward channel")
	}
	baseControl, err := cfg.Backward.Port()
	if err != nil {
		return nil, errors.Wrap(err, "backward channel")
	}
	if basePort+cfg.MaxClients > 65535 || baseControl+cfg.MaxClients > 65535 {
		return nil, errors.Errorf("%d slots do not fit above ports %d/%d", cfg.MaxClients, basePort, baseControl)
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Pool{
		cfg:         cfg,
		tr:          tr,
		events:      events,
		clock:       clock,
		slots:       make([]*ClientSlot, cfg.MaxClients),
		basePort:    basePort,
		baseControl: baseControl,
	}, nil
}

func (p *Pool) Cap() int { return len(p.slots) }

// Slot returns the slot at index or nil.
func (p *Pool) Slot(index int) *ClientSlot {
	if index < 0 || index >= len(p.slots) {
		return nil
	}
	return p.slots[index]
}

// Ports returns the data-plane port and control port of index.
func (p *Pool) Ports(index int) (port, control int) {
	return p.basePort + index + 1, p.baseControl + index + 1
}

// Channels returns the forward and backward channel of index.
func (p *Pool) Channels(index int) (forward, backward transport.URI) {
	port, control := p.Ports(index)
	return p.cfg.Forward.WithPort(port), p.cfg.Backward.WithPort(control)
}

func (p *Pool) FindSlotForSession(session int32) (int, bool) {
	for i, s := range p.slots {
		if s != nil && s.IsPublishingOnSession(session) {
			return i, true
		}
	}
	return -1, false
}

func (p *Pool) FindFreeSlot() (int, bool) {
	for i, s := range p.slots {
		if s == nil {
			return i, true
		}
	}
	return -1, false
}

// Allocate opens the slot's subscription on forward and its publication on
// backward, both bound to session.
func (p *Pool) Allocate(ctx context.Context, index int, forward, backward transport.URI, session int32) (*ClientSlot, error) {
	if index < 0 || index >= len(p.slots) {
		return nil, &SlotAllocationError{Index: index, Err: errors.New("index out of range")}
	}
	if p.slots[index] != nil {
		return nil, &SlotAllocationError{Index: index, Err: errors.New("index occupied")}
	}
	sub, err := p.tr.AddSubscription(ctx, forward, p.cfg.StreamID, p.events.ImageHandlers())
	if err != nil {
		return nil, &SlotAllocationError{Index: index, Err: err}
	}
	pub, err := p.tr.AddPublication(ctx, backward.WithSessionID(session), p.cfg.StreamID)
	if err != nil {
		_ = sub.Close()
		return nil, &SlotAllocationError{Index: index, Err: err}
	}
	port, control := p.Ports(index)
	slot := newClientSlot(index, port, control, pub, sub, p.clock, p.cfg.ConnectionTimeout, p.cfg.SessionTimeout)
	p.slots[index] = slot
	obs.Info("slot.allocated", obs.Fields{"slot": index, "session": session, "port": port, "control": control, "forward": forward.String(), "backward": backward.String()})
	return slot, nil
}

// Reclaim closes and empties index. Reclaiming an empty index is a no-op.
func (p *Pool) Reclaim(index int, reason string) {
	slot := p.Slot(index)
	if slot == nil {
		return
	}
	p.slots[index] = nil
	if err := slot.Close(); err != nil {
		obs.Error("slot.close", obs.Fields{"slot": index, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("slot_close").Inc()
	}
	obs.SlotsReclaimed.WithLabelValues(reason).Inc()
	obs.SlotLifetimeSeconds.Observe(p.clock.Now().Sub(slot.created).Seconds())
	obs.Info("slot.reclaimed", obs.Fields{"slot": index, "session": slot.PublisherSessionID(), "reason": reason})
}

// Each calls fn for every occupied index in ascending order.
func (p *Pool) Each(fn func(index int, slot *ClientSlot)) {
	for i, s := range p.slots {
		if s != nil {
			fn(i, s)
		}
	}
}

// Counts returns how many slots are pending and active.
func (p *Pool) Counts() (pending, active int) {
	p.Each(func(_ int, s *ClientSlot) {
		switch s.State() {
		case SlotPending:
			pending++
		case SlotActive:
			active++
		}
	})
	return pending, active
}
