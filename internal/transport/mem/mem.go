// Package mem is an in-process transport. Every publication and subscription
// created from the same Bus meets on channels keyed by URI key and stream id.
package mem

import (
	"context"
	"math/rand"
	"sync"

	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
)

type channelKey struct {
	key    string
	stream int32
}

type Bus struct {
	mu     sync.Mutex
	pubs   map[channelKey][]*publication
	subs   map[channelKey][]*subscription
	closed bool
	// FailPublications makes AddPublication fail, for exercising error paths.
	FailPublications bool
}

func New() *Bus {
	return &Bus{
		pubs: make(map[channelKey][]*publication),
		subs: make(map[channelKey][]*subscription),
	}
}

var _ transport.Transport = (*Bus)(nil)

type notification struct {
	images    transport.ImageHandlers
	img       transport.Image
	available bool
}

func fire(ns []notification) {
	for _, n := range ns {
		n.images.Notify(n.img, n.available)
	}
}

func (b *Bus) AddPublication(_ context.Context, channel transport.URI, streamID int32) (transport.Publication, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if b.FailPublications {
		b.mu.Unlock()
		return nil, errors.Errorf("mem: publication on %s refused", channel)
	}
	sid := int32(rand.Uint32())
	if channel.SessionID != nil {
		sid = *channel.SessionID
	}
	k := channelKey{key: channel.Key(), stream: streamID}
	p := &publication{bus: b, key: k, session: sid, source: channel.String()}
	b.pubs[k] = append(b.pubs[k], p)
	var ns []notification
	if b.sessionRefs(k, sid) == 1 {
		for _, s := range b.subs[k] {
			ns = append(ns, notification{images: s.images, img: p.image(), available: true})
		}
	}
	b.mu.Unlock()
	fire(ns)
	return p, nil
}

func (b *Bus) AddSubscription(_ context.Context, channel transport.URI, streamID int32, images transport.ImageHandlers) (transport.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, transport.ErrClosed
	}
	k := channelKey{key: channel.Key(), stream: streamID}
	s := &subscription{bus: b, key: k, images: images}
	b.subs[k] = append(b.subs[k], s)
	var ns []notification
	seen := make(map[int32]bool)
	for _, p := range b.pubs[k] {
		if seen[p.session] {
			continue
		}
		seen[p.session] = true
		ns = append(ns, notification{images: images, img: p.image(), available: true})
	}
	b.mu.Unlock()
	fire(ns)
	return s, nil
}

// Close drops every handle without image notifications.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, ps := range b.pubs {
		for _, p := range ps {
			p.closed = true
		}
	}
	for _, ss := range b.subs {
		for _, s := range ss {
			s.closed = true
			s.queue = nil
		}
	}
	b.pubs = make(map[channelKey][]*publication)
	b.subs = make(map[channelKey][]*subscription)
	return nil
}

// sessionRefs counts open publications with session sid on k. Caller holds b.mu.
func (b *Bus) sessionRefs(k channelKey, sid int32) int {
	n := 0
	for _, p := range b.pubs[k] {
		if p.session == sid {
			n++
		}
	}
	return n
}

type fragment struct {
	data []byte
	hdr  transport.Header
}

type publication struct {
	bus      *Bus
	key      channelKey
	session  int32
	source   string
	position int64
	closed   bool
}

func (p *publication) image() transport.Image {
	return transport.Image{SessionID: p.session, StreamID: p.key.stream, Source: p.source}
}

func (p *publication) SessionID() int32 { return p.session }
func (p *publication) StreamID() int32  { return p.key.stream }

func (p *publication) Offer(data []byte) (int64, error) {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed {
		return 0, transport.ErrClosed
	}
	subs := b.subs[p.key]
	if len(subs) == 0 {
		return 0, transport.ErrNotConnected
	}
	hdr := transport.Header{SessionID: p.session, StreamID: p.key.stream}
	for _, s := range subs {
		s.queue = append(s.queue, fragment{data: append([]byte(nil), data...), hdr: hdr})
	}
	p.position += int64(len(data))
	return p.position, nil
}

func (p *publication) IsConnected() bool {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	return !p.closed && len(b.subs[p.key]) > 0
}

func (p *publication) Close() error {
	b := p.bus
	b.mu.Lock()
	if p.closed {
		b.mu.Unlock()
		return nil
	}
	p.closed = true
	ps := b.pubs[p.key]
	for i, other := range ps {
		if other == p {
			b.pubs[p.key] = append(ps[:i:i], ps[i+1:]...)
			break
		}
	}
	var ns []notification
	if b.sessionRefs(p.key, p.session) == 0 {
		for _, s := range b.subs[p.key] {
			ns = append(ns, notification{images: s.images, img: p.image(), available: false})
		}
	}
	b.mu.Unlock()
	fire(ns)
	return nil
}

type subscription struct {
	bus    *Bus
	key    channelKey
	images transport.ImageHandlers
	queue  []fragment
	closed bool
}

func (s *subscription) StreamID() int32 { return s.key.stream }

func (s *subscription) Poll(h transport.FragmentHandler, limit int) int {
	b := s.bus
	b.mu.Lock()
	if s.closed || len(s.queue) == 0 || limit <= 0 {
		b.mu.Unlock()
		return 0
	}
	n := min(limit, len(s.queue))
	batch := s.queue[:n:n]
	s.queue = s.queue[n:]
	b.mu.Unlock()
	for _, f := range batch {
		h.OnFragment(f.data, f.hdr)
	}
	return n
}

func (s *subscription) HasImage(sessionID int32) bool {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	return !s.closed && b.sessionRefs(s.key, sessionID) > 0
}

func (s *subscription) Close() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.queue = nil
	ss := b.subs[s.key]
	for i, other := range ss {
		if other == s {
			b.subs[s.key] = append(ss[:i:i], ss[i+1:]...)
			break
		}
	}
	return nil
}
