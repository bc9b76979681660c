// Package redisbus runs the tunnel transport over Redis pub/sub.
//
// Every channel/stream pair maps to one Redis channel. Publications announce
// themselves with a setup frame, heartbeat while open and send a close frame
// on the way out; subscribers turn that into image availability.
package redisbus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/udptunnel/internal/obs"
	"github.com/matst80/udptunnel/internal/transport"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	Namespace         string
	HeartbeatInterval time.Duration
	// ImageLiveness is how long a silent publication keeps its image.
	ImageLiveness time.Duration
	QueueDepth    int
	WriteTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = "udptunnel"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 250 * time.Millisecond
	}
	if o.ImageLiveness <= 0 {
		o.ImageLiveness = 10 * o.HeartbeatInterval
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 4096
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = time.Second
	}
	return o
}

type Transport struct {
	rdb      *redis.Client
	opts     Options
	instance string
	owned    bool

	mu      sync.Mutex
	handles map[closer]struct{}
	closed  bool
}

type closer interface{ Close() error }

var _ transport.Transport = (*Transport)(nil)

// New wraps an existing client; the caller keeps ownership of rdb.
func New(rdb *redis.Client, opts Options) *Transport {
	return &Transport{
		rdb:      rdb,
		opts:     opts.withDefaults(),
		instance: uuid.NewString(),
		handles:  make(map[closer]struct{}),
	}
}

// Dial connects to the Redis server described by url (redis://...).
func Dial(ctx context.Context, url string, opts Options) (*Transport, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	instance := uuid.NewString()
	ro.ClientName = "udptunnel-" + instance
	rdb := redis.NewClient(ro)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis connection failed")
	}
	t := New(rdb, opts)
	t.instance = instance
	t.owned = true
	obs.Info("transport.redis.connected", obs.Fields{"addr": ro.Addr, "db": ro.DB, "instance": instance})
	return t, nil
}

func (t *Transport) channelName(channel transport.URI, streamID int32) string {
	return fmt.Sprintf("%s:%s:%d", t.opts.Namespace, channel.Key(), streamID)
}

func (t *Transport) track(c closer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.handles[c] = struct{}{}
	return nil
}

func (t *Transport) untrack(c closer) {
	t.mu.Lock()
	delete(t.handles, c)
	t.mu.Unlock()
}

func (t *Transport) AddPublication(ctx context.Context, channel transport.URI, streamID int32) (transport.Publication, error) {
	sid := int32(rand.Uint32())
	if channel.SessionID != nil {
		sid = *channel.SessionID
	}
	p := &publication{
		t:       t,
		channel: t.channelName(channel, streamID),
		session: sid,
		stream:  streamID,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if _, err := p.publish(ctx, kindSetup, nil); err != nil {
		return nil, errors.Wrapf(err, "publication on %s", p.channel)
	}
	go p.heartbeat()
	if err := t.track(p); err != nil {
		_ = p.Close()
		return nil, err
	}
	obs.Debug("transport.publication.added", obs.Fields{"channel": p.channel, "session": sid, "stream": streamID})
	return p, nil
}

func (t *Transport) AddSubscription(ctx context.Context, channel transport.URI, streamID int32, images transport.ImageHandlers) (transport.Subscription, error) {
	name := t.channelName(channel, streamID)
	ps := t.rdb.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", name)
	}
	s := newSubscription(name, streamID, images, t.opts, time.Now)
	s.ps = ps
	s.untrack = func() { t.untrack(s) }
	go s.run(ps.Channel())
	if err := t.track(s); err != nil {
		_ = s.Close()
		return nil, err
	}
	obs.Debug("transport.subscription.added", obs.Fields{"channel": name, "stream": streamID})
	return s, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	hs := make([]closer, 0, len(t.handles))
	for h := range t.handles {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		_ = h.Close()
	}
	if t.owned {
		return t.rdb.Close()
	}
	return nil
}

type publication struct {
	t        *Transport
	channel  string
	session  int32
	stream   int32
	position atomic.Int64
	// receivers is the subscriber count reported by the last PUBLISH.
	receivers atomic.Int64
	closed    atomic.Bool
	once      sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func (p *publication) SessionID() int32 { return p.session }
func (p *publication) StreamID() int32  { return p.stream }

func (p *publication) publish(ctx context.Context, kind frameKind, payload []byte) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.t.opts.WriteTimeout)
	defer cancel()
	n, err := p.t.rdb.Publish(ctx, p.channel, encodeFrame(kind, p.session, payload)).Result()
	if err != nil {
		return 0, err
	}
	p.receivers.Store(n)
	return n, nil
}

func (p *publication) Offer(data []byte) (int64, error) {
	if p.closed.Load() {
		return 0, transport.ErrClosed
	}
	n, err := p.publish(context.Background(), kindData, data)
	if err != nil {
		return 0, errors.Wrapf(err, "offer on %s", p.channel)
	}
	if n == 0 {
		return 0, transport.ErrNotConnected
	}
	return p.position.Add(int64(len(data))), nil
}

func (p *publication) IsConnected() bool {
	return !p.closed.Load() && p.receivers.Load() > 0
}

func (p *publication) heartbeat() {
	defer close(p.done)
	ticker := time.NewTicker(p.t.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if _, err := p.publish(context.Background(), kindHeartbeat, nil); err != nil {
				obs.Debug("transport.heartbeat", obs.Fields{"channel": p.channel, "err": err.Error()})
			}
		}
	}
}

func (p *publication) Close() error {
	var err error
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.stop)
		<-p.done
		p.t.untrack(p)
		_, err = p.publish(context.Background(), kindClose, nil)
	})
	if err != nil {
		return errors.Wrapf(err, "close publication on %s", p.channel)
	}
	return nil
}

type fragment struct {
	data []byte
	hdr  transport.Header
}

type imageState struct {
	lastSeen time.Time
}

type subscription struct {
	channel string
	stream  int32
	images  transport.ImageHandlers
	opts    Options
	now     func() time.Time
	ps      *redis.PubSub
	untrack func()

	mu     sync.Mutex
	queue  []fragment
	live   map[int32]*imageState
	closed bool

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func newSubscription(channel string, stream int32, images transport.ImageHandlers, opts Options, now func() time.Time) *subscription {
	return &subscription{
		channel: channel,
		stream:  stream,
		images:  images,
		opts:    opts,
		now:     now,
		live:    make(map[int32]*imageState),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *subscription) StreamID() int32 { return s.stream }

func (s *subscription) run(msgs <-chan *redis.Message) {
	defer close(s.done)
	sweep := time.NewTicker(s.opts.ImageLiveness / 2)
	defer sweep.Stop()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handle([]byte(msg.Payload))
		case <-sweep.C:
			s.sweep()
		}
	}
}

func (s *subscription) image(session int32) transport.Image {
	return transport.Image{SessionID: session, StreamID: s.stream, Source: s.channel}
}

// handle processes one raw frame. Image callbacks run after the lock is released.
func (s *subscription) handle(raw []byte) {
	kind, session, payload, err := decodeFrame(raw)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("transport_frame").Inc()
		obs.Debug("transport.frame.invalid", obs.Fields{"channel": s.channel, "err": err.Error()})
		return
	}
	var notify *bool
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	img, known := s.live[session]
	switch {
	case kind == kindClose:
		if known {
			delete(s.live, session)
			v := false
			notify = &v
		}
	case !known:
		s.live[session] = &imageState{lastSeen: s.now()}
		v := true
		notify = &v
	default:
		img.lastSeen = s.now()
	}
	if kind == kindData {
		if len(s.queue) < s.opts.QueueDepth {
			s.queue = append(s.queue, fragment{data: payload, hdr: transport.Header{SessionID: session, StreamID: s.stream}})
		} else {
			obs.ErrorsTotal.WithLabelValues("transport_queue_full").Inc()
		}
	}
	s.mu.Unlock()
	if notify != nil {
		obs.Debug("transport.image", obs.Fields{"channel": s.channel, "session": session, "kind": kind.String(), "available": *notify})
		s.images.Notify(s.image(session), *notify)
	}
}

func (s *subscription) sweep() {
	cutoff := s.now().Add(-s.opts.ImageLiveness)
	var expired []int32
	s.mu.Lock()
	for session, img := range s.live {
		if img.lastSeen.Before(cutoff) {
			expired = append(expired, session)
			delete(s.live, session)
		}
	}
	s.mu.Unlock()
	for _, session := range expired {
		s.images.Notify(s.image(session), false)
	}
}

func (s *subscription) Poll(h transport.FragmentHandler, limit int) int {
	s.mu.Lock()
	if s.closed || len(s.queue) == 0 || limit <= 0 {
		s.mu.Unlock()
		return 0
	}
	n := min(limit, len(s.queue))
	batch := s.queue[:n:n]
	s.queue = s.queue[n:]
	s.mu.Unlock()
	for _, f := range batch {
		h.OnFragment(f.data, f.hdr)
	}
	return n
}

func (s *subscription) HasImage(sessionID int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[sessionID]
	return ok
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.live = make(map[int32]*imageState)
		s.mu.Unlock()
		close(s.stop)
		if s.ps != nil {
			err = s.ps.Close()
			<-s.done
		}
		if s.untrack != nil {
			s.untrack()
		}
	})
	return errors.Wrapf(err, "close subscription on %s", s.channel)
}
