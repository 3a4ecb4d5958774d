package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrChannelClosed = errors.New("channel closed")

const DefaultFallbackWindow = 5 * time.Second

// LocalChannel broadcasts between screens of one process, the same-device
// fallback path. A message is only delivered within window of its publish
// time; retained copies replay to late subscribers until they go stale.
type LocalChannel struct {
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu       sync.Mutex
	nextID   uint64
	seq      uint64
	subs     map[string]map[uint64]localSubscriber
	retained []localMessage

	queue     chan localMessage
	done      chan struct{}
	closeOnce sync.Once
}

type localMessage struct {
	seq     uint64
	topic   string
	payload []byte
	at      time.Time
}

// localSubscriber receives live messages newer than from; older ones reach it
// through replay.
type localSubscriber struct {
	handler Handler
	from    uint64
}

type LocalOption func(*LocalChannel)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LocalOption {
	return func(c *LocalChannel) { c.now = now }
}

func NewLocalChannel(window time.Duration, logger zerolog.Logger, opts ...LocalOption) *LocalChannel {
	if window <= 0 {
		window = DefaultFallbackWindow
	}
	c := &LocalChannel{
		window: window,
		now:    time.Now,
		logger: logger,
		subs:   make(map[string]map[uint64]localSubscriber),
		queue:  make(chan localMessage, 256),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatch()
	go c.janitor()
	return c
}

func (c *LocalChannel) Name() string { return "local" }

func (c *LocalChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	c.mu.Lock()
	c.seq++
	msg := localMessage{seq: c.seq, topic: topic, payload: append([]byte(nil), payload...), at: c.now()}
	c.retained = append(c.retained, msg)
	c.mu.Unlock()

	select {
	case c.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrChannelClosed
	}
}

// Subscribe registers handler and replays retained messages on topic that are
// still fresh.
func (c *LocalChannel) Subscribe(topic string, handler Handler) (Subscription, error) {
	select {
	case <-c.done:
		return nil, ErrChannelClosed
	default:
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[uint64]localSubscriber)
	}
	c.subs[topic][id] = localSubscriber{handler: handler, from: c.seq}
	var replay []localMessage
	for _, msg := range c.retained {
		if msg.topic == topic && c.fresh(msg) {
			replay = append(replay, msg)
		}
	}
	c.mu.Unlock()

	for _, msg := range replay {
		handler(msg.topic, msg.payload)
	}
	return &localSubscription{channel: c, topic: topic, id: id}, nil
}

// Purge drops stale retained messages and returns how many were removed.
func (c *LocalChannel) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.retained[:0]
	for _, msg := range c.retained {
		if c.fresh(msg) {
			kept = append(kept, msg)
		}
	}
	removed := len(c.retained) - len(kept)
	for i := len(kept); i < len(c.retained); i++ {
		c.retained[i] = localMessage{}
	}
	c.retained = kept
	return removed
}

// Retained reports how many messages are kept for replay.
func (c *LocalChannel) Retained() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retained)
}

func (c *LocalChannel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *LocalChannel) fresh(msg localMessage) bool {
	return c.now().Sub(msg.at) <= c.window
}

func (c *LocalChannel) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			c.mu.Lock()
			if !c.fresh(msg) {
				c.mu.Unlock()
				c.logger.Debug().Str("topic", msg.topic).Msg("dropping stale fallback message")
				continue
			}
			handlers := make([]Handler, 0, len(c.subs[msg.topic]))
			for _, sub := range c.subs[msg.topic] {
				if msg.seq > sub.from {
					handlers = append(handlers, sub.handler)
				}
			}
			c.mu.Unlock()
			for _, h := range handlers {
				h(msg.topic, msg.payload)
			}
		}
	}
}

func (c *LocalChannel) janitor() {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if removed := c.Purge(); removed > 0 {
				c.logger.Debug().Int("removed", removed).Msg("purged stale fallback messages")
			}
		}
	}
}

type localSubscription struct {
	channel *LocalChannel
	topic   string
	id      uint64
	once    sync.Once
}

func (s *localSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.channel.mu.Lock()
		defer s.channel.mu.Unlock()
		delete(s.channel.subs[s.topic], s.id)
		if len(s.channel.subs[s.topic]) == 0 {
			delete(s.channel.subs, s.topic)
		}
	})
	return nil
}
