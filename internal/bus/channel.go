package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const requestTimeout = 30 * time.Second

// ChannelBus implements EventBus using Go channels. It is the bus for
// single-node deployments where the ingest API and the detection
// workers run in the same process.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	// registry maps tenant:topic to the active subscriptions on it.
	registry map[string]map[string]*channelSub
	closed   bool
}

type channelSub struct {
	id       string
	tenantID string
	topic    string
	handler  domain.MessageHandler
	msgCh    chan *domain.Message
	ctx      context.Context
	cancel   context.CancelFunc
	bus      *ChannelBus
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		registry:   make(map[string]map[string]*channelSub),
	}
}

// Publish sends a message to every subscriber of the tenant's topic.
// Delivery is non-blocking: a subscriber whose buffer is full misses
// the message rather than stalling the publisher.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}

	msg := newMessage(tenantID, topic, payload)

	subs := make([]*channelSub, 0, len(b.registry[subKey(tenantID, topic)]))
	for _, sub := range b.registry[subKey(tenantID, topic)] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.msgCh <- msg:
		default:
			// Buffer full, subscriber misses this message
		}
	}

	return nil
}

// Subscribe registers a handler for a tenant's topic. The handler runs
// on a dedicated goroutine until the subscription is cancelled.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSub{
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		handler:  handler,
		msgCh:    make(chan *domain.Message, b.bufferSize),
		ctx:      subCtx,
		cancel:   cancel,
		bus:      b,
	}

	key := subKey(tenantID, topic)
	if b.registry[key] == nil {
		b.registry[key] = make(map[string]*channelSub)
	}
	b.registry[key][sub.id] = sub

	go sub.run()

	return sub, nil
}

// run delivers messages to the handler until the subscription ends.
func (s *channelSub) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if msg != nil {
				_ = s.handler(s.ctx, msg)
			}
		}
	}
}

// Request implements the request-reply pattern over a transient reply
// topic. The responder is expected to publish its answer to the topic
// named in the "reply_topic" metadata entry.
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	replyCh := make(chan []byte, 1)
	replyTopic := topic + ".reply." + uuid.New().String()

	sub, err := b.Subscribe(ctx, tenantID, replyTopic, func(ctx context.Context, msg *domain.Message) error {
		select {
		case replyCh <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publishWithReply(ctx, tenantID, topic, replyTopic, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("request timeout")
	}
}

// publishWithReply is Publish with the reply topic stamped into the
// message metadata so responders know where to answer.
func (b *ChannelBus) publishWithReply(ctx context.Context, tenantID, topic, replyTopic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}

	msg := newMessage(tenantID, topic, payload)
	msg.Metadata["reply_topic"] = replyTopic

	subs := make([]*channelSub, 0, len(b.registry[subKey(tenantID, topic)]))
	for _, sub := range b.registry[subKey(tenantID, topic)] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.msgCh <- msg:
		default:
		}
	}

	return nil
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close cancels every subscription and rejects further publishes.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for _, subs := range b.registry {
		for _, sub := range subs {
			sub.cancel()
		}
	}

	b.registry = make(map[string]map[string]*channelSub)
	return nil
}

func subKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Unsubscribe removes the subscription from the bus and stops its
// delivery goroutine.
func (s *channelSub) Unsubscribe() error {
	s.bus.mu.Lock()
	key := subKey(s.tenantID, s.topic)
	if subs, ok := s.bus.registry[key]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.registry, key)
		}
	}
	s.bus.mu.Unlock()

	s.cancel()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSub) Topic() string {
	return s.topic
}
