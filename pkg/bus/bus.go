// Package bus connects chat channels, the agent and the reminder scheduler.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize = 100
	publishTimeout    = 100 * time.Millisecond
)

// ErrNoHandler is returned by Deliver when no channel handles a message.
var ErrNoHandler = errors.New("no handler registered for channel")

type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	handlers map[string]OutboundHandler
	closed   bool
	counters counters
	mu       sync.RWMutex
}

type counters struct {
	inbound         atomic.Uint64
	outbound        atomic.Uint64
	droppedInbound  atomic.Uint64
	droppedOutbound atomic.Uint64
	delivered       atomic.Uint64
	failed          atomic.Uint64
	undeliverable   atomic.Uint64
}

// Stats is a point-in-time view of bus traffic.
type Stats struct {
	Inbound         uint64 `json:"inbound"`
	Outbound        uint64 `json:"outbound"`
	DroppedInbound  uint64 `json:"dropped_inbound"`
	DroppedOutbound uint64 `json:"dropped_outbound"`
	PendingInbound  int    `json:"pending_inbound"`
	PendingOutbound int    `json:"pending_outbound"`
	Delivered       uint64 `json:"delivered"`
	Failed          uint64 `json:"failed"`
	Undeliverable   uint64 `json:"undeliverable"`
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBufferSize)
}

func NewMessageBusSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		handlers: make(map[string]OutboundHandler),
	}
}

// PublishInbound queues a patient message. It waits briefly when the
// buffer is full and then drops, reporting false.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if !offer(mb.inbound, msg) {
		mb.counters.droppedInbound.Add(1)
		return false
	}
	mb.counters.inbound.Add(1)
	return true
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	if msg.Kind == "" {
		msg.Kind = KindReply
	}
	if !offer(mb.outbound, msg) {
		mb.counters.droppedOutbound.Add(1)
		return false
	}
	mb.counters.outbound.Add(1)
	return true
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func offer[T any](ch chan T, msg T) bool {
	select {
	case ch <- msg:
		return true
	default:
	}
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case ch <- msg:
		return true
	case <-timer.C:
		return false
	}
}

// RegisterHandler routes outbound messages for channel to handler,
// replacing any earlier registration.
func (mb *MessageBus) RegisterHandler(channel string, handler OutboundHandler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = handler
}

func (mb *MessageBus) UnregisterHandler(channel string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.handlers, channel)
}

func (mb *MessageBus) Handler(channel string) (OutboundHandler, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

// Deliver hands msg to the handler registered for msg.Channel.
func (mb *MessageBus) Deliver(ctx context.Context, msg OutboundMessage) error {
	handler, ok := mb.Handler(msg.Channel)
	if !ok {
		mb.counters.undeliverable.Add(1)
		return fmt.Errorf("%w %q", ErrNoHandler, msg.Channel)
	}
	if err := handler(ctx, msg); err != nil {
		mb.counters.failed.Add(1)
		return err
	}
	mb.counters.delivered.Add(1)
	return nil
}

func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}

func (mb *MessageBus) Stats() Stats {
	return Stats{
		Inbound:         mb.counters.inbound.Load(),
		Outbound:        mb.counters.outbound.Load(),
		DroppedInbound:  mb.counters.droppedInbound.Load(),
		DroppedOutbound: mb.counters.droppedOutbound.Load(),
		PendingInbound:  len(mb.inbound),
		PendingOutbound: len(mb.outbound),
		Delivered:       mb.counters.delivered.Load(),
		Failed:          mb.counters.failed.Load(),
		Undeliverable:   mb.counters.undeliverable.Load(),
	}
}

func (mb *MessageBus) DroppedInbound() uint64 {
	return mb.counters.droppedInbound.Load()
}

func (mb *MessageBus) DroppedOutbound() uint64 {
	return mb.counters.droppedOutbound.Load()
}
