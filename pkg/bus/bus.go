package bus

import (
	"context"
	"sync"
)

// MessageBus carries inbound messages from channels to the supervisor.
// PublishInbound blocks when the buffer is full, which pushes
// backpressure down to the channel read loops.
type MessageBus struct {
	inbound chan InboundMessage
	closed  chan struct{}
	once    sync.Once
}

func NewMessageBus(buffer int) *MessageBus {
	if buffer < 0 {
		buffer = 0
	}
	return &MessageBus{
		inbound: make(chan InboundMessage, buffer),
		closed:  make(chan struct{}),
	}
}

// PublishInbound queues msg. It returns false when ctx ends or the bus is
// closed before the message could be queued.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	select {
	case <-b.closed:
		return false
	default:
	}
	select {
	case b.inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-b.closed:
		return false
	}
}

// ConsumeInbound waits for the next message. ok is false once ctx ends or
// the bus is closed; messages queued before Close are still drained.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	default:
	}
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.closed:
		return InboundMessage{}, false
	}
}

// Pending returns the number of queued inbound messages.
func (b *MessageBus) Pending() int {
	return len(b.inbound)
}

func (b *MessageBus) Close() {
	b.once.Do(func() { close(b.closed) })
}
