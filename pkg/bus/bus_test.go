package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeOrder(t *testing.T) {
	b := NewMessageBus(4)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		if !b.PublishInbound(ctx, InboundMessage{MessageID: id}) {
			t.Fatalf("publish %s failed", id)
		}
	}
	if b.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", b.Pending())
	}

	for _, want := range []string{"m1", "m2"} {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok || msg.MessageID != want {
			t.Fatalf("consume = %q/%v, want %q", msg.MessageID, ok, want)
		}
	}
}

func TestPublishBlocksWhenFull(t *testing.T) {
	b := NewMessageBus(1)
	if !b.PublishInbound(context.Background(), InboundMessage{MessageID: "m1"}) {
		t.Fatal("first publish should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if b.PublishInbound(ctx, InboundMessage{MessageID: "m2"}) {
		t.Fatal("publish into a full bus should wait and then give up with ctx")
	}
}

func TestCloseUnblocksConsumers(t *testing.T) {
	b := NewMessageBus(0)
	done := make(chan bool, 1)
	go func() {
		_, ok := b.ConsumeInbound(context.Background())
		done <- ok
	}()

	b.Close()
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("consume after close should report ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not released by Close")
	}
	if b.PublishInbound(context.Background(), InboundMessage{}) {
		t.Fatal("publish after close should fail")
	}
}

func TestHasAttachment(t *testing.T) {
	if (InboundMessage{}).HasAttachment() {
		t.Fatal("empty message has no attachment")
	}
	msg := InboundMessage{Attachments: []Attachment{{Kind: KindImage}}}
	if !msg.HasAttachment() {
		t.Fatal("expected attachment")
	}
}

func TestCloseDrainsQueuedMessages(t *testing.T) {
	b := NewMessageBus(2)
	ctx := context.Background()
	b.PublishInbound(ctx, InboundMessage{MessageID: "m1"})
	b.PublishInbound(ctx, InboundMessage{MessageID: "m2"})
	b.Close()

	for _, want := range []string{"m1", "m2"} {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok || msg.MessageID != want {
			t.Fatalf("consume = %q/%v, want %q", msg.MessageID, ok, want)
		}
	}
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected closed bus after drain")
	}
}
