package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/logger"
)

// Channel is one messaging transport.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// BaseChannel carries what every transport shares: its name, the bus it
// publishes to, the sender allow-list and the running flag.
type BaseChannel struct {
	name      string
	config    interface{}
	bus       *bus.MessageBus
	allowList []string
	running   atomic.Bool
}

func NewBaseChannel(name string, config interface{}, b *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		config:    config,
		bus:       b,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}

// IsAllowed reports whether senderID may use the bot. An empty allow-list
// admits everyone. Sender ids of the form "id|username" match on either
// part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if i := strings.Index(senderID, "|"); i >= 0 {
		idPart, userPart = senderID[:i], senderID[i+1:]
	}

	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if allowed == senderID || allowed == idPart || (userPart != "" && allowed == userPart) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound message after the allow-list check.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg bus.InboundMessage) {
	if !c.IsAllowed(msg.SenderID) {
		logger.DebugCF(c.name, "Message rejected by allowlist", map[string]interface{}{
			"sender_id": msg.SenderID,
		})
		return
	}
	msg.Channel = c.name
	if !c.bus.PublishInbound(ctx, msg) {
		logger.WarnCF(c.name, "Inbound message dropped", map[string]interface{}{
			"sender_id": msg.SenderID,
			"chat_id":   msg.ChatID,
		})
	}
}
