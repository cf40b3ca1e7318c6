package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
)

// Manager owns the enabled channels and routes replies to them.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
}

// NewManager builds every channel enabled in cfg. A channel that fails to
// initialize is logged and skipped.
func NewManager(cfg *config.Config, b *bus.MessageBus) *Manager {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	maxBytes := cfg.Pipeline.MaxImageBytes()
	ch := cfg.Channels

	if ch.Telegram.Enabled && ch.Telegram.Token != "" {
		m.add("telegram", func() (Channel, error) { return NewTelegramChannel(ch.Telegram, b, maxBytes) })
	}
	if ch.Discord.Enabled && ch.Discord.Token != "" {
		m.add("discord", func() (Channel, error) { return NewDiscordChannel(ch.Discord, b, maxBytes) })
	}
	if ch.QQ.Enabled && ch.QQ.AppID != "" {
		m.add("qq", func() (Channel, error) { return NewQQChannel(ch.QQ, b, maxBytes) })
	}
	if ch.WhatsApp.Enabled && ch.WhatsApp.BridgeURL != "" {
		m.add("whatsapp", func() (Channel, error) { return NewWhatsAppChannel(ch.WhatsApp, b, maxBytes) })
	}
	if ch.Slack.Enabled {
		m.add("slack", func() (Channel, error) { return NewSlackChannel(ch.Slack, b, maxBytes) })
	}
	if ch.Lark.Enabled {
		m.add("lark", func() (Channel, error) { return NewLarkChannel(ch.Lark, b, maxBytes) })
	}
	if ch.DingTalk.Enabled {
		m.add("dingtalk", func() (Channel, error) { return NewDingTalkChannel(ch.DingTalk, b, maxBytes) })
	}
	if ch.Console.Enabled {
		m.add("console", func() (Channel, error) {
			return NewConsoleChannel(ch.Console, b, cfg.HistoryFilePath(), maxBytes)
		})
	}

	logger.InfoCF("channels", "Channels initialized", map[string]interface{}{
		"enabled": m.EnabledChannels(),
	})
	return m
}

// add registers the channel built by build; a build error is logged and
// the channel skipped.
func (m *Manager) add(name string, build func() (Channel, error)) {
	ch, err := build()
	if err != nil {
		logger.ErrorCF("channels", "Failed to initialize channel", map[string]interface{}{
			"channel": name,
			"error":   err.Error(),
		})
		return
	}
	m.Register(ch)
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every channel. It fails only when no channel could
// start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return fmt.Errorf("no channels enabled")
	}
	started := 0
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no channel could be started")
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			logger.WarnCF("channels", "Failed to stop channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
}

// Send delivers msg through the channel it names.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := m.GetChannel(msg.Channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", msg.Channel)
	}
	if !ch.IsRunning() {
		return fmt.Errorf("channel %s not running", msg.Channel)
	}
	return ch.Send(ctx, msg)
}
