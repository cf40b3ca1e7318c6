package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

const discordMaxLen = 2000

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
	botID    string
	ctx      context.Context
	maxBytes int64
}

func NewDiscordChannel(cfg config.DiscordConfig, b *bus.MessageBus, maxBytes int64) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", cfg, b, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		ctx:         context.Background(),
		maxBytes:    maxBytes,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.ctx = ctx
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.botID = c.session.State.User.ID
		logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
			"username": c.session.State.User.Username,
			"user_id":  c.botID,
		})
	}

	c.setRunning(true)
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("channel ID is empty")
	}

	var ref *discordgo.MessageReference
	if msg.ReplyToID != "" {
		ref = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: msg.ChatID}
	}

	content := msg.Content
	if len(msg.Media) > 0 && len(content) <= discordMaxLen {
		return c.sendFiles(ctx, msg.ChatID, content, ref, msg.Media)
	}

	for i, chunk := range splitLargeMessage(content, discordMaxLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			send.Reference = ref
		}
		if _, err := c.session.ChannelMessageSendComplex(msg.ChatID, send, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
	}
	if len(msg.Media) > 0 {
		return c.sendFiles(ctx, msg.ChatID, "", nil, msg.Media)
	}
	return nil
}

func (c *DiscordChannel) sendFiles(ctx context.Context, chatID, content string, ref *discordgo.MessageReference, paths []string) error {
	send := &discordgo.MessageSend{Content: content, Reference: ref}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", filepath.Base(p), err)
		}
		defer f.Close()
		send.Files = append(send.Files, &discordgo.File{
			Name:        filepath.Base(p),
			ContentType: utils.AudioMimeType(p),
			Reader:      f,
		})
	}
	if _, err := c.session.ChannelMessageSendComplex(chatID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send discord files: %w", err)
	}
	return nil
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.ID == c.botID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = m.Author.ID + "|" + m.Author.Username
	}

	atts := discordAttachments(m.Attachments, c.maxBytes)
	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_id":   senderID,
		"channel_id":  m.ChannelID,
		"attachments": len(atts),
		"preview":     utils.Truncate(m.Content, 50),
	})

	c.HandleMessage(c.ctx, bus.InboundMessage{
		SenderID:    senderID,
		ChatID:      m.ChannelID,
		MessageID:   m.ID,
		Content:     m.Content,
		Attachments: atts,
		Metadata: map[string]string{
			"user_id":  m.Author.ID,
			"username": m.Author.Username,
			"guild_id": m.GuildID,
			"is_dm":    fmt.Sprintf("%t", m.GuildID == ""),
		},
	})
}

func discordAttachments(in []*discordgo.MessageAttachment, maxBytes int64) []bus.Attachment {
	var out []bus.Attachment
	for _, a := range in {
		if a == nil || a.URL == "" {
			continue
		}
		kind := bus.KindOther
		switch {
		case utils.IsImageMIME(a.ContentType):
			kind = bus.KindImage
		case utils.IsAudioFile(a.Filename, a.ContentType):
			kind = bus.KindAudio
		}
		link := a.URL
		out = append(out, bus.Attachment{
			Kind:     kind,
			MIMEType: a.ContentType,
			Name:     utils.SanitizeFilename(a.Filename),
			Size:     int64(a.Size),
			Download: func(ctx context.Context) ([]byte, error) {
				return utils.FetchBytes(ctx, link, utils.FetchOptions{
					MaxBytes:     maxBytes,
					LoggerPrefix: "discord",
				})
			},
		})
	}
	return out
}
