package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

// SlackChannel receives shared image files over Socket Mode and answers in
// the channel the file was shared to.
type SlackChannel struct {
	*BaseChannel
	config    config.SlackConfig
	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
	maxBytes  int64
	cancel    context.CancelFunc
}

func NewSlackChannel(cfg config.SlackConfig, b *bus.MessageBus, maxBytes int64) (*SlackChannel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot_token and app_token are required")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", cfg, b, cfg.AllowFrom),
		config:      cfg,
		api:         api,
		socket:      socketmode.New(api),
		maxBytes:    maxBytes,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	logger.InfoC("slack", "Starting Slack bot (Socket Mode)")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("slack", "Socket Mode stopped", map[string]interface{}{
				"error": err.Error(),
			})
			c.setRunning(false)
		}
	}()

	c.setRunning(true)
	logger.InfoCF("slack", "Slack bot connected", map[string]interface{}{
		"user_id": auth.UserID,
		"team":    auth.Team,
	})
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Stopping Slack bot")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.handleEvent(ctx, evt)
		}
	}
}

func (c *SlackChannel) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		logger.DebugC("slack", "Socket Mode connected")
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.FileSharedEvent); ok {
			go c.handleFileShared(ctx, ev)
		}
	}
}

func (c *SlackChannel) handleFileShared(ctx context.Context, ev *slackevents.FileSharedEvent) {
	if ev.UserID == "" || ev.UserID == c.botUserID {
		return
	}
	file, _, _, err := c.api.GetFileInfoContext(ctx, ev.FileID, 0, 0)
	if err != nil {
		logger.WarnCF("slack", "Failed to look up shared file", map[string]interface{}{
			"file_id": ev.FileID,
			"error":   err.Error(),
		})
		return
	}

	logger.DebugCF("slack", "Received file", map[string]interface{}{
		"sender_id":  ev.UserID,
		"channel_id": ev.ChannelID,
		"mime":       file.Mimetype,
	})
	c.HandleMessage(ctx, bus.InboundMessage{
		SenderID:    ev.UserID,
		ChatID:      ev.ChannelID,
		MessageID:   ev.FileID,
		Attachments: []bus.Attachment{slackAttachment(file, c.config.BotToken, c.maxBytes)},
	})
}

// slackAttachment fetches url_private with the bot token; Slack rejects
// anonymous downloads of private files.
func slackAttachment(f *slack.File, botToken string, maxBytes int64) bus.Attachment {
	kind := bus.KindOther
	switch {
	case utils.IsImageMIME(f.Mimetype):
		kind = bus.KindImage
	case utils.IsAudioFile(f.Name, f.Mimetype):
		kind = bus.KindAudio
	}
	link := f.URLPrivateDownload
	if link == "" {
		link = f.URLPrivate
	}
	return bus.Attachment{
		Kind:     kind,
		MIMEType: f.Mimetype,
		Name:     utils.SanitizeFilename(f.Name),
		Size:     int64(f.Size),
		Download: func(ctx context.Context) ([]byte, error) {
			if link == "" {
				return nil, fmt.Errorf("slack file %s has no download url", f.ID)
			}
			return utils.FetchBytes(ctx, link, utils.FetchOptions{
				MaxBytes:     maxBytes,
				ExtraHeaders: map[string]string{"Authorization": "Bearer " + botToken},
				LoggerPrefix: "slack",
			})
		},
	}
}

// slackThreadTS returns id when it is a message timestamp. File ids are not
// threadable.
func slackThreadTS(id string) string {
	if strings.Contains(id, ".") {
		return id
	}
	return ""
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack bot not running")
	}
	threadTS := slackThreadTS(msg.ReplyToID)

	if len(msg.Media) == 0 {
		opts := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, opts...); err != nil {
			return fmt.Errorf("slack post message: %w", err)
		}
		return nil
	}

	for i, p := range msg.Media {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", filepath.Base(p), err)
		}
		params := slack.UploadFileV2Parameters{
			Channel:         msg.ChatID,
			File:            p,
			Filename:        filepath.Base(p),
			FileSize:        int(info.Size()),
			ThreadTimestamp: threadTS,
		}
		if i == 0 {
			params.InitialComment = msg.Content
		}
		if _, err := c.api.UploadFileV2Context(ctx, params); err != nil {
			return fmt.Errorf("slack upload %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}
