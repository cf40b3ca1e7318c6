package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"golang.org/x/oauth2"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

// ErrMediaUnsupported is returned when a channel cannot upload local files.
var ErrMediaUnsupported = errors.New("media upload not supported by channel")

const qqGroupPrefix = "group:"

type QQChannel struct {
	*BaseChannel
	config         config.QQConfig
	api            openapi.OpenAPI
	tokenSource    oauth2.TokenSource
	ctx            context.Context
	cancel         context.CancelFunc
	sessionManager botgo.SessionManager
	processedIDs   map[string]bool
	mu             sync.Mutex
	maxBytes       int64
}

func NewQQChannel(cfg config.QQConfig, messageBus *bus.MessageBus, maxBytes int64) (*QQChannel, error) {
	return &QQChannel{
		BaseChannel:  NewBaseChannel("qq", cfg, messageBus, cfg.AllowFrom),
		config:       cfg,
		processedIDs: make(map[string]bool),
		maxBytes:     maxBytes,
	}, nil
}

func (c *QQChannel) Start(ctx context.Context) error {
	if c.config.AppID == "" || c.config.AppSecret == "" {
		return fmt.Errorf("QQ app_id and app_secret not configured")
	}

	logger.InfoC("qq", "Starting QQ bot (WebSocket mode)")

	credentials := &token.QQBotCredentials{
		AppID:     c.config.AppID,
		AppSecret: c.config.AppSecret,
	}
	c.tokenSource = token.NewQQBotTokenSource(credentials)
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := token.StartRefreshAccessToken(c.ctx, c.tokenSource); err != nil {
		return fmt.Errorf("failed to start token refresh: %w", err)
	}

	c.api = botgo.NewOpenAPI(c.config.AppID, c.tokenSource).WithTimeout(10 * time.Second)

	intent := event.RegisterHandlers(
		c.handleC2CMessage(),
		c.handleGroupATMessage(),
	)

	wsInfo, err := c.api.WS(c.ctx, nil, "")
	if err != nil {
		return fmt.Errorf("failed to get websocket info: %w", err)
	}
	logger.InfoCF("qq", "Got WebSocket info", map[string]interface{}{
		"shards": wsInfo.Shards,
	})

	c.sessionManager = botgo.NewSessionManager()
	go func() {
		if err := c.sessionManager.Start(wsInfo, c.tokenSource, &intent); err != nil {
			logger.ErrorCF("qq", "WebSocket session error", map[string]interface{}{
				"error": err.Error(),
			})
			c.setRunning(false)
		}
	}()

	c.setRunning(true)
	logger.InfoC("qq", "QQ bot started successfully")
	return nil
}

func (c *QQChannel) Stop(ctx context.Context) error {
	logger.InfoC("qq", "Stopping QQ bot")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send posts text replies. Local files cannot be uploaded through the
// passive-reply API, so media messages fail with ErrMediaUnsupported.
func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("QQ bot not running")
	}
	if len(msg.Media) > 0 {
		return ErrMediaUnsupported
	}

	reply := &dto.MessageToCreate{
		Content: msg.Content,
		MsgID:   msg.ReplyToID,
	}

	var err error
	if groupID, ok := strings.CutPrefix(msg.ChatID, qqGroupPrefix); ok {
		_, err = c.api.PostGroupMessage(ctx, groupID, reply)
	} else {
		_, err = c.api.PostC2CMessage(ctx, msg.ChatID, reply)
	}
	if err != nil {
		return fmt.Errorf("qq send: %w", err)
	}
	return nil
}

func (c *QQChannel) handleC2CMessage() event.C2CMessageEventHandler {
	return func(event *dto.WSPayload, data *dto.WSC2CMessageData) error {
		if c.isDuplicate(data.ID) {
			return nil
		}
		if data.Author == nil || data.Author.ID == "" {
			logger.WarnC("qq", "Received message with no sender ID")
			return nil
		}
		senderID := data.Author.ID
		c.publish(senderID, senderID, (*dto.Message)(data))
		return nil
	}
}

func (c *QQChannel) handleGroupATMessage() event.GroupATMessageEventHandler {
	return func(event *dto.WSPayload, data *dto.WSGroupATMessageData) error {
		if c.isDuplicate(data.ID) {
			return nil
		}
		if data.Author == nil || data.Author.ID == "" {
			logger.WarnC("qq", "Received group message with no sender ID")
			return nil
		}
		c.publish(data.Author.ID, qqGroupPrefix+data.GroupID, (*dto.Message)(data))
		return nil
	}
}

func (c *QQChannel) publish(senderID, chatID string, data *dto.Message) {
	atts := qqAttachments(data.Attachments, c.maxBytes)
	logger.InfoCF("qq", "Received message", map[string]interface{}{
		"sender":      senderID,
		"chat_id":     chatID,
		"attachments": len(atts),
	})
	c.HandleMessage(c.ctx, bus.InboundMessage{
		SenderID:    senderID,
		ChatID:      chatID,
		MessageID:   data.ID,
		Content:     strings.TrimSpace(data.Content),
		Attachments: atts,
	})
}

// qqAttachments wraps message attachments; downloads stop at maxBytes.
func qqAttachments(in []*dto.MessageAttachment, maxBytes int64) []bus.Attachment {
	var out []bus.Attachment
	for _, a := range in {
		if a == nil || a.URL == "" {
			continue
		}
		kind := bus.KindOther
		if utils.IsImageMIME(a.ContentType) {
			kind = bus.KindImage
		}
		link := a.URL
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			link = "https://" + strings.TrimPrefix(link, "//")
		}
		out = append(out, bus.Attachment{
			Kind:     kind,
			MIMEType: a.ContentType,
			Name:     utils.SanitizeFilename(a.FileName),
			Download: func(ctx context.Context) ([]byte, error) {
				return utils.FetchBytes(ctx, link, utils.FetchOptions{
					MaxBytes:     maxBytes,
					LoggerPrefix: "qq",
				})
			},
		})
	}
	return out
}

func (c *QQChannel) isDuplicate(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.processedIDs[messageID] {
		return true
	}
	c.processedIDs[messageID] = true

	if len(c.processedIDs) > 10000 {
		count := 0
		for id := range c.processedIDs {
			if count >= 5000 {
				break
			}
			delete(c.processedIDs, id)
			count++
		}
	}
	return false
}
