package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

type LarkChannel struct {
	*BaseChannel
	config   config.LarkConfig
	client   *lark.Client
	maxBytes int64
	cancel   context.CancelFunc
}

func NewLarkChannel(cfg config.LarkConfig, b *bus.MessageBus, maxBytes int64) (*LarkChannel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("lark app_id and app_secret are required")
	}
	return &LarkChannel{
		BaseChannel: NewBaseChannel("lark", cfg, b, cfg.AllowFrom),
		config:      cfg,
		client:      lark.NewClient(cfg.AppID, cfg.AppSecret),
		maxBytes:    maxBytes,
	}, nil
}

func (c *LarkChannel) Start(ctx context.Context) error {
	logger.InfoC("lark", "Starting Lark bot (WebSocket mode)")

	handler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(c.handleMessage)
	ws := larkws.NewClient(c.config.AppID, c.config.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		if err := ws.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("lark", "WebSocket client stopped", map[string]interface{}{
				"error": err.Error(),
			})
			c.setRunning(false)
		}
	}()

	c.setRunning(true)
	return nil
}

func (c *LarkChannel) Stop(ctx context.Context) error {
	logger.InfoC("lark", "Stopping Lark bot")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// larkContent is the union of the content payloads the bot reads.
type larkContent struct {
	Text     string `json:"text"`
	ImageKey string `json:"image_key"`
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
}

func parseLarkContent(raw string) larkContent {
	var lc larkContent
	_ = json.Unmarshal([]byte(raw), &lc)
	return lc
}

func (c *LarkChannel) handleMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	msg := event.Event.Message

	senderID := ""
	if s := event.Event.Sender; s != nil && s.SenderId != nil {
		senderID = deref(s.SenderId.OpenId)
	}
	if senderID == "" {
		return nil
	}

	messageID := deref(msg.MessageId)
	content := parseLarkContent(deref(msg.Content))

	var atts []bus.Attachment
	switch deref(msg.MessageType) {
	case "image":
		if content.ImageKey != "" {
			atts = append(atts, bus.Attachment{
				Kind:     bus.KindImage,
				MIMEType: "image/jpeg",
				Name:     content.ImageKey + ".jpg",
				Download: c.downloader(messageID, content.ImageKey, "image"),
			})
		}
	case "file":
		mime := utils.DetectImageMimeType(content.FileName)
		atts = append(atts, bus.Attachment{
			Kind:     bus.KindDocument,
			MIMEType: mime,
			Name:     utils.SanitizeFilename(content.FileName),
			Download: c.downloader(messageID, content.FileKey, "file"),
		})
	}

	logger.DebugCF("lark", "Received message", map[string]interface{}{
		"sender_id":   senderID,
		"chat_id":     deref(msg.ChatId),
		"attachments": len(atts),
	})
	c.HandleMessage(ctx, bus.InboundMessage{
		SenderID:    senderID,
		ChatID:      deref(msg.ChatId),
		MessageID:   messageID,
		Content:     content.Text,
		Attachments: atts,
	})
	return nil
}

func (c *LarkChannel) downloader(messageID, key, kind string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		req := larkim.NewGetMessageResourceReqBuilder().
			MessageId(messageID).
			FileKey(key).
			Type(kind).
			Build()
		resp, err := c.client.Im.MessageResource.Get(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("lark get resource: %w", err)
		}
		if !resp.Success() {
			return nil, fmt.Errorf("lark get resource: code %d: %s", resp.Code, resp.Msg)
		}
		return readCapped(resp.File, c.maxBytes)
	}
}

// readCapped reads r fully, failing with utils.ErrTooLarge past maxBytes.
func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", utils.ErrTooLarge, maxBytes)
	}
	return data, nil
}

func (c *LarkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("lark bot not running")
	}
	if msg.Content != "" {
		body, _ := json.Marshal(map[string]string{"text": msg.Content})
		if err := c.create(ctx, msg.ChatID, "text", string(body)); err != nil {
			return err
		}
	}
	for _, p := range msg.Media {
		key, err := c.uploadFile(ctx, p)
		if err != nil {
			return err
		}
		body, _ := json.Marshal(map[string]string{"file_key": key})
		if err := c.create(ctx, msg.ChatID, "file", string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (c *LarkChannel) create(ctx context.Context, chatID, msgType, content string) error {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()
	resp, err := c.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("lark send %s: %w", msgType, err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark send %s: code %d: %s", msgType, resp.Code, resp.Msg)
	}
	return nil
}

func (c *LarkChannel) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType("stream").
			FileName(filepath.Base(path)).
			File(f).
			Build()).
		Build()
	resp, err := c.client.Im.File.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("lark upload %s: %w", filepath.Base(path), err)
	}
	if !resp.Success() || resp.Data == nil {
		return "", fmt.Errorf("lark upload %s: code %d: %s", filepath.Base(path), resp.Code, resp.Msg)
	}
	return deref(resp.Data.FileKey), nil
}
