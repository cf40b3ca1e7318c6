package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

const dingtalkAPIBase = "https://api.dingtalk.com"

// DingTalkChannel receives robot messages over the stream SDK. Pictures are
// fetched through the robot file API; replies go to the session webhook,
// which only carries text.
type DingTalkChannel struct {
	*BaseChannel
	config   config.DingTalkConfig
	stream   *client.StreamClient
	replier  *chatbot.ChatbotReplier
	http     *resty.Client
	apiBase  string
	maxBytes int64

	webhooks sync.Map // conversation id -> session webhook

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewDingTalkChannel(cfg config.DingTalkConfig, b *bus.MessageBus, maxBytes int64) (*DingTalkChannel, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("dingtalk client_id and client_secret are required")
	}
	return &DingTalkChannel{
		BaseChannel: NewBaseChannel("dingtalk", cfg, b, cfg.AllowFrom),
		config:      cfg,
		replier:     chatbot.NewChatbotReplier(),
		http:        resty.New().SetTimeout(30 * time.Second),
		apiBase:     dingtalkAPIBase,
		maxBytes:    maxBytes,
	}, nil
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	logger.InfoC("dingtalk", "Starting DingTalk bot (stream mode)")

	c.stream = client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(c.config.ClientID, c.config.ClientSecret)),
	)
	c.stream.RegisterChatBotCallbackRouter(func(cbCtx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
		c.onMessage(ctx, data)
		return []byte(""), nil
	})
	if err := c.stream.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dingtalk stream: %w", err)
	}

	c.setRunning(true)
	return nil
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	logger.InfoC("dingtalk", "Stopping DingTalk bot")
	c.setRunning(false)
	if c.stream != nil {
		c.stream.Close()
	}
	return nil
}

type dingtalkPicture struct {
	DownloadCode string `json:"downloadCode"`
}

// pictureDownloadCode pulls the download code out of a picture message's
// free-form content.
func pictureDownloadCode(content interface{}) string {
	raw, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	var p dingtalkPicture
	if json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.DownloadCode
}

func (c *DingTalkChannel) onMessage(ctx context.Context, data *chatbot.BotCallbackDataModel) {
	if data == nil || data.SenderStaffId == "" && data.SenderId == "" {
		return
	}
	senderID := data.SenderStaffId
	if senderID == "" {
		senderID = data.SenderId
	}
	if data.SessionWebhook != "" {
		c.webhooks.Store(data.ConversationId, data.SessionWebhook)
	}

	var atts []bus.Attachment
	if data.Msgtype == "picture" {
		if code := pictureDownloadCode(data.Content); code != "" {
			atts = append(atts, bus.Attachment{
				Kind:     bus.KindImage,
				MIMEType: "image/jpeg",
				Name:     "picture.jpg",
				Download: func(dctx context.Context) ([]byte, error) {
					return c.downloadPicture(dctx, code)
				},
			})
		}
	}

	logger.DebugCF("dingtalk", "Received message", map[string]interface{}{
		"sender_id":   senderID,
		"chat_id":     data.ConversationId,
		"msgtype":     data.Msgtype,
		"attachments": len(atts),
	})
	c.HandleMessage(ctx, bus.InboundMessage{
		SenderID:    senderID,
		ChatID:      data.ConversationId,
		MessageID:   data.MsgId,
		Content:     data.Text.Content,
		Attachments: atts,
		Metadata: map[string]string{
			"sender_nick":       data.SenderNick,
			"conversation_type": data.ConversationType,
		},
	})
}

type dingtalkError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *DingTalkChannel) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	var out struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int    `json:"expireIn"`
	}
	var apiErr dingtalkError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"appKey": c.config.ClientID, "appSecret": c.config.ClientSecret}).
		SetResult(&out).
		SetError(&apiErr).
		Post(c.apiBase + "/v1.0/oauth2/accessToken")
	if err != nil {
		return "", fmt.Errorf("dingtalk access token: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", fmt.Errorf("dingtalk access token: status %d: %s", resp.StatusCode(), apiErr.Message)
	}

	c.token = out.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpireIn)*time.Second - time.Minute)
	return c.token, nil
}

// downloadPicture exchanges a download code for a temporary URL and fetches
// it under the size cap.
func (c *DingTalkChannel) downloadPicture(ctx context.Context, code string) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	var apiErr dingtalkError
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-acs-dingtalk-access-token", token).
		SetBody(map[string]string{"downloadCode": code, "robotCode": c.config.ClientID}).
		SetResult(&out).
		SetError(&apiErr).
		Post(c.apiBase + "/v1.0/robot/messageFiles/download")
	if err != nil {
		return nil, fmt.Errorf("dingtalk file download: %w", err)
	}
	if resp.IsError() || out.DownloadURL == "" {
		return nil, fmt.Errorf("dingtalk file download: status %d: %s", resp.StatusCode(), apiErr.Message)
	}

	return utils.FetchBytes(ctx, out.DownloadURL, utils.FetchOptions{
		MaxBytes:     c.maxBytes,
		LoggerPrefix: "dingtalk",
	})
}

// Send replies through the conversation's session webhook. The webhook
// accepts text and markdown only, so media fails with ErrMediaUnsupported.
func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("dingtalk bot not running")
	}
	if len(msg.Media) > 0 {
		return ErrMediaUnsupported
	}
	v, ok := c.webhooks.Load(msg.ChatID)
	if !ok {
		return fmt.Errorf("no session webhook for conversation %s", msg.ChatID)
	}
	if err := c.replier.SimpleReplyText(ctx, v.(string), []byte(msg.Content)); err != nil {
		return fmt.Errorf("dingtalk reply: %w", err)
	}
	return nil
}
