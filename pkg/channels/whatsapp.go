package channels

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

// bridgeFrame is the JSON envelope exchanged with the whatsapp-web bridge.
type bridgeFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	From        string `json:"from,omitempty"`
	Chat        string `json:"chat,omitempty"`
	To          string `json:"to,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	Content     string `json:"content,omitempty"`
	Caption     string `json:"caption,omitempty"`
	MediaType   string `json:"media_type,omitempty"`
	MIME        string `json:"mime,omitempty"`
	Filename    string `json:"filename,omitempty"`
	MediaBase64 string `json:"media_base64,omitempty"`
	Error       string `json:"error,omitempty"`
}

type WhatsAppChannel struct {
	*BaseChannel
	config    config.WhatsAppConfig
	dialer    *websocket.Dialer
	conn      *websocket.Conn
	mu        sync.Mutex
	writeMu   sync.Mutex
	cancel    context.CancelFunc
	reconnect time.Duration
	maxBytes  int64
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, b *bus.MessageBus, maxBytes int64) (*WhatsAppChannel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url not configured")
	}
	reconnect := time.Duration(cfg.ReconnectInterval) * time.Second
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", cfg, b, cfg.AllowFrom),
		config:      cfg,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect:   reconnect,
		maxBytes:    maxBytes,
	}, nil
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	logger.InfoCF("whatsapp", "Connecting to WhatsApp bridge", map[string]interface{}{
		"url": c.config.BridgeURL,
	})

	conn, _, err := c.dialer.DialContext(ctx, c.config.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to whatsapp bridge: %w", err)
	}
	c.setConn(conn)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setRunning(true)
	go c.listen(runCtx)

	logger.InfoC("whatsapp", "WhatsApp bridge connected")
	return nil
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	logger.InfoC("whatsapp", "Stopping WhatsApp channel")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *WhatsAppChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WhatsAppChannel) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// listen reads frames until ctx ends, redialing the bridge after a read
// failure.
func (c *WhatsAppChannel) listen(ctx context.Context) {
	for {
		conn := c.currentConn()
		if conn == nil {
			if !c.redial(ctx) {
				return
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnCF("whatsapp", "Bridge read failed", map[string]interface{}{
				"error": err.Error(),
			})
			conn.Close()
			c.setConn(nil)
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *WhatsAppChannel) redial(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.reconnect):
		}
		conn, _, err := c.dialer.DialContext(ctx, c.config.BridgeURL, nil)
		if err != nil {
			logger.WarnCF("whatsapp", "Bridge reconnect failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		c.setConn(conn)
		logger.InfoC("whatsapp", "WhatsApp bridge reconnected")
		return true
	}
}

func (c *WhatsAppChannel) handleFrame(ctx context.Context, data []byte) {
	msg, ok, err := parseBridgeFrame(data, c.maxBytes)
	if err != nil {
		logger.WarnCF("whatsapp", "Invalid bridge frame", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if !ok {
		return
	}
	logger.DebugCF("whatsapp", "Received message", map[string]interface{}{
		"sender_id":   msg.SenderID,
		"chat_id":     msg.ChatID,
		"attachments": len(msg.Attachments),
	})
	c.HandleMessage(ctx, msg)
}

// parseBridgeFrame turns a bridge "message" frame into an inbound message.
// Other frame types report ok=false. Media larger than maxBytes fails on
// download.
func parseBridgeFrame(data []byte, maxBytes int64) (bus.InboundMessage, bool, error) {
	var f bridgeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return bus.InboundMessage{}, false, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case "message":
	case "error":
		return bus.InboundMessage{}, false, fmt.Errorf("bridge error: %s", f.Error)
	default:
		return bus.InboundMessage{}, false, nil
	}
	if f.From == "" {
		return bus.InboundMessage{}, false, fmt.Errorf("message frame without sender")
	}

	chat := f.Chat
	if chat == "" {
		chat = f.From
	}
	msg := bus.InboundMessage{
		SenderID:  f.From,
		ChatID:    chat,
		MessageID: f.ID,
		Content:   f.Content,
	}
	if f.MediaBase64 != "" {
		msg.Attachments = []bus.Attachment{bridgeAttachment(f, maxBytes)}
	}
	return msg, true, nil
}

func bridgeAttachment(f bridgeFrame, maxBytes int64) bus.Attachment {
	kind := bus.KindOther
	switch {
	case f.MediaType == "image" || utils.IsImageMIME(f.MIME):
		kind = bus.KindImage
	case f.MediaType == "audio" || f.MediaType == "ptt":
		kind = bus.KindAudio
	case f.MediaType == "document":
		kind = bus.KindDocument
	}
	payload := f.MediaBase64
	size := int64(base64.StdEncoding.DecodedLen(len(payload)))
	return bus.Attachment{
		Kind:     kind,
		MIMEType: f.MIME,
		Name:     utils.SanitizeFilename(f.Filename),
		Size:     size,
		Download: func(ctx context.Context) ([]byte, error) {
			if maxBytes > 0 && size > maxBytes+2 {
				return nil, fmt.Errorf("%w: %d > %d bytes", utils.ErrTooLarge, size, maxBytes)
			}
			data, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return nil, fmt.Errorf("decode media: %w", err)
			}
			if maxBytes > 0 && int64(len(data)) > maxBytes {
				return nil, fmt.Errorf("%w: %d > %d bytes", utils.ErrTooLarge, len(data), maxBytes)
			}
			return data, nil
		},
	}
}

// buildBridgeFrames renders an outbound message as bridge frames: one
// "send" frame for plain text, or one "send_media" frame per file with the
// text as the first caption.
func buildBridgeFrames(msg bus.OutboundMessage) ([]bridgeFrame, error) {
	if len(msg.Media) == 0 {
		return []bridgeFrame{{
			Type:    "send",
			To:      msg.ChatID,
			ReplyTo: msg.ReplyToID,
			Content: msg.Content,
		}}, nil
	}

	frames := make([]bridgeFrame, 0, len(msg.Media))
	for i, p := range msg.Media {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(p), err)
		}
		f := bridgeFrame{
			Type:        "send_media",
			To:          msg.ChatID,
			MIME:        utils.AudioMimeType(p),
			Filename:    filepath.Base(p),
			MediaBase64: base64.StdEncoding.EncodeToString(data),
		}
		if i == 0 {
			f.Caption = msg.Content
			f.ReplyTo = msg.ReplyToID
		}
		if strings.HasPrefix(f.MIME, "audio/") {
			f.MediaType = "audio"
		} else {
			f.MediaType = "document"
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("whatsapp channel not running")
	}
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}

	frames, err := buildBridgeFrames(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			return fmt.Errorf("write %s frame: %w", f.Type, err)
		}
	}
	return nil
}
