package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

const telegramMaxLen = 4096

type TelegramChannel struct {
	*BaseChannel
	bot      *telego.Bot
	config   config.TelegramConfig
	maxBytes int64
	client   *http.Client
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, maxBytes int64) (*TelegramChannel, error) {
	var opts []telego.BotOption
	client := http.DefaultClient

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}
		opts = append(opts, telego.WithHTTPClient(client))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", cfg, b, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		maxBytes:    maxBytes,
		client:      client,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": c.bot.Username(),
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					c.setRunning(false)
					return
				}
				if update.Message != nil {
					c.handleMessage(ctx, update.Message)
				}
			}
		}
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot...")
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyToID)

	if len(msg.Media) > 0 {
		return c.sendMediaFiles(ctx, chatID, replyTo, msg.Content, msg.Media)
	}

	chunks := splitLargeMessage(msg.Content, telegramMaxLen)
	for i, chunk := range chunks {
		tgMsg := tu.Message(tu.ID(chatID), chunk)
		if i == 0 && replyTo != 0 {
			tgMsg.ReplyParameters = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
		}
		if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// sendMediaFiles uploads local files, choosing the Telegram method by
// extension. The caption goes on the first file.
func (c *TelegramChannel) sendMediaFiles(ctx context.Context, chatID int64, replyTo int, caption string, files []string) error {
	for i, filePath := range files {
		f, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("open %s: %w", filepath.Base(filePath), err)
		}

		fileCaption := ""
		if i == 0 {
			fileCaption = caption
		}
		var reply *telego.ReplyParameters
		if replyTo != 0 {
			reply = &telego.ReplyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
		}

		switch strings.ToLower(filepath.Ext(filePath)) {
		case ".mp3", ".m4a":
			params := tu.Audio(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			params.ReplyParameters = reply
			_, err = c.bot.SendAudio(ctx, params)
		case ".ogg":
			params := tu.Voice(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			params.ReplyParameters = reply
			_, err = c.bot.SendVoice(ctx, params)
		default:
			params := tu.Document(tu.ID(chatID), tu.File(f))
			params.Caption = fileCaption
			params.ReplyParameters = reply
			_, err = c.bot.SendDocument(ctx, params)
		}
		f.Close()

		if err != nil {
			return fmt.Errorf("failed to send file %s: %w", filepath.Base(filePath), err)
		}
		logger.DebugCF("telegram", "File sent", map[string]interface{}{
			"path": filePath,
		})
	}
	return nil
}

func (c *TelegramChannel) handleMessage(ctx context.Context, message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	var atts []bus.Attachment
	if len(message.Photo) > 0 {
		photo := message.Photo[len(message.Photo)-1]
		atts = append(atts, bus.Attachment{
			Kind:     bus.KindImage,
			MIMEType: "image/jpeg",
			Name:     "photo_" + photo.FileUniqueID + ".jpg",
			Size:     int64(photo.FileSize),
			Download: c.downloader(photo.FileID),
		})
	}
	if doc := message.Document; doc != nil {
		atts = append(atts, bus.Attachment{
			Kind:     bus.KindDocument,
			MIMEType: doc.MimeType,
			Name:     utils.SanitizeFilename(doc.FileName),
			Size:     int64(doc.FileSize),
			Download: c.downloader(doc.FileID),
		})
	}
	if message.Voice != nil || message.Audio != nil {
		atts = append(atts, bus.Attachment{Kind: bus.KindAudio})
	}

	logger.DebugCF("telegram", "Received message", map[string]interface{}{
		"sender_id":   senderID,
		"chat_id":     message.Chat.ID,
		"attachments": len(atts),
		"preview":     utils.Truncate(content, 50),
	})

	c.HandleMessage(ctx, bus.InboundMessage{
		SenderID:    senderID,
		ChatID:      strconv.FormatInt(message.Chat.ID, 10),
		MessageID:   strconv.Itoa(message.MessageID),
		Content:     content,
		Attachments: atts,
		Metadata: map[string]string{
			"user_id":  userID,
			"username": user.Username,
			"is_group": strconv.FormatBool(message.Chat.Type != "private"),
		},
	})
}

// downloader resolves fileID lazily, so nothing is fetched for messages
// the pipeline ignores.
func (c *TelegramChannel) downloader(fileID string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err != nil {
			return nil, fmt.Errorf("get file: %w", err)
		}
		if file.FilePath == "" {
			return nil, fmt.Errorf("file %s has no download path", fileID)
		}
		return utils.FetchBytes(ctx, c.bot.FileDownloadURL(file.FilePath), utils.FetchOptions{
			MaxBytes:     c.maxBytes,
			LoggerPrefix: "telegram",
			Client:       c.client,
		})
	}
}

// splitLargeMessage splits content into chunks of at most maxLen bytes,
// preferring newlines near the limit and never cutting a UTF-8 sequence.
func splitLargeMessage(content string, maxLen int) []string {
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}
		chunkSize := maxLen
		for chunkSize > 0 && !utf8StartByte(remaining[chunkSize]) {
			chunkSize--
		}
		if lastNewline := strings.LastIndex(remaining[:chunkSize], "\n"); lastNewline > maxLen*2/3 {
			chunkSize = lastNewline + 1
		}
		chunks = append(chunks, remaining[:chunkSize])
		remaining = remaining[chunkSize:]
	}
	return chunks
}

func utf8StartByte(b byte) bool {
	return b&0xC0 != 0x80
}
