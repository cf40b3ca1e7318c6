package bus

import "context"

// Attachment kinds reported by channels.
const (
	KindImage    = "image"
	KindAudio    = "audio"
	KindDocument = "document"
	KindOther    = "other"
)

// Attachment describes one media item on an inbound message. Download
// fetches the raw bytes lazily so channels never buffer media the
// pipeline does not want.
type Attachment struct {
	Kind     string                                     `json:"kind"`
	MIMEType string                                     `json:"mime_type,omitempty"`
	Name     string                                     `json:"name,omitempty"`
	Size     int64                                      `json:"size,omitempty"`
	Download func(ctx context.Context) ([]byte, error) `json:"-"`
}

type InboundMessage struct {
	Channel       string            `json:"channel"`
	SenderID      string            `json:"sender_id"`
	ChatID        string            `json:"chat_id"`
	MessageID     string            `json:"message_id,omitempty"`
	Content       string            `json:"content"`
	Attachments   []Attachment      `json:"attachments,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// HasAttachment reports whether the message carries any media.
func (m InboundMessage) HasAttachment() bool {
	return len(m.Attachments) > 0
}

type OutboundMessage struct {
	Channel   string   `json:"channel"`
	ChatID    string   `json:"chat_id"`
	ReplyToID string   `json:"reply_to_id,omitempty"`
	Content   string   `json:"content"`
	Media     []string `json:"media,omitempty"` // local file paths to send
}

type MessageHandler func(InboundMessage) error
