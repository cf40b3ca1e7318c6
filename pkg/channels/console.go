package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chzyer/readline"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/config"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

const consoleHelp = `Commands:
  <path to image>   run the image through the pipeline
  stats             show job statistics
  help              show this help
  exit              quit`

// ConsoleChannel reads image paths from an interactive terminal and prints
// the replies. It is meant for trying the engines locally.
type ConsoleChannel struct {
	*BaseChannel
	config  config.ConsoleConfig
	history string
	rl      *readline.Instance
	out     io.Writer
	outMu   sync.Mutex
	seq     atomic.Int64
	done     chan struct{}
	once     sync.Once
	maxBytes int64

	// Stats renders the "stats" command. Nil disables it.
	Stats func() string
}

func NewConsoleChannel(cfg config.ConsoleConfig, b *bus.MessageBus, historyFile string, maxBytes int64) (*ConsoleChannel, error) {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", cfg, b, nil),
		config:      cfg,
		history:     historyFile,
		out:         os.Stdout,
		done:        make(chan struct{}),
		maxBytes:    maxBytes,
	}, nil
}

// Done is closed when the operator leaves the console.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	prompt := c.config.Prompt
	if prompt == "" {
		prompt = "image> "
	}
	if c.history != "" {
		_ = os.MkdirAll(filepath.Dir(c.history), 0755)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     c.history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to init console: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()
	c.setRunning(true)

	c.println(consoleHelp)
	go c.loop(ctx)
	return nil
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.finish()
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) finish() {
	c.once.Do(func() { close(c.done) })
}

func (c *ConsoleChannel) loop(ctx context.Context) {
	defer c.finish()
	for {
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			return
		}
		if !c.handleLine(ctx, line) {
			return
		}
	}
}

// handleLine processes one console line and reports whether to keep
// reading.
func (c *ConsoleChannel) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "":
		return true
	case "exit", "quit":
		return false
	case "help":
		c.println(consoleHelp)
		return true
	case "stats":
		if c.Stats == nil {
			c.println("stats unavailable")
		} else {
			c.println(c.Stats())
		}
		return true
	}

	path := strings.Trim(line, `"'`)
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		c.println(fmt.Sprintf("not a file: %s", line))
		return true
	}

	id := strconv.FormatInt(c.seq.Add(1), 10)
	kind := bus.KindOther
	mime := utils.DetectImageMimeType(path)
	if utils.IsImageMIME(mime) {
		kind = bus.KindImage
	}
	logger.DebugCF("console", "Submitting file", map[string]interface{}{
		"path": path,
		"kind": kind,
	})
	c.HandleMessage(ctx, bus.InboundMessage{
		SenderID:  "console",
		ChatID:    "console",
		MessageID: id,
		Content:   line,
		Attachments: []bus.Attachment{{
			Kind:     kind,
			MIMEType: mime,
			Name:     filepath.Base(path),
			Size:     info.Size(),
			Download: func(ctx context.Context) ([]byte, error) {
				return readLimited(path, c.maxBytes)
			},
		}},
	})
	if kind != bus.KindImage {
		c.println("not an image, ignored")
	}
	return true
}

func readLimited(path string, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() > maxBytes {
			return nil, fmt.Errorf("%w: %d > %d bytes", utils.ErrTooLarge, info.Size(), maxBytes)
		}
	}
	return os.ReadFile(path)
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("console not running")
	}
	prefix := "[bot]"
	if msg.ReplyToID != "" {
		prefix = fmt.Sprintf("[bot #%s]", msg.ReplyToID)
	}
	if msg.Content != "" {
		c.println(prefix + " " + msg.Content)
	}
	for _, p := range msg.Media {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("stat %s: %w", filepath.Base(p), err)
		}
		c.println(fmt.Sprintf("%s audio %s (%d bytes, %s)", prefix, filepath.Base(p), info.Size(), utils.AudioMimeType(p)))
	}
	return nil
}

func (c *ConsoleChannel) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}
