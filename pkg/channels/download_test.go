package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"github.com/tencent-connect/botgo/dto"

	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

// newImageServer serves size bytes of image data, without a Content-Length
// so the cap has to be enforced while reading. It records the last
// Authorization header.
func newImageServer(t *testing.T, size int, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		w.Header().Set("Content-Type", "image/png")
		flusher, _ := w.(http.Flusher)
		body := strings.Repeat("x", size)
		for len(body) > 0 {
			n := min(512, len(body))
			w.Write([]byte(body[:n]))
			body = body[n:]
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChannelDownloadsStopAtLimit(t *testing.T) {
	const limit = 1024
	big := newImageServer(t, 4*limit, nil)
	small := newImageServer(t, limit/2, nil)

	build := map[string]func(url string) bus.Attachment{
		"qq": func(url string) bus.Attachment {
			return qqAttachments([]*dto.MessageAttachment{{URL: url, ContentType: "image/png"}}, limit)[0]
		},
		"discord": func(url string) bus.Attachment {
			return discordAttachments([]*discordgo.MessageAttachment{{URL: url, ContentType: "image/png", Filename: "a.png"}}, limit)[0]
		},
		"slack": func(url string) bus.Attachment {
			return slackAttachment(&slack.File{ID: "F1", Name: "a.png", Mimetype: "image/png", URLPrivateDownload: url}, "xoxb-test", limit)
		},
	}

	for name, mk := range build {
		t.Run(name, func(t *testing.T) {
			att := mk(big.URL)
			if att.Kind != bus.KindImage {
				t.Fatalf("kind = %q", att.Kind)
			}
			if _, err := att.Download(context.Background()); !errors.Is(err, utils.ErrTooLarge) {
				t.Fatalf("oversize err = %v, want ErrTooLarge", err)
			}
			data, err := mk(small.URL).Download(context.Background())
			if err != nil || len(data) != limit/2 {
				t.Fatalf("small download = %d bytes, %v", len(data), err)
			}
		})
	}
}

func TestSlackDownloadSendsBotToken(t *testing.T) {
	var auth string
	srv := newImageServer(t, 10, &auth)
	att := slackAttachment(&slack.File{Name: "a.png", Mimetype: "image/png", URLPrivate: srv.URL}, "xoxb-test", 0)
	if _, err := att.Download(context.Background()); err != nil {
		t.Fatalf("download: %v", err)
	}
	if auth != "Bearer xoxb-test" {
		t.Fatalf("Authorization = %q", auth)
	}
}

func TestSlackThreadTS(t *testing.T) {
	if got := slackThreadTS("1712345678.000200"); got != "1712345678.000200" {
		t.Fatalf("ts = %q", got)
	}
	if got := slackThreadTS("F0123ABC"); got != "" {
		t.Fatalf("file id should not thread, got %q", got)
	}
}

func TestReadCapped(t *testing.T) {
	if _, err := readCapped(strings.NewReader(strings.Repeat("a", 11)), 10); !errors.Is(err, utils.ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	data, err := readCapped(strings.NewReader("abc"), 10)
	if err != nil || string(data) != "abc" {
		t.Fatalf("readCapped = %q, %v", data, err)
	}
}

func TestParseLarkContent(t *testing.T) {
	lc := parseLarkContent(`{"image_key":"img_v2_abc"}`)
	if lc.ImageKey != "img_v2_abc" {
		t.Fatalf("image key = %q", lc.ImageKey)
	}
	if lc := parseLarkContent(`{"text":"hello"}`); lc.Text != "hello" {
		t.Fatalf("text = %q", lc.Text)
	}
	if lc := parseLarkContent(`not json`); lc != (larkContent{}) {
		t.Fatalf("garbage content = %+v", lc)
	}
}
