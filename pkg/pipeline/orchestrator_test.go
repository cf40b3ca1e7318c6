package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/artifacts"
	"github.com/sipeed/ocrvoice/pkg/bus"
	xlang "github.com/sipeed/ocrvoice/pkg/language"
	"github.com/sipeed/ocrvoice/pkg/speech"
)

// fakeRecognizer returns the image bytes as text unless text or err is set.
type fakeRecognizer struct {
	text  *string
	err   error
	panic bool
	block bool
}

func (f *fakeRecognizer) Name() string { return "fake-ocr" }

func (f *fakeRecognizer) Recognize(ctx context.Context, imagePath string, hints []string) (string, error) {
	if f.panic {
		panic("ocr crashed")
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	if f.text != nil {
		return *f.text, nil
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type fakeClassifier struct{ code string }

func (f fakeClassifier) Classify(string) string { return f.code }

type synthCall struct {
	text   string
	locale language.Tag
}

type fakeSynth struct {
	mu    sync.Mutex
	calls []synthCall
	err   error
}

func (f *fakeSynth) Name() string { return "fake-tts" }

func (f *fakeSynth) Synthesize(ctx context.Context, text string, locale language.Tag, outBase string) (speech.Audio, error) {
	f.mu.Lock()
	f.calls = append(f.calls, synthCall{text: text, locale: locale})
	f.mu.Unlock()
	if f.err != nil {
		return speech.Audio{}, f.err
	}
	path := outBase + ".mp3"
	if err := os.WriteFile(path, []byte("audio:"+text), 0600); err != nil {
		return speech.Audio{}, err
	}
	return speech.Audio{Path: path, MIMEType: "audio/mpeg", Engine: f.Name()}, nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recordingReplier captures replies and, for media, the file content at
// send time.
type recordingReplier struct {
	mu    sync.Mutex
	msgs  []bus.OutboundMessage
	media map[string]string
	err   error
}

func (r *recordingReplier) Send(ctx context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	if r.media == nil {
		r.media = map[string]string{}
	}
	for _, p := range msg.Media {
		data, _ := os.ReadFile(p)
		r.media[msg.ChatID] = string(data)
	}
	return r.err
}

func (r *recordingReplier) forChat(chatID string) []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.OutboundMessage
	for _, m := range r.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	root     string
	ocr      *fakeRecognizer
	synth    *fakeSynth
	replier  *recordingReplier
	orch     *Orchestrator
	finished []*Job
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		root:    filepath.Join(t.TempDir(), "work"),
		ocr:     &fakeRecognizer{},
		synth:   &fakeSynth{},
		replier: &recordingReplier{},
	}
	h.orch = NewOrchestrator(Deps{
		Allocator:   artifacts.NewAllocator(h.root),
		Recognizer:  h.ocr,
		Classifier:  fakeClassifier{code: "eng"},
		Mapping:     xlang.DefaultMapping(),
		Synthesizer: h.synth,
		Replier:     h.replier,
	}, opts)
	var mu sync.Mutex
	h.orch.OnFinish(func(j *Job) {
		mu.Lock()
		h.finished = append(h.finished, j)
		mu.Unlock()
	})
	return h
}

func (h *harness) assertNoArtifacts(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("leaked artifacts: %v", entries)
	}
}

func imageMsg(chat string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", SenderID: "user-" + chat, ChatID: chat, MessageID: "m-" + chat}
}

func imageAtt(content string) bus.Attachment {
	return bus.Attachment{
		Kind:     bus.KindImage,
		MIMEType: "image/jpeg",
		Download: func(ctx context.Context) ([]byte, error) { return []byte(content), nil },
	}
}

func strPtr(s string) *string { return &s }

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, Options{})
	job := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("HELLO WORLD"))

	wantHistory := []Stage{StageReceived, StageDownloading, StageRecognizing, StageClassifying, StageSynthesizing, StageDelivering, StageCleaned}
	if !reflect.DeepEqual(job.History, wantHistory) {
		t.Fatalf("history = %v", job.History)
	}
	if job.Outcome != OutcomeSuccess || job.Err != nil {
		t.Fatalf("outcome = %s err = %v", job.Outcome, job.Err)
	}
	if job.Text != "HELLO WORLD" || job.SourceLang != "eng" || job.Locale != "en-US" {
		t.Fatalf("job = %+v", job)
	}

	if len(h.synth.calls) != 1 || h.synth.calls[0].text != "HELLO WORLD" || h.synth.calls[0].locale != language.AmericanEnglish {
		t.Fatalf("synth calls = %+v", h.synth.calls)
	}

	msgs := h.replier.forChat("c1")
	if len(msgs) != 2 {
		t.Fatalf("replies = %+v", msgs)
	}
	if msgs[0].Content != "Extracted text: HELLO WORLD" || len(msgs[0].Media) != 0 {
		t.Fatalf("text reply = %+v", msgs[0])
	}
	if msgs[1].Content != AudioCaption || len(msgs[1].Media) != 1 || msgs[1].ReplyToID != "m-c1" || msgs[1].Channel != "telegram" {
		t.Fatalf("audio reply = %+v", msgs[1])
	}
	if !strings.HasPrefix(msgs[1].Media[0], filepath.Join(h.root, job.ID)) {
		t.Fatalf("audio path %s not in job dir", msgs[1].Media[0])
	}
	if h.replier.media["c1"] != "audio:HELLO WORLD" {
		t.Fatalf("audio content = %q", h.replier.media["c1"])
	}
	h.assertNoArtifacts(t)
	if len(h.finished) != 1 || h.finished[0] != job {
		t.Fatal("finish hook not called once")
	}
}

func TestRunNoText(t *testing.T) {
	h := newHarness(t, Options{})
	h.ocr.text = strPtr("  \n\t ")

	job := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("noise"))

	if job.Outcome != OutcomeNoText || job.Err != nil {
		t.Fatalf("outcome = %s err = %v", job.Outcome, job.Err)
	}
	wantHistory := []Stage{StageReceived, StageDownloading, StageRecognizing, StageNoTextFound, StageCleaned}
	if !reflect.DeepEqual(job.History, wantHistory) {
		t.Fatalf("history = %v", job.History)
	}
	if h.synth.callCount() != 0 {
		t.Fatal("synthesis must not run without text")
	}
	msgs := h.replier.forChat("c1")
	if len(msgs) != 1 || msgs[0].Content != ReplyNoText {
		t.Fatalf("replies = %+v", msgs)
	}
	if job.AudioPath != "" {
		t.Fatal("no audio artifact expected")
	}
	h.assertNoArtifacts(t)
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness)
		att      bus.Attachment
		wantKind ErrorKind
		wantLast Stage
	}{
		{
			name:     "download error",
			att:      bus.Attachment{Kind: bus.KindImage, Download: func(context.Context) ([]byte, error) { return nil, errors.New("404") }},
			wantKind: KindDownload,
			wantLast: StageDownloading,
		},
		{
			name:     "empty download",
			att:      imageAtt(""),
			wantKind: KindDownload,
			wantLast: StageDownloading,
		},
		{
			name:     "ocr crash",
			setup:    func(h *harness) { h.ocr.err = errors.New("tesseract: exit status 1") },
			att:      imageAtt("x"),
			wantKind: KindRecognition,
			wantLast: StageRecognizing,
		},
		{
			name:     "synthesis error",
			setup:    func(h *harness) { h.synth.err = &speech.Error{Engine: "gtts", Err: speech.ErrUnsupportedLocale} },
			att:      imageAtt("HELLO WORLD"),
			wantKind: KindSynthesis,
			wantLast: StageSynthesizing,
		},
		{
			name:     "panic",
			setup:    func(h *harness) { h.ocr.panic = true },
			att:      imageAtt("x"),
			wantKind: KindInternal,
			wantLast: StageRecognizing,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			if tc.setup != nil {
				tc.setup(h)
			}
			job := h.orch.Run(context.Background(), imageMsg("c1"), tc.att)

			if job.Outcome != OutcomeFailed || job.Err == nil || job.Err.Kind != tc.wantKind {
				t.Fatalf("outcome = %s err = %v", job.Outcome, job.Err)
			}
			n := len(job.History)
			if job.History[n-3] != tc.wantLast || job.History[n-2] != StageFailed || job.History[n-1] != StageCleaned {
				t.Fatalf("history = %v", job.History)
			}
			msgs := h.replier.forChat("c1")
			if len(msgs) != 1 || msgs[0].Content != ReplyError {
				t.Fatalf("replies = %+v", msgs)
			}
			if job.AudioPath != "" {
				t.Fatal("failed job must not report audio")
			}
			h.assertNoArtifacts(t)
		})
	}
}

func TestRecognitionTimeout(t *testing.T) {
	h := newHarness(t, Options{OCRTimeout: 20 * time.Millisecond})
	h.ocr.block = true

	job := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("x"))
	if job.Err == nil || job.Err.Kind != KindRecognition || !errors.Is(job.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", job.Err)
	}
	h.assertNoArtifacts(t)
}

func TestImageSizeLimit(t *testing.T) {
	h := newHarness(t, Options{MaxImageBytes: 4})
	job := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("too large"))
	if job.Err == nil || job.Err.Kind != KindDownload {
		t.Fatalf("err = %v", job.Err)
	}
	h.assertNoArtifacts(t)
}

func TestDeliveryErrorIsLoggedOnly(t *testing.T) {
	h := newHarness(t, Options{})
	h.replier.err = errors.New("chat not found")

	job := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("HELLO WORLD"))
	if job.Outcome != OutcomeSuccess || job.Err != nil {
		t.Fatalf("outcome = %s err = %v", job.Outcome, job.Err)
	}
	if len(job.DeliveryErrs) != 2 || job.DeliveryErrs[0].Kind != KindDelivery || job.DeliveryErrs[0].Fatal() {
		t.Fatalf("delivery errors = %v", job.DeliveryErrs)
	}
	if job.Stage != StageCleaned {
		t.Fatalf("stage = %s", job.Stage)
	}
	h.assertNoArtifacts(t)
}

func TestAcknowledgeComesFirst(t *testing.T) {
	h := newHarness(t, Options{Acknowledge: true})
	h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("HELLO WORLD"))

	msgs := h.replier.forChat("c1")
	if len(msgs) != 3 || msgs[0].Content != ReplyAck {
		t.Fatalf("replies = %+v", msgs)
	}
}

func TestUnmappedLanguageFallsBackToEnglish(t *testing.T) {
	h := newHarness(t, Options{})
	h.orch.deps.Classifier = fakeClassifier{code: xlang.Und}

	job := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("short"))
	if job.Locale != "en-US" || job.SourceLang != xlang.Und {
		t.Fatalf("locale = %s code = %s", job.Locale, job.SourceLang)
	}
	if job.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s", job.Outcome)
	}
}

func TestNonImageAttachmentsCreateNoJob(t *testing.T) {
	h := newHarness(t, Options{})
	for _, att := range []bus.Attachment{
		{Kind: bus.KindAudio, MIMEType: "audio/ogg"},
		{Kind: bus.KindDocument, MIMEType: "application/pdf"},
		{Kind: bus.KindOther},
	} {
		if job := h.orch.Run(context.Background(), imageMsg("c1"), att); job != nil {
			t.Fatalf("job created for %+v", att)
		}
	}
	if !Qualifies(bus.Attachment{Kind: bus.KindDocument, MIMEType: "image/png"}) {
		t.Fatal("image documents should qualify")
	}
	if len(h.replier.msgs) != 0 {
		t.Fatal("no replies expected")
	}
}

func TestConcurrentJobsDoNotMix(t *testing.T) {
	h := newHarness(t, Options{})
	const n = 16

	var wg sync.WaitGroup
	jobs := make([]*Job, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			chat := fmt.Sprintf("chat%d", i)
			jobs[i] = h.orch.Run(context.Background(), imageMsg(chat), imageAtt("text for "+chat))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, job := range jobs {
		chat := fmt.Sprintf("chat%d", i)
		if job.Outcome != OutcomeSuccess {
			t.Fatalf("%s outcome = %s", chat, job.Outcome)
		}
		if seen[job.ImagePath] || seen[job.AudioPath] {
			t.Fatalf("artifact path shared: %s %s", job.ImagePath, job.AudioPath)
		}
		seen[job.ImagePath], seen[job.AudioPath] = true, true

		msgs := h.replier.forChat(chat)
		if len(msgs) != 2 || msgs[0].Content != "Extracted text: text for "+chat {
			t.Fatalf("%s replies = %+v", chat, msgs)
		}
		if h.replier.media[chat] != "audio:text for "+chat {
			t.Fatalf("%s got audio %q", chat, h.replier.media[chat])
		}
	}
	h.assertNoArtifacts(t)
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	first := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("HELLO WORLD"))
	second := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("HELLO WORLD"))

	if first.ID == second.ID {
		t.Fatal("each run needs its own job id")
	}
	if first.Outcome != second.Outcome || first.Text != second.Text || first.Locale != second.Locale {
		t.Fatalf("runs differ: %+v vs %+v", first, second)
	}

	h.ocr.err = errors.New("boom")
	a := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("x"))
	b := h.orch.Run(context.Background(), imageMsg("c1"), imageAtt("x"))
	if a.Err.Kind != b.Err.Kind {
		t.Fatalf("error kinds differ: %s vs %s", a.Err.Kind, b.Err.Kind)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StageReceived, StageDownloading, true},
		{StageReceived, StageRecognizing, false},
		{StageRecognizing, StageNoTextFound, true},
		{StageRecognizing, StageSynthesizing, false},
		{StageClassifying, StageFailed, true},
		{StageDelivering, StageCleaned, true},
		{StageFailed, StageCleaned, true},
		{StageFailed, StageFailed, false},
		{StageCleaned, StageFailed, false},
		{StageCleaned, StageDownloading, false},
		{StageNoTextFound, StageSynthesizing, false},
	}
	for _, tc := range tests {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
