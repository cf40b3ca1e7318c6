package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sipeed/ocrvoice/pkg/artifacts"
	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/pipeline"
	"github.com/sipeed/ocrvoice/pkg/usage"
)

type fakeRunner struct {
	mu      sync.Mutex
	running int32
	peak    int32
	release chan struct{}
	panicOn string
	seen    []string
}

func (f *fakeRunner) RunJob(ctx context.Context, jobID string, msg bus.InboundMessage, att bus.Attachment) *pipeline.Job {
	n := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, msg.ChatID)
	f.mu.Unlock()

	if msg.ChatID == f.panicOn {
		panic("boom")
	}
	if f.release != nil {
		<-f.release
	}
	now := time.Now()
	return &pipeline.Job{
		ID:         jobID,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		Stage:      pipeline.StageCleaned,
		Outcome:    pipeline.OutcomeSuccess,
		ReceivedAt: now,
		FinishedAt: now,
	}
}

func imageMessage(chat string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:     "telegram",
		ChatID:      chat,
		SenderID:    chat,
		Attachments: []bus.Attachment{{Kind: bus.KindImage, MIMEType: "image/png"}},
	}
}

func TestSupervisorCapsConcurrency(t *testing.T) {
	b := bus.NewMessageBus(16)
	runner := &fakeRunner{release: make(chan struct{})}
	reg := artifacts.NewRegistry()
	stats := usage.NewStore(0)
	s := New(b, runner, reg, stats, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for _, chat := range []string{"a", "b", "c", "d", "e"} {
		b.PublishInbound(ctx, imageMessage(chat))
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&runner.running) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&runner.running); got != 2 {
		t.Fatalf("running = %d, want 2", got)
	}
	if len(s.Live()) < 2 {
		t.Fatalf("live = %v", s.Live())
	}

	close(runner.release)
	for len(stats.Query(usage.Filter{})) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak := atomic.LoadInt32(&runner.peak); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
	if n := len(stats.Query(usage.Filter{})); n != 5 {
		t.Fatalf("recorded %d jobs, want 5", n)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry not drained: %v", reg.IDs())
	}
}

func TestSupervisorIsolatesPanics(t *testing.T) {
	b := bus.NewMessageBus(4)
	runner := &fakeRunner{panicOn: "bad"}
	reg := artifacts.NewRegistry()
	stats := usage.NewStore(0)
	s := New(b, runner, reg, stats, 4)

	ctx := context.Background()
	b.PublishInbound(ctx, imageMessage("bad"))
	b.PublishInbound(ctx, imageMessage("good"))
	b.Close()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	recs := stats.Query(usage.Filter{})
	if len(recs) != 1 {
		t.Fatalf("records = %+v", recs)
	}
	if reg.Len() != 0 {
		t.Fatal("panicked job still registered")
	}
}

func TestSupervisorSkipsNonImages(t *testing.T) {
	b := bus.NewMessageBus(4)
	runner := &fakeRunner{}
	s := New(b, runner, artifacts.NewRegistry(), nil, 1)

	ctx := context.Background()
	b.PublishInbound(ctx, bus.InboundMessage{Channel: "discord", ChatID: "x", Content: "hello"})
	b.PublishInbound(ctx, bus.InboundMessage{Channel: "discord", ChatID: "y", Attachments: []bus.Attachment{{Kind: bus.KindAudio}}})
	b.Close()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.seen) != 0 {
		t.Fatalf("runner called for %v", runner.seen)
	}
}

func TestRecordFor(t *testing.T) {
	start := time.Now()
	job := &pipeline.Job{
		ID:           "job_1",
		Channel:      "whatsapp",
		Outcome:      pipeline.OutcomeFailed,
		Err:          &pipeline.StageError{Kind: pipeline.KindSynthesis, Stage: pipeline.StageSynthesizing},
		DeliveryErrs: []*pipeline.StageError{{Kind: pipeline.KindDelivery}},
		Text:         "héllo",
		ReceivedAt:   start,
		FinishedAt:   start.Add(1500 * time.Millisecond),
	}
	r := RecordFor(job)
	if r.ErrorKind != "synthesis" || r.Delivered || r.TextLength != 5 || r.DurationMs != 1500 || r.Outcome != "failed" {
		t.Fatalf("record = %+v", r)
	}
}
