package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/speech"
)

type fakeEngine struct {
	name  string
	fail  bool
	err   error
	calls int
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Synthesize(ctx context.Context, text string, locale language.Tag, outBase string) (speech.Audio, error) {
	f.calls++
	if f.err != nil {
		return speech.Audio{}, f.err
	}
	if f.fail {
		return speech.Audio{}, &speech.Error{Engine: f.name, Err: errors.New("boom")}
	}
	return speech.Audio{Path: outBase + "." + f.name, Engine: f.name}, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestChain(t *testing.T) (*Synthesizer, *fakeEngine, *fakeEngine, *clock) {
	t.Helper()
	primary := &fakeEngine{name: "gtts"}
	fallback := &fakeEngine{name: "espeak"}
	s := NewSynthesizer(primary, []speech.Synthesizer{fallback, &fakeEngine{name: "gtts"}}, 10*time.Minute)
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, primary, fallback, c
}

func TestPrimaryServesWhenHealthy(t *testing.T) {
	s, primary, fallback, _ := newTestChain(t)
	audio, err := s.Synthesize(context.Background(), "hello world", language.AmericanEnglish, "/tmp/a")
	if err != nil || audio.Engine != "gtts" {
		t.Fatalf("Synthesize = %+v, %v", audio, err)
	}
	if primary.calls != 1 || fallback.calls != 0 {
		t.Fatalf("calls primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if s.Name() != "gtts>espeak" {
		t.Fatalf("duplicate fallback not removed: %s", s.Name())
	}
}

func TestFailureSwitchesToFallbackAndHolds(t *testing.T) {
	s, primary, fallback, c := newTestChain(t)
	primary.fail = true

	audio, err := s.Synthesize(context.Background(), "hello world", language.AmericanEnglish, "/tmp/a")
	if err != nil || audio.Engine != "espeak" {
		t.Fatalf("Synthesize = %+v, %v", audio, err)
	}
	if s.IsUsingPrimary() {
		t.Fatal("expected degraded mode")
	}

	primary.fail = false
	c.t = c.t.Add(5 * time.Minute)
	if _, err := s.Synthesize(context.Background(), "again", language.AmericanEnglish, "/tmp/b"); err != nil {
		t.Fatal(err)
	}
	if primary.calls != 1 || fallback.calls != 2 {
		t.Fatalf("within hold: primary=%d fallback=%d", primary.calls, fallback.calls)
	}

	c.t = c.t.Add(6 * time.Minute)
	audio, err = s.Synthesize(context.Background(), "later", language.AmericanEnglish, "/tmp/c")
	if err != nil || audio.Engine != "gtts" {
		t.Fatalf("retry = %+v, %v", audio, err)
	}
	snap := s.Snapshot()
	if snap.Mode != modeNormal || snap.LastSwitchReason != "primary_recovered" || snap.SwitchEpoch != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFailedPrimaryRetryRestartsHold(t *testing.T) {
	s, primary, _, c := newTestChain(t)
	primary.fail = true
	_, _ = s.Synthesize(context.Background(), "x", language.AmericanEnglish, "/tmp/a")

	c.t = c.t.Add(11 * time.Minute)
	audio, err := s.Synthesize(context.Background(), "y", language.AmericanEnglish, "/tmp/b")
	if err != nil || audio.Engine != "espeak" {
		t.Fatalf("Synthesize = %+v, %v", audio, err)
	}
	if got := s.Snapshot().HoldUntil; !got.Equal(c.t.Add(10 * time.Minute)) {
		t.Fatalf("hold not restarted: %v", got)
	}
	if s.ActiveEngine() != "espeak" {
		t.Fatalf("active = %s", s.ActiveEngine())
	}
}

func TestAllEnginesFailReturnsSpeechError(t *testing.T) {
	s, primary, fallback, _ := newTestChain(t)
	primary.fail = true
	fallback.fail = true

	_, err := s.Synthesize(context.Background(), "x", language.AmericanEnglish, "/tmp/a")
	var speechErr *speech.Error
	if !errors.As(err, &speechErr) || speechErr.Engine != "espeak" {
		t.Fatalf("expected last engine error, got %v", err)
	}
	if s.Snapshot().LastSwitchReason != "fallback_exhausted" {
		t.Fatalf("reason = %s", s.Snapshot().LastSwitchReason)
	}
}

func TestUnsupportedLocaleDoesNotDegrade(t *testing.T) {
	s, primary, _, _ := newTestChain(t)
	primary.err = &speech.Error{Engine: "gtts", Err: speech.ErrUnsupportedLocale}

	audio, err := s.Synthesize(context.Background(), "x", language.MustParse("sw"), "/tmp/a")
	if err != nil || audio.Engine != "espeak" {
		t.Fatalf("Synthesize = %+v, %v", audio, err)
	}
	if !s.IsUsingPrimary() {
		t.Fatal("unsupported locale should not switch the active engine")
	}
}

func TestCancelledContextStopsChain(t *testing.T) {
	s, primary, fallback, _ := newTestChain(t)
	primary.err = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Synthesize(ctx, "x", language.AmericanEnglish, "/tmp/a"); err == nil {
		t.Fatal("expected error")
	}
	if fallback.calls != 0 {
		t.Fatal("fallback should not run after the deadline")
	}
}
