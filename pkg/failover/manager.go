// Package failover chains speech synthesizers: a primary engine with
// ordered fallbacks, switching away on failure and back after a hold
// period.
package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/speech"
)

const (
	modeNormal   = "normal"
	modeDegraded = "degraded"
)

// State is a point-in-time view of the chain.
type State struct {
	Mode             string    `json:"mode"`
	PrimaryEngine    string    `json:"primary_engine"`
	ActiveEngine     string    `json:"active_engine"`
	FallbackIndex    int       `json:"fallback_index"`
	DegradedAt       time.Time `json:"degraded_at,omitempty"`
	HoldUntil        time.Time `json:"hold_until,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LastSwitchReason string    `json:"last_switch_reason,omitempty"`
	SwitchEpoch      int64     `json:"switch_epoch"`
}

type SwitchEvent struct {
	FromEngine string
	ToEngine   string
	Reason     string
	Switched   bool
}

// Synthesizer implements speech.Synthesizer over a chain of engines.
type Synthesizer struct {
	mu        sync.Mutex
	engines   map[string]speech.Synthesizer
	chain     []string
	primary   string
	fallbacks []string
	hold      time.Duration
	now       func() time.Time
	st        State
}

// NewSynthesizer builds a chain. Fallbacks with the primary's name or a
// repeated name are skipped.
func NewSynthesizer(primary speech.Synthesizer, fallbacks []speech.Synthesizer, hold time.Duration) *Synthesizer {
	if hold <= 0 {
		hold = time.Minute
	}
	s := &Synthesizer{
		engines: map[string]speech.Synthesizer{primary.Name(): primary},
		primary: primary.Name(),
		hold:    hold,
		now:     time.Now,
	}
	names := make([]string, 0, len(fallbacks))
	for _, f := range fallbacks {
		if f == nil {
			continue
		}
		names = append(names, f.Name())
		if _, ok := s.engines[f.Name()]; !ok {
			s.engines[f.Name()] = f
		}
	}
	s.fallbacks = normalizeFallbackChain(s.primary, names)
	s.chain = append([]string{s.primary}, s.fallbacks...)
	s.st = State{
		Mode:          modeNormal,
		PrimaryEngine: s.primary,
		ActiveEngine:  s.primary,
		FallbackIndex: -1,
	}
	return s
}

func normalizeFallbackChain(primary string, chain []string) []string {
	seen := map[string]bool{}
	result := make([]string, 0, len(chain))
	for _, name := range chain {
		name = strings.TrimSpace(name)
		if name == "" || name == primary || seen[name] {
			continue
		}
		seen[name] = true
		result = append(result, name)
	}
	return result
}

func (s *Synthesizer) Name() string {
	return strings.Join(s.chain, ">")
}

// Synthesize tries the active engine and then the rest of the chain. Once
// the hold period has passed the primary is tried first again.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, locale language.Tag, outBase string) (speech.Audio, error) {
	order := s.route(s.now())

	var lastErr error
	for _, name := range order {
		audio, err := s.engines[name].Synthesize(ctx, text, locale, outBase)
		if err == nil {
			s.OnSuccess(name)
			return audio, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, speech.ErrUnsupportedLocale) {
			continue
		}
		s.OnFailure(name, err)
	}
	if lastErr == nil {
		lastErr = &speech.Error{Engine: s.Name(), Locale: locale.String(), Err: fmt.Errorf("no engine configured")}
	}
	return speech.Audio{}, lastErr
}

func (s *Synthesizer) route(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.indexLocked(s.st.ActiveEngine)
	if s.st.Mode == modeDegraded && !now.Before(s.st.HoldUntil) {
		start = 0
	}
	return append([]string(nil), s.chain[start:]...)
}

func (s *Synthesizer) indexLocked(name string) int {
	for i, n := range s.chain {
		if n == name {
			return i
		}
	}
	return 0
}

// OnFailure moves the active engine past name when name is at or before
// the active position.
func (s *Synthesizer) OnFailure(name string, err error) SwitchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.st.LastError = err.Error()
	}
	from := s.st.ActiveEngine
	failed := s.indexLocked(name)
	if failed < s.indexLocked(from) {
		// primary retry failed; stay on the fallback and restart the hold
		s.st.HoldUntil = s.now().Add(s.hold)
		return SwitchEvent{FromEngine: from, ToEngine: from, Reason: "primary_retry_failed"}
	}

	next := failed + 1
	if next >= len(s.chain) {
		s.st.LastSwitchReason = "fallback_exhausted"
		logger.WarnCF("failover", "Speech fallback chain exhausted", map[string]interface{}{
			"engine": name,
			"error":  s.st.LastError,
		})
		return SwitchEvent{FromEngine: from, ToEngine: from, Reason: "fallback_exhausted"}
	}

	now := s.now()
	to := s.chain[next]
	s.st.Mode = modeDegraded
	s.st.ActiveEngine = to
	s.st.FallbackIndex = next - 1
	s.st.DegradedAt = now
	s.st.HoldUntil = now.Add(s.hold)
	s.st.LastSwitchReason = "engine_failed"
	s.st.SwitchEpoch++

	logger.WarnCF("failover", "Switched speech engine", map[string]interface{}{
		"from":       from,
		"to":         to,
		"hold_until": s.st.HoldUntil.Format(time.RFC3339),
		"error":      s.st.LastError,
	})
	return SwitchEvent{FromEngine: from, ToEngine: to, Reason: "engine_failed", Switched: true}
}

// OnSuccess records a good synthesis; success on the primary ends a
// degraded period.
func (s *Synthesizer) OnSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == s.primary && s.st.Mode == modeDegraded {
		from := s.st.ActiveEngine
		s.st.Mode = modeNormal
		s.st.ActiveEngine = s.primary
		s.st.FallbackIndex = -1
		s.st.HoldUntil = time.Time{}
		s.st.LastSwitchReason = "primary_recovered"
		s.st.SwitchEpoch++
		logger.InfoCF("failover", "Switched back to primary speech engine", map[string]interface{}{
			"from": from,
			"to":   s.primary,
		})
	}
}

func (s *Synthesizer) IsUsingPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ActiveEngine == s.primary
}

func (s *Synthesizer) ActiveEngine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ActiveEngine
}

func (s *Synthesizer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}
