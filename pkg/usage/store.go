// Package usage keeps in-memory records of finished jobs for the stats
// endpoint and console. Nothing is persisted.
package usage

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxRecords = 10000
	retention         = 30 * 24 * time.Hour
)

type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	DayKey     string    `json:"day_key"`
	JobID      string    `json:"job_id"`
	Channel    string    `json:"channel"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Locale     string    `json:"locale,omitempty"`
	Engine     string    `json:"engine,omitempty"`
	TextLength int       `json:"text_length"`
	DurationMs int64     `json:"duration_ms"`
	Delivered  bool      `json:"delivered"`
}

type Filter struct {
	Channel string
	DayKey  string
	Outcome string
	Limit   int
}

type Aggregate struct {
	Jobs            int   `json:"jobs"`
	Succeeded       int   `json:"succeeded"`
	NoText          int   `json:"no_text"`
	Failed          int   `json:"failed"`
	DeliveryErrors  int   `json:"delivery_errors"`
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// AvgDuration is the mean job duration.
func (a Aggregate) AvgDuration() time.Duration {
	if a.Jobs == 0 {
		return 0
	}
	return time.Duration(a.TotalDurationMs/int64(a.Jobs)) * time.Millisecond
}

type Store struct {
	mu         sync.RWMutex
	records    []Record
	maxRecords int
	now        func() time.Time
}

// NewStore keeps at most maxRecords records; zero uses the default.
func NewStore(maxRecords int) *Store {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &Store{
		records:    make([]Record, 0, 256),
		maxRecords: maxRecords,
		now:        time.Now,
	}
}

func (s *Store) TodayKey() string {
	return s.now().UTC().Format("2006-01-02")
}

// Append adds r, dropping records past retention and the oldest records
// beyond the cap.
func (s *Store) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	if r.DayKey == "" {
		r.DayKey = r.Timestamp.UTC().Format("2006-01-02")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	s.pruneLocked()
	return nil
}

func (s *Store) pruneLocked() {
	cutoff := s.now().Add(-retention)
	kept := s.records[:0]
	for _, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	if over := len(kept) - s.maxRecords; over > 0 {
		kept = append(kept[:0], kept[over:]...)
	}
	s.records = kept
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.Channel != "" && !strings.EqualFold(r.Channel, f.Channel) {
			continue
		}
		if f.DayKey != "" && r.DayKey != f.DayKey {
			continue
		}
		if f.Outcome != "" && r.Outcome != f.Outcome {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func AggregateRecords(records []Record) Aggregate {
	var agg Aggregate
	for _, r := range records {
		add(&agg, r)
	}
	return agg
}

// ChannelBreakdown aggregates records per channel.
func ChannelBreakdown(records []Record) map[string]Aggregate {
	out := map[string]Aggregate{}
	for _, r := range records {
		ch := strings.TrimSpace(r.Channel)
		if ch == "" {
			ch = "unknown"
		}
		agg := out[ch]
		add(&agg, r)
		out[ch] = agg
	}
	return out
}

func add(agg *Aggregate, r Record) {
	agg.Jobs++
	switch r.Outcome {
	case "success":
		agg.Succeeded++
	case "no_text":
		agg.NoText++
	case "failed":
		agg.Failed++
	}
	if !r.Delivered {
		agg.DeliveryErrors++
	}
	agg.TotalDurationMs += r.DurationMs
}
