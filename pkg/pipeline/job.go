package pipeline

import (
	"fmt"
	"time"

	"github.com/sipeed/ocrvoice/pkg/bus"
)

// Job is one run of the pipeline for one image. Only the orchestrator
// running it mutates it.
type Job struct {
	ID        string
	Channel   string
	SenderID  string
	ChatID    string
	MessageID string

	Stage   Stage
	History []Stage

	ImagePath  string
	Text       string
	SourceLang string
	Locale     string
	AudioPath  string
	AudioMIME  string
	Engine     string

	Outcome Outcome
	Err     *StageError
	// DeliveryErrs holds reply failures; they never change the outcome.
	DeliveryErrs []*StageError

	ReceivedAt time.Time
	FinishedAt time.Time
}

func newJob(id string, msg bus.InboundMessage, now time.Time) *Job {
	return &Job{
		ID:         id,
		Channel:    msg.Channel,
		SenderID:   msg.SenderID,
		ChatID:     msg.ChatID,
		MessageID:  msg.MessageID,
		Stage:      StageReceived,
		History:    []Stage{StageReceived},
		ReceivedAt: now,
	}
}

// advance moves the job to next. An illegal edge is a programming error.
func (j *Job) advance(next Stage) {
	if !canTransition(j.Stage, next) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", j.Stage, next))
	}
	j.Stage = next
	j.History = append(j.History, next)
}

// Duration is the wall time from receipt to cleanup.
func (j *Job) Duration() time.Duration {
	if j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.ReceivedAt)
}

func (j *Job) fields() map[string]interface{} {
	return map[string]interface{}{
		"job_id":  j.ID,
		"channel": j.Channel,
		"sender":  j.SenderID,
		"stage":   string(j.Stage),
	}
}
