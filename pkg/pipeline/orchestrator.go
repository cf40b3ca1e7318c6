// Package pipeline runs one inbound image through download, OCR, language
// classification, speech synthesis and delivery, and always reclaims the
// job's artifacts afterwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	xlanguage "golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/artifacts"
	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/language"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/ocr"
	"github.com/sipeed/ocrvoice/pkg/speech"
	"github.com/sipeed/ocrvoice/pkg/utils"
)

// User-facing replies.
const (
	ReplyAck        = "Processing your image..."
	ReplyNoText     = "No text detected in the image."
	ReplyTextPrefix = "Extracted text: "
	AudioCaption    = "Audio of extracted text"
	ReplyError      = "Error processing image. Please try again."
)

// Replier sends a message back through the channel it names.
type Replier interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

type Options struct {
	Hints           []string
	DownloadTimeout time.Duration
	OCRTimeout      time.Duration
	TTSTimeout      time.Duration
	DeliveryTimeout time.Duration
	// MaxImageBytes rejects larger downloads; zero disables the check.
	MaxImageBytes int64
	Acknowledge   bool
}

func (o Options) withDefaults() Options {
	if len(o.Hints) == 0 {
		o.Hints = ocr.DefaultHints
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 60 * time.Second
	}
	if o.OCRTimeout <= 0 {
		o.OCRTimeout = 120 * time.Second
	}
	if o.TTSTimeout <= 0 {
		o.TTSTimeout = 60 * time.Second
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 30 * time.Second
	}
	return o
}

// Deps are the collaborators shared by every job. All of them must be
// safe for concurrent use.
type Deps struct {
	Allocator   *artifacts.Allocator
	Recognizer  ocr.Recognizer
	Classifier  language.Classifier
	Mapping     language.Mapping
	Synthesizer speech.Synthesizer
	Replier     Replier
}

type Orchestrator struct {
	deps     Deps
	opts     Options
	now      func() time.Time
	onFinish []func(*Job)
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

// OnFinish registers fn to be called with every cleaned job. Register
// before the first Run.
func (o *Orchestrator) OnFinish(fn func(*Job)) {
	o.onFinish = append(o.onFinish, fn)
}

// Qualifies reports whether att starts a job: photos, and documents whose
// MIME type is an image.
func Qualifies(att bus.Attachment) bool {
	switch att.Kind {
	case bus.KindImage:
		return true
	case bus.KindDocument:
		return utils.IsImageMIME(att.MIMEType)
	}
	return false
}

// Run processes att with a fresh job id. It returns nil for attachments
// that do not qualify.
func (o *Orchestrator) Run(ctx context.Context, msg bus.InboundMessage, att bus.Attachment) *Job {
	if !Qualifies(att) {
		return nil
	}
	return o.RunJob(ctx, artifacts.NewJobID(), msg, att)
}

// RunJob processes att under jobID. The returned job is always Cleaned.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string, msg bus.InboundMessage, att bus.Attachment) *Job {
	job := newJob(jobID, msg, o.now())
	scope := o.deps.Allocator.NewScope(jobID)

	defer o.cleanup(job, scope)
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, job, &StageError{Kind: KindInternal, Stage: job.Stage, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	logger.InfoCF("pipeline", "Job received", job.fields())
	if o.opts.Acknowledge {
		o.reply(ctx, job, bus.OutboundMessage{Content: ReplyAck})
	}

	o.enter(job, StageDownloading)
	if err := o.download(ctx, job, scope, att); err != nil {
		o.fail(ctx, job, err)
		return job
	}

	o.enter(job, StageRecognizing)
	text, err := o.recognize(ctx, job)
	if err != nil {
		o.fail(ctx, job, err)
		return job
	}
	if strings.TrimSpace(text) == "" {
		o.enter(job, StageNoTextFound)
		job.Outcome = OutcomeNoText
		o.reply(ctx, job, bus.OutboundMessage{Content: ReplyNoText})
		return job
	}
	job.Text = text

	o.enter(job, StageClassifying)
	code, locale := language.Resolve(o.deps.Classifier, o.deps.Mapping, text)
	job.SourceLang = code
	job.Locale = locale.String()
	logger.DebugCF("pipeline", "Language resolved", map[string]interface{}{
		"job_id": job.ID,
		"code":   code,
		"locale": job.Locale,
	})

	o.enter(job, StageSynthesizing)
	if err := o.synthesize(ctx, job, scope, text, locale); err != nil {
		o.fail(ctx, job, err)
		return job
	}

	o.enter(job, StageDelivering)
	o.reply(ctx, job, bus.OutboundMessage{Content: ReplyTextPrefix + text})
	o.reply(ctx, job, bus.OutboundMessage{Content: AudioCaption, Media: []string{job.AudioPath}})
	job.Outcome = OutcomeSuccess
	return job
}

func (o *Orchestrator) enter(job *Job, next Stage) {
	job.advance(next)
	logger.InfoCF("pipeline", "Stage entered", job.fields())
}

func (o *Orchestrator) download(ctx context.Context, job *Job, scope *artifacts.Scope, att bus.Attachment) *StageError {
	wrap := func(err error) *StageError {
		return &StageError{Kind: KindDownload, Stage: StageDownloading, Err: err}
	}
	if att.Download == nil {
		return wrap(errors.New("attachment has no download source"))
	}
	if o.opts.MaxImageBytes > 0 && att.Size > o.opts.MaxImageBytes {
		return wrap(fmt.Errorf("attachment is %d bytes, limit %d", att.Size, o.opts.MaxImageBytes))
	}

	dctx, cancel := context.WithTimeout(ctx, o.opts.DownloadTimeout)
	defer cancel()
	data, err := att.Download(dctx)
	if err != nil {
		return wrap(err)
	}
	if len(data) == 0 {
		return wrap(errors.New("attachment is empty"))
	}
	if o.opts.MaxImageBytes > 0 && int64(len(data)) > o.opts.MaxImageBytes {
		return wrap(fmt.Errorf("attachment is %d bytes, limit %d", len(data), o.opts.MaxImageBytes))
	}

	path := scope.Allocate(artifacts.KindImage, imageExt(att))
	if err := artifacts.WriteFile(path, data); err != nil {
		return wrap(err)
	}
	job.ImagePath = path
	return nil
}

func imageExt(att bus.Attachment) string {
	if ext := utils.ImageExtension(att.MIMEType); ext != ".img" {
		return ext
	}
	if mime := utils.DetectImageMimeType(att.Name); mime != "" {
		return utils.ImageExtension(mime)
	}
	return ".img"
}

func (o *Orchestrator) recognize(ctx context.Context, job *Job) (string, *StageError) {
	rctx, cancel := context.WithTimeout(ctx, o.opts.OCRTimeout)
	defer cancel()

	text, err := o.deps.Recognizer.Recognize(rctx, job.ImagePath, o.opts.Hints)
	if err != nil {
		return "", &StageError{Kind: KindRecognition, Stage: StageRecognizing, Err: err}
	}
	return text, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, job *Job, scope *artifacts.Scope, text string, locale xlanguage.Tag) *StageError {
	wrap := func(err error) *StageError {
		return &StageError{Kind: KindSynthesis, Stage: StageSynthesizing, Err: err}
	}

	sctx, cancel := context.WithTimeout(ctx, o.opts.TTSTimeout)
	defer cancel()

	outBase := scope.Allocate(artifacts.KindAudio, "")
	audio, err := o.deps.Synthesizer.Synthesize(sctx, text, locale, outBase)
	if audio.Path != "" {
		scope.Track(audio.Path)
	}
	if err != nil {
		return wrap(err)
	}
	if filepath.Dir(audio.Path) != scope.Dir() {
		return wrap(fmt.Errorf("audio written outside job directory: %s", audio.Path))
	}
	job.AudioPath = audio.Path
	job.AudioMIME = audio.MIMEType
	job.Engine = audio.Engine
	return nil
}

// reply sends msg to the job's chat. Replies survive shutdown of ctx so a
// job that already did its work still answers.
func (o *Orchestrator) reply(ctx context.Context, job *Job, msg bus.OutboundMessage) {
	msg.Channel = job.Channel
	msg.ChatID = job.ChatID
	msg.ReplyToID = job.MessageID

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.DeliveryTimeout)
	defer cancel()

	if err := o.deps.Replier.Send(rctx, msg); err != nil {
		derr := &StageError{Kind: KindDelivery, Stage: job.Stage, Err: err}
		job.DeliveryErrs = append(job.DeliveryErrs, derr)
		fields := job.fields()
		fields["error"] = err.Error()
		logger.WarnCF("pipeline", "Reply failed", fields)
	}
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, err *StageError) {
	job.Err = err
	if !job.Stage.Terminal() {
		job.advance(StageFailed)
	}
	job.Outcome = OutcomeFailed

	fields := job.fields()
	fields["kind"] = string(err.Kind)
	fields["error"] = err.Error()
	logger.ErrorCF("pipeline", "Job failed", fields)

	o.reply(ctx, job, bus.OutboundMessage{Content: ReplyError})
}

func (o *Orchestrator) cleanup(job *Job, scope *artifacts.Scope) {
	if err := scope.Release(); err != nil {
		fields := job.fields()
		fields["error"] = err.Error()
		logger.WarnCF("pipeline", "Artifact cleanup incomplete", fields)
	}
	if canTransition(job.Stage, StageCleaned) {
		job.advance(StageCleaned)
	} else {
		job.Stage = StageCleaned
		job.History = append(job.History, StageCleaned)
	}
	job.FinishedAt = o.now()

	fields := job.fields()
	fields["outcome"] = string(job.Outcome)
	fields["duration_ms"] = job.Duration().Milliseconds()
	logger.InfoCF("pipeline", "Job cleaned", fields)

	for _, fn := range o.onFinish {
		fn(job)
	}
}
