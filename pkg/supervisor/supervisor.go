// Package supervisor turns inbound bus messages into pipeline jobs, with a
// cap on how many run at once.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/ocrvoice/pkg/artifacts"
	"github.com/sipeed/ocrvoice/pkg/bus"
	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/pipeline"
	"github.com/sipeed/ocrvoice/pkg/usage"
)

// Runner runs one job to completion.
type Runner interface {
	RunJob(ctx context.Context, jobID string, msg bus.InboundMessage, att bus.Attachment) *pipeline.Job
}

type Supervisor struct {
	bus      *bus.MessageBus
	runner   Runner
	registry *artifacts.Registry
	stats    *usage.Store
	group    errgroup.Group
}

// New caps concurrently running jobs at maxConcurrent. stats may be nil.
func New(b *bus.MessageBus, runner Runner, registry *artifacts.Registry, stats *usage.Store, maxConcurrent int) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	s := &Supervisor{
		bus:      b,
		runner:   runner,
		registry: registry,
		stats:    stats,
	}
	s.group.SetLimit(maxConcurrent)
	return s
}

// Run consumes messages until ctx ends or the bus closes, then waits for
// in-flight jobs. When the cap is reached Run blocks and messages queue on
// the bus.
func (s *Supervisor) Run(ctx context.Context) error {
	logger.InfoC("supervisor", "Supervisor started")
	for {
		msg, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		s.dispatch(ctx, msg)
	}
	logger.InfoCF("supervisor", "Waiting for in-flight jobs", map[string]interface{}{
		"live": s.registry.Len(),
	})
	err := s.group.Wait()
	logger.InfoC("supervisor", "Supervisor stopped")
	return err
}

func (s *Supervisor) dispatch(ctx context.Context, msg bus.InboundMessage) {
	started := 0
	for _, att := range msg.Attachments {
		if !pipeline.Qualifies(att) {
			continue
		}
		jobID := artifacts.NewJobID()
		s.registry.Add(jobID)
		started++

		att := att
		s.group.Go(func() error {
			s.runJob(ctx, jobID, msg, att)
			return nil
		})
	}
	if started == 0 {
		logger.DebugCF("supervisor", "Ignoring message without image", map[string]interface{}{
			"channel": msg.Channel,
			"sender":  msg.SenderID,
		})
	}
}

// runJob isolates a job: a panic escaping the orchestrator is logged and
// never reaches other jobs.
func (s *Supervisor) runJob(ctx context.Context, jobID string, msg bus.InboundMessage, att bus.Attachment) {
	defer s.registry.Remove(jobID)
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("supervisor", "Job panicked", map[string]interface{}{
				"job_id":  jobID,
				"channel": msg.Channel,
				"sender":  msg.SenderID,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
		}
	}()

	job := s.runner.RunJob(ctx, jobID, msg, att)
	if job != nil && s.stats != nil {
		_ = s.stats.Append(RecordFor(job))
	}
}

// Live returns the ids of jobs that have not been cleaned yet.
func (s *Supervisor) Live() []string {
	return s.registry.IDs()
}

// RecordFor converts a finished job into a usage record.
func RecordFor(job *pipeline.Job) usage.Record {
	r := usage.Record{
		Timestamp:  job.FinishedAt.UTC(),
		JobID:      job.ID,
		Channel:    job.Channel,
		Outcome:    string(job.Outcome),
		Locale:     job.Locale,
		Engine:     job.Engine,
		TextLength: len([]rune(job.Text)),
		DurationMs: job.Duration().Milliseconds(),
		Delivered:  len(job.DeliveryErrs) == 0,
	}
	if job.Err != nil {
		r.ErrorKind = string(job.Err.Kind)
	}
	return r
}
