// Package scheduler runs merge_knowledge periodically across every known
// topic, per the server instructions' guidance to consolidate once a topic
// accumulates 10+ unmerged QA pairs. Built on robfig/cron/v3, the same
// cron-expression scheduling the rest of the Go ecosystem in this corpus
// reaches for (the teacher itself carries the dependency unused).
package scheduler

import (
	"context"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/memorize-mcp/memorize-mcp/internal/telemetry"
)

// TopicLister enumerates topics eligible for a merge sweep.
type TopicLister interface {
	ListTopics(ctx context.Context) ([]string, error)
}

// Merger runs one merge_knowledge call for a topic.
type Merger interface {
	MergeKnowledge(ctx context.Context, topic string) (merged int, err error)
}

// Scheduler periodically sweeps every topic through Merger.MergeKnowledge.
type Scheduler struct {
	cron   *cron.Cron
	lister TopicLister
	merger Merger
	sink   telemetry.Sink
}

// New builds a Scheduler; nothing runs until Start is given a schedule.
func New(lister TopicLister, merger Merger, sink telemetry.Sink) *Scheduler {
	if sink == nil {
		sink = telemetry.NoopSink{}
	}
	return &Scheduler{
		cron:   cron.New(),
		lister: lister,
		merger: merger,
		sink:   sink,
	}
}

// Start schedules the periodic sweep at spec, a standard 5-field cron
// expression or a descriptor such as "@every 10m", and begins
// running it in the background. Returns an error if spec is malformed.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.sweepOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweepOnce() {
	ctx := context.Background()
	runID := uuid.NewString()
	topics, err := s.lister.ListTopics(ctx)
	if err != nil {
		_ = s.sink.Emit(ctx, telemetry.Event{Op: "scheduler.sweep", Level: "error", Err: err,
			Fields: map[string]any{"run_id": runID}})
		return
	}
	for _, topic := range topics {
		merged, err := s.merger.MergeKnowledge(ctx, topic)
		fields := map[string]any{"run_id": runID, "topic": topic, "merged": merged}
		level := "info"
		if err != nil {
			level = "error"
		}
		_ = s.sink.Emit(ctx, telemetry.Event{Op: "scheduler.sweep", Level: level, Fields: fields, Err: err})
	}
}
