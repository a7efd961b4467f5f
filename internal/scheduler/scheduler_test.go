package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/memorize-mcp/memorize-mcp/internal/telemetry"
)

type fakeLister struct {
	topics []string
	err    error
}

func (f *fakeLister) ListTopics(context.Context) ([]string, error) { return f.topics, f.err }

type fakeMerger struct {
	mu     sync.Mutex
	calls  []string
	merged int
	err    error
}

func (f *fakeMerger) MergeKnowledge(_ context.Context, topic string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, topic)
	return f.merged, f.err
}

func (f *fakeMerger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweepOnce_CallsMergeForEveryTopic(t *testing.T) {
	lister := &fakeLister{topics: []string{"rust", "go"}}
	merger := &fakeMerger{merged: 2}
	s := New(lister, merger, nil)

	s.sweepOnce()

	if got := merger.callCount(); got != 2 {
		t.Fatalf("expected a merge call per topic, got %d", got)
	}
}

func TestSweepOnce_ListerErrorSkipsAllMerges(t *testing.T) {
	lister := &fakeLister{err: context.DeadlineExceeded}
	merger := &fakeMerger{}
	s := New(lister, merger, nil)

	s.sweepOnce()

	if got := merger.callCount(); got != 0 {
		t.Fatalf("expected no merge calls when ListTopics fails, got %d", got)
	}
}

func TestStartStop_RunsOnSchedule(t *testing.T) {
	lister := &fakeLister{topics: []string{"rust"}}
	merger := &fakeMerger{}
	s := New(lister, merger, telemetry.NoopSink{})

	if err := s.Start("@every 10ms"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for merger.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one scheduled sweep within 2s")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStart_RejectsMalformedSpec(t *testing.T) {
	s := New(&fakeLister{}, &fakeMerger{}, nil)
	if err := s.Start("not a cron spec"); err == nil {
		t.Fatal("expected an error for a malformed cron spec")
	}
}
