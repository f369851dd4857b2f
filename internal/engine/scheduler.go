package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scheduler enqueues jobs on fixed intervals. A tick that finds the same job
// still queued or running is skipped.
type Scheduler struct {
	eng       *Engine
	intervals map[string]time.Duration
	log       *slog.Logger
	wg        sync.WaitGroup
}

// NewScheduler creates a Scheduler for the given job → interval map.
// Non-positive intervals are ignored.
func NewScheduler(eng *Engine, intervals map[string]time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	iv := make(map[string]time.Duration, len(intervals))
	for name, d := range intervals {
		if d > 0 {
			iv[name] = d
		}
	}
	return &Scheduler{eng: eng, intervals: iv, log: log}
}

// Start launches one ticker per job. Tickers stop when ctx is cancelled;
// call Wait to block until they have.
func (s *Scheduler) Start(ctx context.Context) {
	names := make([]string, 0, len(s.intervals))
	for name := range s.intervals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		every := s.intervals[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, name, every)
		}()
		s.log.Info("job scheduled", "job", name, "every", every)
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.tick(name)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(name string) {
	err := s.eng.Enqueue(name)
	switch {
	case err == nil:
	case errors.Is(err, ErrJobRunning):
		s.log.Info("job tick skipped: previous run still active", "job", name)
	case errors.Is(err, ErrShutdown):
	default:
		s.log.Warn("job tick dropped", "job", name, "err", err)
	}
}

// Wait blocks until every ticker goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
