package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one cleanup job run on every sweep. It returns how many items it
// removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Sweeper runs its tasks every interval between Start and Stop. Nothing in
// the request path depends on it having run.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	log      *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, log *zap.SugaredLogger, tasks ...Task) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sweeper{interval: interval, tasks: tasks, log: log}
}

// Start launches the loop. Calling Start on a running sweeper does nothing.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Infow("sweeper started", "interval", s.interval.String(), "tasks", len(s.tasks))
}

// Stop ends the loop and waits for a sweep in progress to finish. Calling
// Stop on a stopped sweeper does nothing.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Infow("sweeper stopped")
}

// Running reports whether the loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every task once. Task failures are logged and do not stop
// the remaining tasks.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	for _, t := range s.tasks {
		n, err := t.Run(ctx)
		if err != nil {
			s.log.Warnw("sweep task failed", "task", t.Name, "error", err)
			continue
		}
		if n > 0 {
			s.log.Debugw("sweep task done", "task", t.Name, "removed", n)
		}
	}
}
