package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"imagestudio/internal/config"
)

const (
	TaskTokenRefresh   = "token_refresh"
	TaskHeartbeat      = "heartbeat"
	TaskSessionRefresh = "session_refresh"

	taskTimeout = 30 * time.Second
)

// Maintainer is the account surface kept alive in the background.
type Maintainer interface {
	RefreshToken(ctx context.Context) error
	Heartbeat(ctx context.Context) error
	InitSession(ctx context.Context) error
}

type task struct {
	name        string
	interval    time.Duration
	run         func(ctx context.Context) error
	lastSuccess time.Time
}

// Scheduler checks each maintenance task on a fixed cadence and runs it once its interval
// has elapsed since the last success. Failures leave the stamp untouched so the next check
// retries. One lock serializes the tasks and guards their stamps.
type Scheduler struct {
	cron  *cron.Cron
	check time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu    sync.Mutex
	tasks []*task
}

func NewScheduler(m Maintainer, cfg config.MaintenanceConfig, log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "maintenance").Logger()
	cl := cronLogger{log: log}
	s := &Scheduler{
		cron:  cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		check: cfg.CheckInterval,
		now:   time.Now,
		log:   log,
	}
	if s.check <= 0 {
		s.check = time.Minute
	}
	s.tasks = []*task{
		{name: TaskTokenRefresh, interval: cfg.TokenRefreshInterval, run: m.RefreshToken},
		{name: TaskHeartbeat, interval: cfg.HeartbeatInterval, run: m.Heartbeat},
		{name: TaskSessionRefresh, interval: cfg.SessionRefreshInterval, run: m.InitSession},
	}
	return s
}

func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.check)
	for _, t := range s.tasks {
		t := t
		if _, err := s.cron.AddFunc(spec, func() { s.runIfDue(context.Background(), t) }); err != nil {
			return fmt.Errorf("schedule %s: %w", t.name, err)
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() context.CancelFunc {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
		cancel()
	}()
	return cancel
}

// RunDue runs every task whose interval has elapsed.
func (s *Scheduler) RunDue(ctx context.Context) {
	for _, t := range s.tasks {
		s.runIfDue(ctx, t)
	}
}

// LastSuccess reports when each task last completed without error.
func (s *Scheduler) LastSuccess() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.tasks))
	for _, t := range s.tasks {
		out[t.name] = t.lastSuccess
	}
	return out
}

func (s *Scheduler) runIfDue(ctx context.Context, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !t.lastSuccess.IsZero() && now.Sub(t.lastSuccess) < t.interval {
		return
	}

	if err := s.invoke(ctx, t); err != nil {
		s.log.Error().Err(err).Str("task", t.name).Msg("maintenance task failed")
		return
	}
	t.lastSuccess = now
	s.log.Debug().Str("task", t.name).Msg("maintenance task done")
}

func (s *Scheduler) invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()
	return t.run(ctx)
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
