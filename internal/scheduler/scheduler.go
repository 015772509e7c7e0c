// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/massmail-backend/internal/logging"
)

// CronScheduler runs named handlers on fixed intervals. A run that is still
// in progress when the next one is due causes that next run to be skipped.
type CronScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewCronScheduler(loc *time.Location) *CronScheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{logging.Component("scheduler")}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &CronScheduler{cron: c, entries: map[string]cron.EntryID{}, ctx: ctx, cancel: cancel}
}

func (s *CronScheduler) Start() {
	s.cron.Start()
	log.Info().Str("component", "scheduler").Msg("scheduler started")
}

// Stop cancels the context handed to running handlers and waits for them, or
// for ctx, whichever comes first.
func (s *CronScheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		log.Warn().Str("component", "scheduler").Msg("stop timed out with handlers still running")
	}
}

// Register adds handler under name. Registering an existing name is a no-op.
func (s *CronScheduler) Register(name string, interval time.Duration, handler func(ctx context.Context)) error {
	if interval < time.Second {
		return errors.Newf("interval %s for %s is below one second", interval, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return nil
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		handler(s.ctx)
	})
	if err != nil {
		return errors.Wrapf(err, "schedule %s", name)
	}
	s.entries[name] = id
	log.Info().Str("component", "scheduler").Str("name", name).Dur("interval", interval).Msg("wake-up registered")
	return nil
}

func (s *CronScheduler) Deregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	log.Info().Str("component", "scheduler").Str("name", name).Msg("wake-up deregistered")
}

func (s *CronScheduler) IsRegistered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// Next reports when name runs next; zero if it is not registered or the
// scheduler has not been started.
func (s *CronScheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Registry records registrations without running anything. The CLI uses it
// to drive ticks by hand.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]registration
}

type registration struct {
	interval time.Duration
	handler  func(ctx context.Context)
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]registration{}}
}

func (r *Registry) Register(name string, interval time.Duration, handler func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; !ok {
		r.handlers[name] = registration{interval: interval, handler: handler}
	}
	return nil
}

func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

func (r *Registry) IsRegistered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[name]
	return ok
}

// Fire runs the handler registered under name once. It reports false when
// nothing is registered.
func (r *Registry) Fire(ctx context.Context, name string) bool {
	r.mu.Lock()
	reg, ok := r.handlers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	reg.handler(ctx)
	return true
}

func (r *Registry) Interval(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handlers[name].interval
}
