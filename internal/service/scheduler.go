package service

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"bgg-roller/internal/metrics"
)

// Operation is a unit of work admitted by the Scheduler.
type Operation func(ctx context.Context) (string, error)

type result struct {
	text string
	err  error
}

type queueEntry struct {
	ctx  context.Context
	op   Operation
	done chan result
}

// Scheduler runs at most maxConcurrency operations at a time and admits the
// rest in FIFO order. Outcomes are passed back unchanged.
type Scheduler struct {
	maxConcurrency int
	metrics        *metrics.Metrics
	logger         zerolog.Logger

	mu     sync.Mutex
	queue  []*queueEntry
	active int
}

func NewScheduler(maxConcurrency int, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Scheduler{
		maxConcurrency: maxConcurrency,
		metrics:        m,
		logger:         log.With().Str("component", "scheduler").Logger(),
	}
}

// Schedule queues op and blocks until it has run. If ctx ends while op is
// still queued, op is dropped and ctx.Err() returned; once op has started it
// is never abandoned.
func (s *Scheduler) Schedule(ctx context.Context, op Operation) (string, error) {
	entry := &queueEntry{ctx: ctx, op: op, done: make(chan result, 1)}

	s.mu.Lock()
	s.queue = append(s.queue, entry)
	s.reportLocked()
	s.mu.Unlock()

	s.drain()

	select {
	case res := <-entry.done:
		return res.text, res.err
	case <-ctx.Done():
		if s.remove(entry) {
			return "", ctx.Err()
		}
		res := <-entry.done
		return res.text, res.err
	}
}

func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 && s.active < s.maxConcurrency {
		entry := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.active++
		go s.run(entry)
	}
	s.reportLocked()
}

func (s *Scheduler) run(entry *queueEntry) {
	res := s.invoke(entry)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	entry.done <- res
	s.drain()
}

func (s *Scheduler) invoke(entry *queueEntry) (res result) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Msg("scheduled operation panicked")
			res = result{err: errors.Errorf("scheduled operation panicked: %v", rec)}
		}
	}()
	text, err := entry.op(entry.ctx)
	return result{text: text, err: err}
}

// remove drops entry from the queue, reporting false if it was already
// dequeued.
func (s *Scheduler) remove(entry *queueEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e == entry {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.reportLocked()
			return true
		}
	}
	return false
}

func (s *Scheduler) reportLocked() {
	s.metrics.SetScheduler(s.active, len(s.queue))
}
