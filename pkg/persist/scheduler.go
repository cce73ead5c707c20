// Package persist coalesces bursts of document mutations into a single durable write
// per document after a quiet period.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const DefaultQuietPeriod = 2 * time.Second

// FlushFunc serializes the current state of a document and writes it durably.
type FlushFunc func(ctx context.Context, docID string) error

// Scheduler keeps at most one pending timer per document. Every Schedule call cancels
// the pending timer and arms a new one, so the write happens once the document has been
// quiet for the whole period.
type Scheduler struct {
	quiet time.Duration
	flush FlushFunc

	mu      sync.Mutex
	pending map[string]*intent
	gen     uint64
	stopped bool
	writes  sync.WaitGroup
}

type intent struct {
	timer *time.Timer
	gen   uint64
}

func New(quiet time.Duration, flush FlushFunc) *Scheduler {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Scheduler{
		quiet:   quiet,
		flush:   flush,
		pending: make(map[string]*intent),
	}
}

func (s *Scheduler) QuietPeriod() time.Duration {
	return s.quiet
}

func (s *Scheduler) Schedule(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if p, ok := s.pending[docID]; ok {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.pending[docID] = &intent{
		gen:   gen,
		timer: time.AfterFunc(s.quiet, func() { s.fire(docID, gen) }),
	}
}

// fire runs on the timer goroutine. A timer whose Stop lost the race with expiry finds
// a newer generation in the map and does nothing.
func (s *Scheduler) fire(docID string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[docID]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, docID)
	s.writes.Add(1)
	s.mu.Unlock()

	defer s.writes.Done()
	_ = s.write(context.Background(), docID)
}

func (s *Scheduler) write(ctx context.Context, docID string) error {
	if err := s.flush(ctx, docID); err != nil {
		slog.Error("failed to persist document", "doc", docID, "err", err)
		return err
	}
	slog.Debug("persisted document", "doc", docID)
	return nil
}

// take removes the pending intent for docID, reporting whether there was one.
func (s *Scheduler) take(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[docID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, docID)
	return true
}

// Flush writes docID now if it has a pending intent.
func (s *Scheduler) Flush(ctx context.Context, docID string) error {
	if !s.take(docID) {
		return nil
	}
	return s.write(ctx, docID)
}

// FlushAll writes every pending document and waits for timer-driven writes already in
// flight.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id, p := range s.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}
	clear(s.pending)
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.write(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.writes.Wait()
	return errors.Join(errs...)
}

// Stop refuses further Schedule calls and flushes what is pending.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.FlushAll(ctx)
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
