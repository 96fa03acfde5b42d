// Package sched implements the cooperative task scheduler the core
// relies on: named task classes, a scheduler-enforced rule that two
// tasks in mutually exclusive classes never run concurrently. There
// is no worker budget and no yielding: a task runs until fn returns.
//
// Four task classes are in play (spec §5): "partition.*" runs in
// parallel across route-table partitions; "membership" is a single
// instance; "send.<group>" is one instance per scheduling group and
// runs in parallel with other groups; "send-ready" is a single
// instance mutually exclusive with both "membership" and every
// "send.*" instance.
package sched

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	// ClassMembership runs C11 mutations and C10 membership edits.
	ClassMembership = "membership"
	// ClassSendReady runs transport writable callbacks.
	ClassSendReady = "send-ready"
	// sendPrefix identifies a per-scheduling-group worker class;
	// appended with the group id, e.g. "send.g3".
	sendPrefix = "send."
	// partitionPrefix identifies a per-partition producer class.
	partitionPrefix = "partition."
)

func isSend(class string) bool      { return strings.HasPrefix(class, sendPrefix) }
func isPartition(class string) bool { return strings.HasPrefix(class, partitionPrefix) }

// Scheduler runs functions submitted via Go under the exclusion rules
// above. It has no notion of OS threads: each submission is a
// goroutine. membership and send-ready tasks each wait until no send.*
// worker is running and then hold mu for their whole run, so they
// never overlap each other or any send.* worker; send.* instances run
// concurrently with each other.
type Scheduler struct {
	logger *zap.Logger

	// mu, sendCount and drainCh serialize membership and send-ready
	// against each other and against every send.* worker: mu is held
	// for the duration of a membership or send-ready task, and send.*
	// workers register in shared form by incrementing sendCount.
	mu        sync.Mutex
	sendCount int
	drainCh   chan struct{} // closed and replaced each time sendCount reaches 0

	partitionSem *semaphore.Weighted

	wg sync.WaitGroup
}

// New returns a Scheduler whose partition.* class runs at most
// maxPartitionConcurrency goroutines at once (0 means unbounded).
func New(logger *zap.Logger, maxPartitionConcurrency int64) *Scheduler {
	s := &Scheduler{logger: logger, drainCh: make(chan struct{})}
	if maxPartitionConcurrency > 0 {
		s.partitionSem = semaphore.NewWeighted(maxPartitionConcurrency)
	}
	return s
}

// Go runs fn under class, respecting the exclusion rules. It returns
// immediately; fn runs on its own goroutine.
func (s *Scheduler) Go(class string, fn func(context.Context)) {
	s.wg.Add(1)
	switch {
	case class == ClassMembership || class == ClassSendReady:
		go s.runExclusive(class, fn)
	case isSend(class):
		go s.runSend(fn)
	case isPartition(class):
		go s.runPartition(fn)
	default:
		go s.runPlain(fn)
	}
}

// recover logs a task's panic with structured context and then
// re-panics: a contract violation must still abort the process, this
// only gives the logger a chance to flush it to the teacher's zap
// sinks before that happens.
func (s *Scheduler) recover(class string) {
	if r := recover(); r != nil {
		s.logger.Error("sched: task panicked", zap.String("class", class), zap.Any("panic", r))
		panic(r)
	}
}

func (s *Scheduler) runPlain(fn func(context.Context)) {
	defer s.wg.Done()
	fn(context.Background())
}

// runExclusive waits for every send.* worker to drain, then runs fn
// while holding the lock so neither another exclusive task nor a new
// send.* worker can start in the meantime.
func (s *Scheduler) runExclusive(class string, fn func(context.Context)) {
	defer s.wg.Done()
	defer s.recover(class)
	s.mu.Lock()
	for s.sendCount > 0 {
		ch := s.drainCh
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	fn(context.Background())
}

// runSend registers as one of potentially many concurrent send.*
// workers; it blocks only behind an in-flight exclusive task.
func (s *Scheduler) runSend(fn func(context.Context)) {
	defer s.wg.Done()
	defer s.recover("send")
	s.mu.Lock()
	s.sendCount++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sendCount--
		if s.sendCount == 0 {
			close(s.drainCh)
			s.drainCh = make(chan struct{})
		}
		s.mu.Unlock()
	}()

	fn(context.Background())
}

func (s *Scheduler) runPartition(fn func(context.Context)) {
	defer s.wg.Done()
	defer s.recover("partition")
	ctx := context.Background()
	if s.partitionSem != nil {
		if err := s.partitionSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.partitionSem.Release(1)
	}
	fn(ctx)
}

// Wait blocks until every task submitted so far has returned. Tests
// use this to make assertions after a burst of Go calls settles; the
// scheduler itself never calls it.
func (s *Scheduler) Wait() { s.wg.Wait() }
