// Package executor is the engine's single-consumer work queue. Every
// live-router action and every subscribe/unsubscribe action is placed
// on one queue (a channel holding up to 1024 pending jobs) and run
// strictly in FIFO order by a lone goroutine, so database state never
// races with in-memory fan-out.
package executor

import (
	"context"
	"log"
	"sync"

	"github.com/gofrs/uuid"
)

// Executor serializes work items onto one FIFO queue.
type Executor struct {
	logger *log.Logger

	queue chan job
	done  chan struct{}
	wg    sync.WaitGroup
}

type job struct {
	id   uuid.UUID
	run  func()
}

// New returns an Executor. Call Run to start its consumer goroutine.
func New(logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		logger: logger,
		queue:  make(chan job, 1024), // bounded: Schedule and ScheduleAndWait block while 1024 jobs are pending
		done:   make(chan struct{}),
	}
}

// Run drains the queue until ctx is canceled, then drains whatever
// remains before returning, per the executor's drain-on-shutdown
// contract.
func (e *Executor) Run(ctx context.Context) {
	e.wg.Add(1)
	defer e.wg.Done()

	for {
		select {
		case j := <-e.queue:
			e.invoke(j)
		case <-ctx.Done():
			e.drain()
			return
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case j := <-e.queue:
			e.invoke(j)
		default:
			return
		}
	}
}

func (e *Executor) invoke(j job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("executor: job %s panicked: %v", j.id, r)
		}
	}()
	j.run()
}

// Schedule enqueues work to run on the executor goroutine without
// waiting for it to run ("fire-and-forget"); it blocks only while the
// queue is full.
func (e *Executor) Schedule(work func()) {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	e.queue <- job{id: id, run: work}
}

// ScheduleAndWait enqueues work and blocks until it has run on the
// executor goroutine, returning whatever error it produced. Resolved
// via a oneshot reply channel identified by a V4 uuid for traceability
// in logs, in the shape of thrasher-corp/gocryptotrader's dispatch
// package's generated-id correlation.
func (e *Executor) ScheduleAndWait(ctx context.Context, work func() error) error {
	id, err := uuid.NewV4()
	if err != nil {
		id = uuid.Nil
	}
	reply := make(chan error, 1)

	e.queue <- job{id: id, run: func() {
		reply <- work()
	}}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until Run has returned (the queue is fully drained).
func (e *Executor) Wait() {
	e.wg.Wait()
}
