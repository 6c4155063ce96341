package jobs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/deploymenttheory/go-vdisk/internal/blockerr"
)

// ErrorAction decides how a job reacts to an I/O error on one side.
type ErrorAction int

const (
	// ErrorReport fails the job.
	ErrorReport ErrorAction = iota

	// ErrorIgnore re-queues the failed region and carries on.
	ErrorIgnore

	// ErrorStop pauses the job so the operator can resolve the condition
	// and resume.
	ErrorStop
)

// ParseErrorAction maps the command-line spelling to an action.
func ParseErrorAction(s string) (ErrorAction, error) {
	switch s {
	case "", "report":
		return ErrorReport, nil
	case "ignore":
		return ErrorIgnore, nil
	case "stop":
		return ErrorStop, nil
	default:
		return ErrorReport, blockerr.E(blockerr.KindConfig, "unknown error action %q", s)
	}
}

// Status is a point-in-time snapshot of job progress.
type Status struct {
	ID        string
	Kind      string
	Offset    int64 // bytes copied so far
	Length    int64 // total bytes of work known
	Ready     bool
	Paused    bool
	Cancelled bool
	Err       error
}

// Job carries the state shared by every background operation: identity,
// throttling, pause/cancel plumbing and the ready handshake.
type Job struct {
	id   string
	kind string

	mu        sync.Mutex
	cond      *sync.Cond
	offset    int64
	length    int64
	ready     bool
	paused    bool
	cancelled bool
	completeRequested bool
	err       error
	finished  bool

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// onReady, when set, fires once when the job first reaches a synced
	// state.
	onReady func()
}

func newJob(kind string, onReady func()) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		id:      uuid.NewString(),
		kind:    kind,
		limiter: rate.NewLimiter(rate.Inf, 0),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		onReady: onReady,
	}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// ID returns the job's unique identifier.
func (j *Job) ID() string { return j.id }

// Kind returns the job type name.
func (j *Job) Kind() string { return j.kind }

// SetSpeed throttles the job to bytesPerSec; zero removes the limit.
func (j *Job) SetSpeed(bytesPerSec int64) error {
	if bytesPerSec < 0 {
		return blockerr.E(blockerr.KindConfig, "speed must not be negative")
	}
	if bytesPerSec == 0 {
		j.limiter.SetLimit(rate.Inf)
		j.limiter.SetBurst(0)
		return nil
	}
	j.limiter.SetLimit(rate.Limit(bytesPerSec))
	burst := int(bytesPerSec)
	if burst < 1 {
		burst = 1
	}
	j.limiter.SetBurst(burst)
	return nil
}

// throttle accounts n copied bytes against the speed limit, sleeping as
// needed. Cancellation interrupts the sleep.
func (j *Job) throttle(n int64) error {
	if j.limiter.Limit() == rate.Inf {
		return nil
	}
	for n > 0 {
		step := n
		if burst := int64(j.limiter.Burst()); step > burst {
			step = burst
		}
		if err := j.limiter.WaitN(j.ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Pause suspends the job at its next pause point.
func (j *Job) Pause() {
	j.mu.Lock()
	j.paused = true
	j.mu.Unlock()
}

// Resume lifts a pause.
func (j *Job) Resume() {
	j.mu.Lock()
	j.paused = false
	j.cond.Broadcast()
	j.mu.Unlock()
}

// pausePoint blocks while the job is paused; it returns the cancellation
// error when the job was cancelled.
func (j *Job) pausePoint() error {
	j.mu.Lock()
	for j.paused && !j.cancelled {
		j.cond.Wait()
	}
	cancelled := j.cancelled
	j.mu.Unlock()
	if cancelled {
		return context.Canceled
	}
	return j.ctx.Err()
}

// Cancel requests the job stop. A ready mirror job cancelled at this point
// still ends with a consistent target.
func (j *Job) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.cond.Broadcast()
	j.mu.Unlock()
	j.cancel()
}

// Complete asks a ready job to finish and perform its completion actions.
// Jobs that have not reached the ready state reject the request.
func (j *Job) Complete() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.ready {
		return blockerr.E(blockerr.KindInvalidState, "job %s is not ready yet", j.id)
	}
	j.completeRequested = true
	j.cond.Broadcast()
	return nil
}

// markReady flips the job into the synced state exactly once.
func (j *Job) markReady() {
	j.mu.Lock()
	first := !j.ready
	j.ready = true
	j.cond.Broadcast()
	j.mu.Unlock()
	if first {
		logrus.WithFields(logrus.Fields{"job": j.id, "kind": j.kind}).Info("job ready")
		if j.onReady != nil {
			j.onReady()
		}
	}
}

// WaitReady blocks until the job reaches the synced state or finishes
// early; it reports whether the job became ready.
func (j *Job) WaitReady() bool {
	j.mu.Lock()
	for !j.ready && !j.finished && !j.cancelled {
		j.cond.Wait()
	}
	ready := j.ready
	j.mu.Unlock()
	return ready
}

func (j *Job) shouldComplete() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completeRequested || j.cancelled
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// progress moves the offset counter.
func (j *Job) progress(n int64) {
	j.mu.Lock()
	j.offset += n
	j.mu.Unlock()
}

func (j *Job) setLength(n int64) {
	j.mu.Lock()
	j.length = n
	j.mu.Unlock()
}

// finish records the terminal error and releases waiters.
func (j *Job) finish(err error) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true
	j.err = err
	j.cond.Broadcast()
	j.mu.Unlock()
	j.cancel()
	close(j.done)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"job": j.id, "kind": j.kind}).Error("job failed")
	} else {
		logrus.WithFields(logrus.Fields{"job": j.id, "kind": j.kind}).Info("job finished")
	}
}

// Wait blocks until the job finishes and returns its terminal error.
func (j *Job) Wait() error {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done exposes the completion channel for select loops.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns a progress snapshot.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Status{
		ID:        j.id,
		Kind:      j.kind,
		Offset:    j.offset,
		Length:    j.length,
		Ready:     j.ready,
		Paused:    j.paused,
		Cancelled: j.cancelled,
		Err:       j.err,
	}
}
