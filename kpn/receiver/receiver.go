// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package receiver

import (
	"fmt"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/kpnflow/kpn/token"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// Infinite is the capacity of an unbounded receiver.
	Infinite = -1
	// NoWarning disables the queue size warning.
	NoWarning = 0
)

// Endpoint identifies the actors on both sides of a receiver.
type Endpoint struct {
	// Reader is the name of the actor reading from the receiver.
	Reader string
	// Writer is the name of the actor writing into the receiver.
	Writer string
	// External is true if the receiver is written from outside the model.
	External bool
}

// Monitor observes threads suspending on and resuming from a receiver.
// The callbacks are invoked with the receiver lock held and must not call
// back into the receiver. The side that resumes a suspended thread reports
// the resume, so a monitor never sees a thread blocked after the condition
// it waited for has been satisfied.
type Monitor interface {
	ReadBlocked(e Endpoint)
	ReadUnblocked(e Endpoint)
	WriteBlocked(e Endpoint)
	WriteUnblocked(e Endpoint)
}

// WarningReporter receives queue size warnings.
type WarningReporter interface {
	QueueSizeWarning(receiver string, size, threshold int)
}

// Option configures a Receiver.
type Option func(r *Receiver)

// WithCapacity sets the capacity of the receiver.
func WithCapacity(capacity int) Option {
	return func(r *Receiver) {
		r.capacity = capacity
	}
}

// WithWarningSize sets the queue size at which a warning is reported.
func WithWarningSize(size int) Option {
	return func(r *Receiver) {
		r.warningSize = size
	}
}

// WithMonitor sets the blocking monitor.
func WithMonitor(m Monitor) Option {
	return func(r *Receiver) {
		r.monitor = m
	}
}

// WithWarningReporter sets the warning reporter.
func WithWarningReporter(w WarningReporter) Option {
	return func(r *Receiver) {
		r.reporter = w
	}
}

// WithEndpoint sets the endpoint of the receiver.
func WithEndpoint(e Endpoint) Option {
	return func(r *Receiver) {
		r.endpoint = e
	}
}

// WithMetrics sets the metrics the receiver reports to.
func WithMetrics(m *Metrics) Option {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// Receiver is the blocking queue behind one channel of an input port.
// Get suspends on an empty queue and Put suspends on a full one, until
// RequestFinish is called.
type Receiver struct {
	name     string
	endpoint Endpoint
	monitor  Monitor
	reporter WarningReporter
	metrics  *Metrics

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    deque.Deque

	capacity     int
	warningSize  int
	warned       bool
	finished     bool
	readBlocked  bool
	writeBlocked bool
	onChange     func()
}

// New creates a receiver. The receiver is unbounded unless WithCapacity is
// given.
func New(name string, opts ...Option) (*Receiver, error) {
	r := &Receiver{
		name:        name,
		capacity:    Infinite,
		warningSize: NoWarning,
		queue:       deque.NewDeque(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := checkCapacity(r.capacity); err != nil {
		return nil, err
	}
	if r.warningSize < 0 {
		return nil, cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("receiver %s warning size %d is negative", name, r.warningSize))
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

func checkCapacity(capacity int) error {
	if capacity == Infinite || capacity > 0 {
		return nil
	}
	return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
		fmt.Sprintf("receiver capacity %d must be positive or %d", capacity, Infinite))
}

// Name returns the name of the receiver.
func (r *Receiver) Name() string {
	return r.name
}

// Endpoint returns the endpoint of the receiver.
func (r *Receiver) Endpoint() Endpoint {
	return r.endpoint
}

// OnChange sets a callback invoked, without the receiver lock, after a token
// is put or finish is requested.
func (r *Receiver) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *Receiver) full() bool {
	return r.capacity != Infinite && r.queue.Len() >= r.capacity
}

// Put appends tok to the queue. It blocks while the queue is full and
// returns ErrReceiverTerminated once finish has been requested.
func (r *Receiver) Put(tok *token.Token) error {
	failpoint.Inject("ReceiverPutDelay", func() {
		time.Sleep(10 * time.Millisecond)
	})

	r.mu.Lock()
	for !r.finished && r.full() {
		if !r.writeBlocked {
			r.writeBlocked = true
			if r.monitor != nil {
				r.monitor.WriteBlocked(r.endpoint)
			}
		}
		r.notFull.Wait()
	}
	r.clearWriteBlocked()
	if r.finished {
		r.mu.Unlock()
		return cerror.ErrReceiverTerminated.GenWithStackByArgs(r.name)
	}

	r.queue.PushBack(tok)
	// the reader is about to resume, clear its state before releasing the
	// lock so the monitor never sees both sides blocked
	r.clearReadBlocked()
	size := r.queue.Len()
	warn := false
	if r.warningSize != NoWarning && size >= r.warningSize && !r.warned {
		r.warned = true
		warn = true
	}
	r.metrics.setQueueLength(r.name, size)
	onChange := r.onChange
	r.notEmpty.Signal()
	r.mu.Unlock()

	if warn {
		r.reportWarning(size)
	}
	if onChange != nil {
		onChange()
	}
	return nil
}

func (r *Receiver) reportWarning(size int) {
	log.Warn("receiver queue size exceeds warning size",
		zap.String("receiver", r.name),
		zap.Int("size", size),
		zap.Int("warningSize", r.warningSize))
	r.metrics.incWarning(r.name)
	if r.reporter != nil {
		r.reporter.QueueSizeWarning(r.name, size, r.warningSize)
	}
}

// Get removes and returns the head of the queue, blocking while the queue
// is empty. Queued tokens are drained after finish is requested; once the
// queue is empty and finished, Get returns false.
func (r *Receiver) Get() (*token.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.queue.Empty() && !r.finished {
		if !r.readBlocked {
			r.readBlocked = true
			if r.monitor != nil {
				r.monitor.ReadBlocked(r.endpoint)
			}
		}
		r.notEmpty.Wait()
	}
	r.clearReadBlocked()
	return r.popLocked()
}

// TryGet removes and returns the head of the queue without blocking.
func (r *Receiver) TryGet() (*token.Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked()
}

func (r *Receiver) popLocked() (*token.Token, bool) {
	if r.queue.Empty() {
		return nil, false
	}
	tok := r.queue.PopFront().(*token.Token)
	r.clearWriteBlocked()
	size := r.queue.Len()
	if r.warned && size < r.warningSize {
		r.warned = false
	}
	r.metrics.setQueueLength(r.name, size)
	r.notFull.Signal()
	return tok, true
}

func (r *Receiver) clearReadBlocked() {
	if r.readBlocked {
		r.readBlocked = false
		if r.monitor != nil {
			r.monitor.ReadUnblocked(r.endpoint)
		}
	}
}

func (r *Receiver) clearWriteBlocked() {
	if r.writeBlocked {
		r.writeBlocked = false
		if r.monitor != nil {
			r.monitor.WriteUnblocked(r.endpoint)
		}
	}
}

// HasToken returns whether a Get would return a token without blocking.
func (r *Receiver) HasToken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.queue.Empty()
}

// IsExhausted returns whether the receiver is finished and drained.
func (r *Receiver) IsExhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished && r.queue.Empty()
}

// Len returns the number of queued tokens.
func (r *Receiver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// Capacity returns the capacity of the receiver.
func (r *Receiver) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// SetCapacity changes the capacity of the receiver. A capacity below the
// current queue length is rejected.
func (r *Receiver) SetCapacity(capacity int) error {
	if err := checkCapacity(capacity); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if capacity != Infinite && capacity < r.queue.Len() {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("receiver %s capacity %d is below queue length %d",
				r.name, capacity, r.queue.Len()))
	}
	r.capacity = capacity
	r.notFull.Broadcast()
	return nil
}

// RequestFinish marks the receiver finished and wakes every thread
// suspended on it. It is idempotent.
func (r *Receiver) RequestFinish() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.clearReadBlocked()
	r.clearWriteBlocked()
	onChange := r.onChange
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
	r.mu.Unlock()

	log.Debug("receiver finish requested", zap.String("receiver", r.name))
	if onChange != nil {
		onChange()
	}
}

// IsFinished returns whether finish has been requested.
func (r *Receiver) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}
