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

package director

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/model"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/kpn/receiver"
	"github.com/pingcap/kpnflow/kpn/workspace"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/kpnflow/pkg/logutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultDeadlockCheckInterval = 100 * time.Millisecond

// Listener is notified of the events of a run. Methods are called from
// actor threads and must not block.
type Listener interface {
	// ErrorReported is called for every recoverable error an actor reports
	// to the director.
	ErrorReported(actor string, err error)
	// QueueSizeWarning is called when a receiver crosses its warning size.
	QueueSizeWarning(receiver string, size, threshold int)
	// DeadlockDetected is called once per detected deadlock.
	DeadlockDetected(err error)
}

// Report is an error reported to the director.
type Report struct {
	Actor string
	Err   error
}

// Option configures a Director.
type Option func(d *Director)

// WithListener sets the listener of the director.
func WithListener(l Listener) Option {
	return func(d *Director) {
		d.listener = l
	}
}

// WithClock sets the clock driving the deadlock checks.
func WithClock(c clock.Clock) Option {
	return func(d *Director) {
		d.clock = c
	}
}

// WithRegisterer registers the metrics of the director, its receivers and
// the actors it runs to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Director) {
		d.metrics = NewMetrics(reg)
		d.receiverMetrics = receiver.NewMetrics(reg)
		d.actorMetrics = actor.NewMetrics(reg)
	}
}

// WithPostfirePolicy overrides the postfire policy named in the config.
func WithPostfirePolicy(p PostfirePolicy) Option {
	return func(d *Director) {
		d.policy = p
	}
}

// Director runs every actor of a model in its own thread. Actors
// communicate through bounded blocking receivers; the director detects when
// the model is done, waiting for external input, or deadlocked.
type Director struct {
	cfg      *config.DirectorConfig
	model    *model.Model
	listener Listener
	clock    clock.Clock
	policy   PostfirePolicy
	logger   *zap.Logger

	metrics         *Metrics
	receiverMetrics *receiver.Metrics
	actorMetrics    *actor.Metrics

	mu               sync.Mutex
	actors           []*actor.Actor
	externals        []*model.ExternalInput
	receivers        []*receiver.Receiver
	threads          map[string]*thread
	reports          []Report
	changes          int64
	lastExternalWait int64
	started          bool
	deadlock         error

	changeCh      chan struct{}
	stopRequested atomic.Bool
	activeThreads atomic.Int64
	wg            sync.WaitGroup

	schedMu   sync.Mutex
	scheduler *cron.Cron
}

var _ actor.Director = (*Director)(nil)

// New creates a director for m. A nil cfg uses the default config.
func New(cfg *config.DirectorConfig, m *model.Model, opts ...Option) *Director {
	if cfg == nil {
		cfg = config.NewDefaultDirectorConfig()
	}
	d := &Director{
		cfg:              cfg,
		model:            m,
		clock:            clock.New(),
		policy:           policyByName(cfg.PostfirePolicy),
		logger:           logutil.Named(nil, "director").With(zap.String("model", m.Name())),
		threads:          make(map[string]*thread),
		lastExternalWait: -1,
		changeCh:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Model returns the model run by the director.
func (d *Director) Model() *model.Model {
	return d.model
}

// Metrics returns the metrics of the director, or nil if no registerer is
// set.
func (d *Director) Metrics() *Metrics {
	return d.metrics
}

// ReceiverMetrics returns the metrics of the receivers created by the
// director, or nil.
func (d *Director) ReceiverMetrics() *receiver.Metrics {
	return d.receiverMetrics
}

func (d *Director) notify() {
	select {
	case d.changeCh <- struct{}{}:
	default:
	}
}

func (d *Director) ctx(ctx context.Context) context.Context {
	return workspace.WithAccessor(ctx, "director/"+d.model.Name())
}

// ReportError implements actor.Director.
func (d *Director) ReportError(actorName string, err error) {
	d.mu.Lock()
	d.reports = append(d.reports, Report{Actor: actorName, Err: err})
	d.mu.Unlock()
	d.logger.Warn("actor reported an error",
		zap.String("actor", actorName), zap.Error(err))
	if d.listener != nil {
		d.listener.ErrorReported(actorName, err)
	}
}

// Reports returns the errors reported during the current run.
func (d *Director) Reports() []Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Report(nil), d.reports...)
}

// QueueSizeWarning implements receiver.WarningReporter.
func (d *Director) QueueSizeWarning(name string, size, threshold int) {
	if d.listener != nil {
		d.listener.QueueSizeWarning(name, size, threshold)
	}
}

// Scheduler implements actor.Director. The scheduler is created and started
// on first use and stopped at wrapup.
func (d *Director) Scheduler() *cron.Cron {
	d.schedMu.Lock()
	defer d.schedMu.Unlock()
	if d.scheduler == nil {
		d.scheduler = cron.New()
		d.scheduler.Start()
		d.logger.Info("scheduler started")
	}
	return d.scheduler
}

func (d *Director) stopScheduler() {
	d.schedMu.Lock()
	defer d.schedMu.Unlock()
	if d.scheduler != nil {
		d.scheduler.Stop()
		d.scheduler = nil
		d.logger.Info("scheduler stopped")
	}
}

// NewReceiver creates the receiver of channel ch of the input port p of a.
// The capacity and the warning size come from the config unless the actor
// overrides them with its parameters. Control ports always get unbounded
// receivers that are not monitored.
func (d *Director) NewReceiver(a *actor.Actor, p *port.Port, ch int, e receiver.Endpoint) (*receiver.Receiver, error) {
	name := fmt.Sprintf("%s#%d", p.FullName(), ch)
	opts := []receiver.Option{
		receiver.WithEndpoint(e),
		receiver.WithMetrics(d.receiverMetrics),
	}
	if p.IsControl() {
		opts = append(opts, receiver.WithCapacity(receiver.Infinite))
	} else {
		capacity, err := a.Parameters().Int(config.ParamReceiverCapacity, d.cfg.ReceiverQueueCapacity)
		if err != nil {
			return nil, err
		}
		warningSize, err := a.Parameters().Int(config.ParamReceiverWarningSize, d.cfg.ReceiverQueueWarningSize)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			receiver.WithCapacity(capacity),
			receiver.WithWarningSize(warningSize),
			receiver.WithMonitor(blockMonitor{d: d}),
			receiver.WithWarningReporter(d))
	}
	r, err := receiver.New(name, opts...)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.receivers = append(d.receivers, r)
	d.mu.Unlock()
	return r, nil
}

// Receivers returns every receiver created by the director for the current
// run.
func (d *Director) Receivers() []*receiver.Receiver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*receiver.Receiver(nil), d.receivers...)
}

// Preinitialize attaches every actor of the model to the director and
// preinitializes it. The first error aborts the launch.
func (d *Director) Preinitialize(ctx context.Context) error {
	ctx = d.ctx(ctx)
	actors, err := d.model.Actors(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	externals, err := d.model.Externals(ctx)
	if err != nil {
		return errors.Trace(err)
	}

	d.mu.Lock()
	d.actors = actors
	d.externals = externals
	d.receivers = nil
	d.reports = nil
	d.threads = make(map[string]*thread, len(actors))
	d.changes = 0
	d.lastExternalWait = -1
	d.started = false
	d.deadlock = nil
	d.mu.Unlock()
	d.stopRequested.Store(false)
	d.activeThreads.Store(0)

	for _, a := range actors {
		a.SetDirector(d)
		a.SetValidation(d.cfg.EnableValidation)
		if p, ok := a.ErrorPolicy().(*actor.DefaultErrorPolicy); ok {
			p.ValidationFatal = d.cfg.ValidationErrorsFatal
		}
		if rc := a.RunContext(); rc.Metrics == nil {
			rc.Metrics = d.actorMetrics
		}
		if err := a.Preinitialize(ctx); err != nil {
			d.logger.Error("actor failed to preinitialize",
				zap.String("actor", a.Name()), zap.Error(err))
			return err
		}
	}
	d.logger.Info("model preinitialized", zap.Int("actors", len(actors)))
	return nil
}

// Initialize creates a receiver for every relation and external input of
// the model, then initializes every actor. The first error aborts the
// launch.
func (d *Director) Initialize(ctx context.Context) error {
	ctx = d.ctx(ctx)
	if err := d.model.Workspace().ReadAccess(ctx, func() error {
		return d.wireLocked(ctx)
	}); err != nil {
		return errors.Trace(err)
	}

	d.mu.Lock()
	actors := d.actors
	for _, a := range actors {
		d.threads[a.Name()] = &thread{actor: a}
	}
	d.mu.Unlock()

	for _, a := range actors {
		if err := a.Initialize(ctx); err != nil {
			d.logger.Error("actor failed to initialize",
				zap.String("actor", a.Name()), zap.Error(err))
			return err
		}
	}
	d.logger.Info("model initialized", zap.Int("receivers", len(d.Receivers())))
	return nil
}

// wireLocked must be called with read access to the workspace.
func (d *Director) wireLocked(ctx context.Context) error {
	relations, err := d.model.Relations(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	actors, externals := d.actors, d.externals
	d.mu.Unlock()

	monitor := blockMonitor{d: d}
	remotes := make(map[*port.Port][]*receiver.Receiver)
	for _, a := range actors {
		for _, p := range a.InputPorts() {
			var rs []*receiver.Receiver
			for _, rel := range relations {
				if rel.To != p {
					continue
				}
				r, err := d.NewReceiver(a, p, len(rs), receiver.Endpoint{
					Reader: a.Name(),
					Writer: rel.From.Owner(),
				})
				if err != nil {
					return err
				}
				rs = append(rs, r)
				remotes[rel.From] = append(remotes[rel.From], r)
			}
			for _, ext := range externals {
				if ext.Port() != p {
					continue
				}
				r, err := d.NewReceiver(a, p, len(rs), receiver.Endpoint{
					Reader:   a.Name(),
					External: true,
				})
				if err != nil {
					return err
				}
				rs = append(rs, r)
				ext.Bind(r)
			}
			if err := p.SetReceivers(rs); err != nil {
				return err
			}
			if !p.IsControl() {
				p.SetMonitor(monitor)
			}
		}
	}
	for _, a := range actors {
		for _, p := range a.OutputPorts() {
			if err := p.SetRemotes(remotes[p]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Director) startThreads(ctx context.Context) {
	d.mu.Lock()
	actors := d.actors
	d.mu.Unlock()
	for _, a := range actors {
		d.activeThreads.Inc()
		d.wg.Add(1)
		go d.runThread(ctx, a)
	}
	d.metrics.setActiveThreads(d.model.Name(), d.activeThreads.Load())
	d.logger.Info("actor threads started", zap.Int("threads", len(actors)))
}

// runThread iterates a until it no longer continues, then wraps it up so
// its downstream actors see the end of its data.
func (d *Director) runThread(ctx context.Context, a *actor.Actor) {
	defer d.wg.Done()
	ctx = workspace.WithAccessor(ctx, a.Name())
	logger := d.logger.With(zap.String("actor", a.Name()))

	failpoint.Inject("DirectorThreadStartDelay", func() {
		time.Sleep(10 * time.Millisecond)
	})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic: %v", r)
			}
		}()
		for {
			cont, err := a.Iterate(ctx)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	}()
	if cerror.IsTerminateProcess(err) {
		logger.Info("actor process terminated", zap.Error(err))
		err = nil
	} else if err != nil {
		logger.Error("actor thread aborted", logutil.ZapErrorFilter(err, context.Canceled))
	}
	if werr := a.Wrapup(ctx); werr != nil {
		logger.Error("actor failed to wrap up", zap.Error(werr))
		err = multierr.Append(err, werr)
	}

	d.mu.Lock()
	if t, ok := d.threads[a.Name()]; ok {
		t.done = true
		t.err = err
		t.readBlocked, t.writeBlocked, t.external = 0, 0, 0
	}
	d.changes++
	d.mu.Unlock()
	d.metrics.setActiveThreads(d.model.Name(), d.activeThreads.Dec())
	d.notify()
	logger.Debug("actor thread exited")
}

// ActiveThreads returns the number of actor threads still running.
func (d *Director) ActiveThreads() int {
	return int(d.activeThreads.Load())
}

// Fire starts the actor threads on its first call, then blocks until every
// thread is done, every active thread waits for external input, or a
// deadlock is detected. A deadlock finishes every actor and returns
// ErrDeadlock. A model still waiting for external input is only reported
// again after its state has changed.
func (d *Director) Fire(ctx context.Context) error {
	d.mu.Lock()
	start := !d.started
	d.started = true
	d.mu.Unlock()
	if start {
		d.startThreads(ctx)
	}

	interval := time.Duration(d.cfg.DeadlockCheckInterval)
	if interval <= 0 {
		interval = defaultDeadlockCheckInterval
	}
	ticker := d.clock.Ticker(interval)
	defer ticker.Stop()

	done := ctx.Done()
	canceled := false
	suspected := int64(-1)
	for {
		d.mu.Lock()
		state, desc := d.quiescenceLocked()
		changes := d.changes
		switch state {
		case waitingExternal:
			if changes != d.lastExternalWait {
				d.lastExternalWait = changes
				d.mu.Unlock()
				d.logger.Debug("model is waiting for external input")
				return nil
			}
		case deadlocked:
			// confirmed only if nothing changed during a whole check interval
			if suspected == changes {
				d.mu.Unlock()
				return d.onDeadlock(desc)
			}
			suspected = changes
		default:
			suspected = -1
		}
		d.mu.Unlock()

		if state == allDone {
			if canceled {
				return errors.Trace(ctx.Err())
			}
			return nil
		}

		select {
		case <-done:
			d.logger.Info("context canceled, stopping the model")
			d.Stop()
			done, canceled = nil, true
		case <-d.changeCh:
		case <-ticker.C:
		}
	}
}

func (d *Director) onDeadlock(desc string) error {
	err := cerror.ErrDeadlock.GenWithStackByArgs(d.model.Name(), desc)
	d.mu.Lock()
	d.deadlock = err
	actors := d.actors
	d.mu.Unlock()

	d.logger.Error("deadlock detected", zap.String("blocked", desc))
	d.metrics.incDeadlock(d.model.Name())
	if d.listener != nil {
		d.listener.DeadlockDetected(err)
	}
	for _, a := range actors {
		a.RequestFinish()
	}
	return err
}

// Postfire returns whether the model continues, as decided by the postfire
// policy. It never continues after a deadlock.
func (d *Director) Postfire(context.Context) (bool, error) {
	d.mu.Lock()
	if d.deadlock != nil {
		d.mu.Unlock()
		return false, nil
	}
	s := PostfireState{
		HasExternalInputs: len(d.externals) > 0,
		ActiveThreads:     int(d.activeThreads.Load()),
		StopRequested:     d.stopRequested.Load(),
		ActorsContinue:    true,
	}
	for _, a := range d.actors {
		t := d.threads[a.Name()]
		if t == nil || t.done || !a.LastPostfire() {
			s.ActorsContinue = false
		}
	}
	d.mu.Unlock()
	return d.policy(s), nil
}

// Wrapup stops the scheduler, then finishes every actor and waits for their
// threads. Actors whose thread never started are wrapped up directly. The
// external inputs are reopened for the next run. It returns the errors of
// every thread.
func (d *Director) Wrapup(ctx context.Context) error {
	ctx = d.ctx(ctx)
	d.mu.Lock()
	actors, externals := d.actors, d.externals
	started := d.started
	d.mu.Unlock()

	d.stopScheduler()
	for _, a := range actors {
		a.RequestFinish()
	}
	d.wg.Wait()
	for _, ext := range externals {
		ext.Reopen()
	}

	var err error
	if !started {
		for _, a := range actors {
			if a.State() == actor.StateConstructed {
				continue
			}
			err = multierr.Append(err, a.Wrapup(ctx))
		}
	}
	d.mu.Lock()
	for _, a := range actors {
		if t := d.threads[a.Name()]; t != nil {
			err = multierr.Append(err, t.err)
		}
	}
	d.started = false
	d.mu.Unlock()
	d.logger.Info("model wrapped up", zap.Error(err))
	return err
}

// Run runs the model to completion: preinitialize, initialize, fire and
// postfire until postfire returns false, then wrapup.
func (d *Director) Run(ctx context.Context) error {
	var err error
	if err = d.Preinitialize(ctx); err == nil {
		if err = d.Initialize(ctx); err == nil {
			err = d.loop(ctx)
		}
	}
	return multierr.Append(err, d.Wrapup(ctx))
}

func (d *Director) loop(ctx context.Context) error {
	for {
		if err := d.Fire(ctx); err != nil {
			return err
		}
		cont, err := d.Postfire(ctx)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// Stop requests the model to finish. Actor threads drain their queued
// tokens and exit.
func (d *Director) Stop() {
	if d.stopRequested.Swap(true) {
		return
	}
	d.mu.Lock()
	actors := d.actors
	d.mu.Unlock()
	d.logger.Info("stop requested")
	for _, a := range actors {
		a.RequestFinish()
	}
	d.notify()
}

// Terminate stops the model abruptly. The wrapup callbacks of the actors do
// not run.
func (d *Director) Terminate() {
	d.stopRequested.Store(true)
	d.mu.Lock()
	actors := d.actors
	d.mu.Unlock()
	d.logger.Info("terminate requested")
	actor.TerminateAll(actors)
	d.notify()
}

// Deadlock returns the deadlock detected in the current run, or nil.
func (d *Director) Deadlock() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadlock
}
