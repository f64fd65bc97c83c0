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

package actor

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/robfig/cron"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Names of the life cycle control ports every actor has.
const (
	RequestFinishPortName = "requestFinish"
	HasFiredPortName      = "hasFired"
	ErrorPortName         = "error"
)

// Director is the view an actor has of the director running it.
type Director interface {
	// ReportError reports an error that was not emitted on an error port.
	ReportError(actor string, err error)
	// Scheduler returns the scheduler owned by the director.
	Scheduler() *cron.Cron
}

// Option configures an Actor.
type Option func(a *Actor)

// WithErrorPolicy sets the error policy of the actor.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(a *Actor) {
		a.policy = p
	}
}

// WithParameters sets the parameters of the actor.
func WithParameters(params *config.Parameters) Option {
	return func(a *Actor) {
		a.params = params
	}
}

// Actor drives the life cycle of a Behavior:
//
//	Constructed -> Preinitialized -> Initialized -> (PreFiring -> Firing -> PostFiring)* -> WrappedUp
//
// Terminated is reachable from every state. The template methods recover
// panics of the behavior and hand errors to the error policy, except the
// errors terminating the process of the actor, which are always returned.
type Actor struct {
	name     string
	behavior Behavior
	policy   ErrorPolicy
	params   *config.Parameters
	rc       *RunContext
	logger   *zap.Logger

	mu        sync.RWMutex
	state     State
	ports     map[string]*port.Port
	portOrder []string
	director  Director
	validate  bool

	requestFinishPort *port.Port
	hasFiredPort      *port.Port
	errorPort         *port.Port
	listenerWg        sync.WaitGroup

	finishRequested atomic.Bool
	finishMu        sync.Mutex
	finishCh        chan struct{}
	isFiring        atomic.Bool
	wrappedUp       atomic.Bool
	lastPostfire    atomic.Bool

	iterations atomic.Int64
	fires      atomic.Int64
	notReady   atomic.Int64
	errorCount atomic.Int64
}

// New creates an actor running b.
func New(rc *RunContext, name string, b Behavior, opts ...Option) *Actor {
	a := &Actor{
		name:     name,
		behavior: b,
		policy:   &DefaultErrorPolicy{},
		rc:       rc,
		logger:   rc.Logger.With(zap.String("actor", name)),
		ports:    make(map[string]*port.Port),
		validate: true,
		finishCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.params == nil {
		a.params = config.NewParameters(nil)
	}
	a.requestFinishPort = a.addPort(port.New(name, RequestFinishPortName, port.Input, port.Multiport(), port.Control()))
	a.hasFiredPort = a.addPort(port.New(name, HasFiredPortName, port.Output, port.Multiport(), port.Control()))
	a.errorPort = a.addPort(port.New(name, ErrorPortName, port.Output, port.Multiport(), port.Control()))
	return a
}

// Name returns the name of the actor.
func (a *Actor) Name() string {
	return a.name
}

// Behavior returns the behavior of the actor.
func (a *Actor) Behavior() Behavior {
	return a.behavior
}

// Parameters returns the parameters of the actor.
func (a *Actor) Parameters() *config.Parameters {
	return a.params
}

// Logger returns the logger of the actor.
func (a *Actor) Logger() *zap.Logger {
	return a.logger
}

// RunContext returns the run context of the actor.
func (a *Actor) RunContext() *RunContext {
	return a.rc
}

// SetDirector sets the director running the actor.
func (a *Actor) SetDirector(d Director) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.director = d
}

// Director returns the director running the actor.
func (a *Actor) Director() Director {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.director
}

// SetValidation turns the post initialize validation on or off.
func (a *Actor) SetValidation(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validate = enabled
}

// SetErrorPolicy replaces the error policy of the actor.
func (a *Actor) SetErrorPolicy(p ErrorPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policy = p
}

// ErrorPolicy returns the error policy of the actor.
func (a *Actor) ErrorPolicy() ErrorPolicy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// State returns the life cycle state of the actor.
func (a *Actor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// transit moves the actor to state to if it is in one of from.
func (a *Actor) transit(op string, to State, from ...State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range from {
		if a.state == s {
			a.state = to
			return nil
		}
	}
	if a.state == StateTerminated {
		return cerror.ErrTerminateProcess.GenWithStackByArgs(a.name)
	}
	return cerror.ErrInvalidActorState.GenWithStackByArgs(a.name, op, a.state.String())
}

func (a *Actor) addPort(p *port.Port) *port.Port {
	a.ports[p.Name()] = p
	a.portOrder = append(a.portOrder, p.Name())
	return p
}

// NewInputPort creates an input port.
func (a *Actor) NewInputPort(name string, opts ...port.Option) (*port.Port, error) {
	return a.newPort(name, port.Input, opts...)
}

// NewOutputPort creates an output port.
func (a *Actor) NewOutputPort(name string, opts ...port.Option) (*port.Port, error) {
	return a.newPort(name, port.Output, opts...)
}

func (a *Actor) newPort(name string, d port.Direction, opts ...port.Option) (*port.Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.ports[name]; ok {
		return nil, cerror.ErrPortAlreadyExists.GenWithStackByArgs(a.name + "." + name)
	}
	return a.addPort(port.New(a.name, name, d, opts...)), nil
}

// RemovePort removes a data port. The receivers of the port are finished so
// no thread stays suspended on it. The caller must hold write access to the
// workspace of the model.
func (a *Actor) RemovePort(name string) error {
	a.mu.Lock()
	p, ok := a.ports[name]
	if !ok || p.IsControl() {
		a.mu.Unlock()
		return cerror.ErrPortNotFound.GenWithStackByArgs(a.name + "." + name)
	}
	delete(a.ports, name)
	for i, n := range a.portOrder {
		if n == name {
			a.portOrder = append(a.portOrder[:i], a.portOrder[i+1:]...)
			break
		}
	}
	a.mu.Unlock()

	p.MarkRemoved()
	if p.IsInput() {
		p.RequestFinish()
	} else {
		p.RequestFinishRemote()
	}
	return nil
}

// Port returns the port named name, or nil.
func (a *Actor) Port(name string) *port.Port {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ports[name]
}

// Ports returns every port of the actor in creation order.
func (a *Actor) Ports() []*port.Port {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ports := make([]*port.Port, 0, len(a.portOrder))
	for _, n := range a.portOrder {
		ports = append(ports, a.ports[n])
	}
	return ports
}

// InputPorts returns the input ports of the actor.
func (a *Actor) InputPorts() []*port.Port {
	var ports []*port.Port
	for _, p := range a.Ports() {
		if p.IsInput() {
			ports = append(ports, p)
		}
	}
	return ports
}

// OutputPorts returns the output ports of the actor.
func (a *Actor) OutputPorts() []*port.Port {
	var ports []*port.Port
	for _, p := range a.Ports() {
		if p.IsOutput() {
			ports = append(ports, p)
		}
	}
	return ports
}

// ErrorPort returns the error output port.
func (a *Actor) ErrorPort() *port.Port {
	return a.errorPort
}

// HasFiredPort returns the has-fired output port.
func (a *Actor) HasFiredPort() *port.Port {
	return a.hasFiredPort
}

// RequestFinishPort returns the request-finish input port.
func (a *Actor) RequestFinishPort() *port.Port {
	return a.requestFinishPort
}

// ReportError reports err to the director, or logs it without a director.
func (a *Actor) ReportError(err error) {
	if d := a.Director(); d != nil {
		d.ReportError(a.name, err)
		return
	}
	a.logger.Error("actor error not handled", zap.Error(err))
}

// IsFinishRequested returns whether finish has been requested.
func (a *Actor) IsFinishRequested() bool {
	return a.finishRequested.Load()
}

// IsFiring returns whether the actor is inside Fire.
func (a *Actor) IsFiring() bool {
	return a.isFiring.Load()
}

// LastPostfire returns the result of the last Postfire.
func (a *Actor) LastPostfire() bool {
	return a.lastPostfire.Load()
}

// RequestFinish asks the actor to stop iterating. It wakes the threads
// suspended on the receivers of the actor and on the downstream receivers it
// writes to. It is idempotent and may be called from any goroutine.
func (a *Actor) RequestFinish() {
	if !a.markFinished() {
		return
	}
	a.logger.Debug("actor finish requested")
	a.finishPorts()
}

// Finished returns a channel closed once finish has been requested in the
// current run. Behaviors waiting on anything else than a receiver select on
// it to be woken.
func (a *Actor) Finished() <-chan struct{} {
	a.finishMu.Lock()
	defer a.finishMu.Unlock()
	return a.finishCh
}

func (a *Actor) markFinished() bool {
	a.finishMu.Lock()
	defer a.finishMu.Unlock()
	if a.finishRequested.Swap(true) {
		return false
	}
	close(a.finishCh)
	return true
}

func (a *Actor) resetFinished() {
	a.finishMu.Lock()
	defer a.finishMu.Unlock()
	if a.finishRequested.Swap(false) {
		a.finishCh = make(chan struct{})
	}
}

func (a *Actor) finishPorts() {
	for _, p := range a.Ports() {
		if p.IsInput() {
			p.RequestFinish()
		} else {
			p.RequestFinishRemote()
		}
	}
}

// Statistics returns a snapshot of the counters of the current run.
func (a *Actor) Statistics() Statistics {
	return Statistics{
		Iterations: a.iterations.Load(),
		Fires:      a.fires.Load(),
		NotReady:   a.notReady.Load(),
		Errors:     a.errorCount.Load(),
	}
}

// call runs fn converting a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Trace(errors.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

func (a *Actor) onError(phase Phase) {
	a.errorCount.Inc()
	a.rc.Metrics.incError(a.name, phase)
}

// Preinitialize prepares the actor for a run. Errors are always fatal.
func (a *Actor) Preinitialize(ctx context.Context) error {
	if err := a.transit("preinitialize", StatePreinitialized,
		StateConstructed, StateWrappedUp, StateTerminated); err != nil {
		return err
	}
	a.resetFinished()
	a.wrappedUp.Store(false)
	a.lastPostfire.Store(true)

	actx := newContext(ctx, a)
	err := call(func() error { return a.behavior.OnPreinitialize(actx) })
	if err != nil {
		a.onError(PhasePreinitialize)
		return a.fatalInitialization(actx, err)
	}
	return nil
}

func (a *Actor) fatalInitialization(actx Context, err error) error {
	if herr := a.ErrorPolicy().HandleInitializationError(actx, err); herr != nil {
		return herr
	}
	return cerror.ErrInitialization.GenWithStackByArgs(a.name, err.Error())
}

// Initialize resets the counters of the actor, starts listening on the
// request-finish port, initializes the behavior and runs the validation.
// Errors are always fatal.
func (a *Actor) Initialize(ctx context.Context) error {
	if err := a.transit("initialize", StateInitialized, StatePreinitialized); err != nil {
		return err
	}
	a.iterations.Store(0)
	a.fires.Store(0)
	a.notReady.Store(0)
	a.errorCount.Store(0)

	if a.requestFinishPort.IsConnected() {
		a.listenerWg.Add(1)
		go a.listenRequestFinish()
	}

	actx := newContext(ctx, a)
	err := call(func() error { return a.behavior.OnInitialize(actx) })
	if err != nil {
		a.onError(PhaseInitialize)
		return a.fatalInitialization(actx, err)
	}

	a.mu.RLock()
	validate := a.validate
	a.mu.RUnlock()
	if v, ok := a.behavior.(Validator); ok && validate {
		err := call(func() error { return v.Validate(actx) })
		if err != nil {
			a.onError(PhaseValidate)
			if herr := a.ErrorPolicy().HandleValidationError(actx, err); herr != nil {
				return herr
			}
		}
	}
	a.logger.Debug("actor initialized")
	return nil
}

func (a *Actor) listenRequestFinish() {
	defer a.listenerWg.Done()
	if _, _, ok := a.requestFinishPort.GetAny(); ok {
		a.logger.Info("finish requested through control port")
		a.RequestFinish()
	}
}

// Prefire returns whether the actor is ready to fire. It returns false
// without calling the behavior once finish has been requested.
func (a *Actor) Prefire(ctx context.Context) (bool, error) {
	if a.finishRequested.Load() {
		return false, nil
	}
	if err := a.transit("prefire", StatePreFiring,
		StateInitialized, StatePreFiring, StateFiring, StatePostFiring); err != nil {
		return false, err
	}

	actx := newContext(ctx, a)
	var ready bool
	err := call(func() error {
		var err error
		ready, err = a.behavior.OnPreFire(actx)
		return err
	})
	if err != nil {
		if cerror.IsTerminateProcess(err) {
			return false, err
		}
		a.onError(PhasePreFire)
		if herr := a.ErrorPolicy().HandlePreFireError(actx, err); herr != nil {
			return false, herr
		}
		ready = false
	}
	if !ready {
		a.notReady.Inc()
	}
	return ready, nil
}

// Fire runs one processing step of the behavior and signals it on the
// has-fired port. It does nothing once finish has been requested.
func (a *Actor) Fire(ctx context.Context) error {
	if a.finishRequested.Load() {
		return nil
	}
	if err := a.transit("fire", StateFiring, StatePreFiring); err != nil {
		return err
	}

	actx := newContext(ctx, a)
	a.isFiring.Store(true)
	start := a.rc.Clock.Now()
	err := call(func() error { return a.behavior.OnFire(actx) })
	a.rc.Metrics.observeFire(a.name, a.rc.Clock.Since(start))
	a.isFiring.Store(false)

	if err != nil {
		if cerror.IsTerminateProcess(err) {
			return err
		}
		a.onError(PhaseFire)
		return a.ErrorPolicy().HandleFireError(actx, err)
	}
	a.fires.Inc()
	if a.hasFiredPort.IsConnected() {
		if err := a.hasFiredPort.Broadcast(a.rc.Tokens.New(true)); err != nil {
			a.logger.Debug("has-fired signal dropped", zap.Error(err))
		}
	}
	return nil
}

// Postfire returns whether the actor keeps iterating. It is always false
// once finish has been requested.
func (a *Actor) Postfire(ctx context.Context) (bool, error) {
	if a.finishRequested.Load() {
		a.lastPostfire.Store(false)
		return false, nil
	}
	if err := a.transit("postfire", StatePostFiring, StateFiring, StatePreFiring); err != nil {
		return false, err
	}

	actx := newContext(ctx, a)
	var cont bool
	err := call(func() error {
		var err error
		cont, err = a.behavior.OnPostFire(actx)
		return err
	})
	if err != nil {
		if cerror.IsTerminateProcess(err) {
			a.lastPostfire.Store(false)
			return false, err
		}
		a.onError(PhasePostFire)
		if herr := a.ErrorPolicy().HandlePostFireError(actx, err); herr != nil {
			a.lastPostfire.Store(false)
			return false, herr
		}
		cont = true
	}
	cont = cont && !a.finishRequested.Load()
	a.lastPostfire.Store(cont)
	return cont, nil
}

// Iterate runs one prefire, fire, postfire cycle. Once the critical inputs
// of the actor are exhausted, finish is requested before postfire.
func (a *Actor) Iterate(ctx context.Context) (bool, error) {
	ready, err := a.Prefire(ctx)
	if err != nil {
		return false, err
	}
	if ready {
		if err := a.Fire(ctx); err != nil {
			return false, err
		}
	}
	a.iterations.Inc()
	a.rc.Metrics.incIteration(a.name)
	if a.criticalInputsFinished(ctx) {
		a.RequestFinish()
	}
	return a.Postfire(ctx)
}

func (a *Actor) criticalInputsFinished(ctx context.Context) bool {
	if c, ok := a.behavior.(CriticalInputs); ok {
		return c.AreAllCriticalInputsFinished(newContext(ctx, a))
	}
	connected := 0
	for _, p := range a.InputPorts() {
		if p.IsControl() || !p.IsConnected() {
			continue
		}
		connected++
		if !p.AllExhausted() {
			return false
		}
	}
	return connected > 0
}

// Wrapup runs the wrapup of the behavior once per run and notifies every
// downstream receiver that the actor is finished. The behavior is skipped if
// the actor has been terminated.
func (a *Actor) Wrapup(ctx context.Context) error {
	if a.wrappedUp.Swap(true) {
		return nil
	}
	a.mu.Lock()
	state := a.state
	if state == StateConstructed {
		a.mu.Unlock()
		a.wrappedUp.Store(false)
		return cerror.ErrInvalidActorState.GenWithStackByArgs(a.name, "wrapup", state.String())
	}
	if state != StateTerminated {
		a.state = StateWrappedUp
	}
	a.mu.Unlock()

	var err error
	if state != StateTerminated {
		actx := newContext(ctx, a)
		werr := call(func() error { return a.behavior.OnWrapup(actx) })
		if werr != nil {
			a.onError(PhaseWrapup)
			err = a.ErrorPolicy().HandleWrapupError(actx, werr)
		}
	}

	a.markFinished()
	a.finishPorts()
	a.listenerWg.Wait()
	a.logger.Debug("actor wrapped up", zap.Error(err))
	return err
}

// Terminate stops the actor abruptly. Its wrapup callback will not run, but
// finish is still propagated to every receiver of the actor.
func (a *Actor) Terminate() {
	a.setState(StateTerminated)
	a.logger.Info("actor terminated")
	a.RequestFinish()
}

// TerminateAll marks every actor of actors terminated before finishing any
// of them.
func TerminateAll(actors []*Actor) {
	for _, a := range actors {
		a.setState(StateTerminated)
	}
	for _, a := range actors {
		a.logger.Info("actor terminated")
		a.RequestFinish()
	}
}
