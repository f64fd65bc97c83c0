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
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/model"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/kpnflow/pkg/leakutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

// source emits 0..n-1, or forever if n is negative.
type source struct {
	actor.BaseBehavior
	out *port.Port
	n   int
	i   int
}

func (b *source) OnFire(ctx actor.Context) error {
	if err := b.out.Broadcast(ctx.Tokens().New(b.i)); err != nil {
		return err
	}
	b.i++
	return nil
}

func (b *source) OnPostFire(actor.Context) (bool, error) {
	return b.n < 0 || b.i < b.n, nil
}

// relay forwards every token of its input. It reads before writing.
type relay struct {
	actor.BaseBehavior
	in  *port.Port
	out *port.Port
}

func (b *relay) OnFire(actor.Context) error {
	tok, ok := b.in.Get(0)
	if !ok {
		return nil
	}
	return b.out.Broadcast(tok)
}

type neverBlocked struct {
	relay
}

func (neverBlocked) IsBlocked(int, int) bool {
	return false
}

type sink struct {
	actor.BaseBehavior
	in *port.Port

	mu        sync.Mutex
	values    []interface{}
	wrappedUp bool
}

func (b *sink) OnFire(actor.Context) error {
	tok, ok := b.in.Get(0)
	if !ok {
		return nil
	}
	b.mu.Lock()
	b.values = append(b.values, tok.Payload())
	b.mu.Unlock()
	return nil
}

func (b *sink) OnWrapup(actor.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wrappedUp = true
	return nil
}

func (b *sink) Values() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]interface{}(nil), b.values...)
}

func (b *sink) WrappedUp() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wrappedUp
}

type failing struct {
	actor.BaseBehavior
	in      *port.Port
	initErr error
}

func (b *failing) OnInitialize(actor.Context) error {
	return b.initErr
}

func (b *failing) OnFire(actor.Context) error {
	if _, ok := b.in.Get(0); !ok {
		return nil
	}
	return errors.New("bad token")
}

type recordingListener struct {
	mu        sync.Mutex
	errors    []string
	warnings  []string
	deadlocks []error
}

func (l *recordingListener) ErrorReported(actor string, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, actor)
}

func (l *recordingListener) QueueSizeWarning(receiver string, _, _ int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, receiver)
}

func (l *recordingListener) DeadlockDetected(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadlocks = append(l.deadlocks, err)
}

type testModel struct {
	t  *testing.T
	m  *model.Model
	rc *actor.RunContext
}

func newTestModel(t *testing.T, name string) *testModel {
	m := model.New(name)
	return &testModel{t: t, m: m, rc: m.NewRunContext()}
}

func (tm *testModel) add(name string, b actor.Behavior, opts ...actor.Option) *actor.Actor {
	a := actor.New(tm.rc, name, b, opts...)
	require.NoError(tm.t, tm.m.AddActor(context.Background(), a))
	return a
}

func (tm *testModel) input(a *actor.Actor) *port.Port {
	p, err := a.NewInputPort("input")
	require.NoError(tm.t, err)
	return p
}

func (tm *testModel) output(a *actor.Actor) *port.Port {
	p, err := a.NewOutputPort("output")
	require.NoError(tm.t, err)
	return p
}

func (tm *testModel) source(name string, n int) *source {
	b := &source{n: n}
	b.out = tm.output(tm.add(name, b))
	return b
}

func (tm *testModel) relay(name string) *relay {
	b := &relay{}
	a := tm.add(name, b)
	b.in, b.out = tm.input(a), tm.output(a)
	return b
}

func (tm *testModel) sink(name string, opts ...actor.Option) *sink {
	b := &sink{}
	b.in = tm.input(tm.add(name, b, opts...))
	return b
}

func (tm *testModel) connect(from, to string) {
	require.NoError(tm.t, tm.m.Connect(context.Background(), from, to))
}

func testConfig() *config.DirectorConfig {
	cfg := config.NewDefaultDirectorConfig()
	cfg.DeadlockCheckInterval = config.TomlDuration(20 * time.Millisecond)
	return cfg
}

func runAsync(ctx context.Context, d *Director) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()
	return errCh
}

func TestPipeline(t *testing.T) {
	tm := newTestModel(t, "pipeline")
	tm.source("src", 5)
	tm.relay("relay")
	out := tm.sink("sink")
	tm.connect("src.output", "relay.input")
	tm.connect("relay.output", "sink.input")

	d := New(testConfig(), tm.m)
	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, []interface{}{0, 1, 2, 3, 4}, out.Values())
	require.True(t, out.WrappedUp())
	require.Equal(t, 0, d.ActiveThreads())
	require.Nil(t, d.Deadlock())
}

func TestBoundedCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.ReceiverQueueCapacity = 1
	cfg.ReceiverQueueWarningSize = 1

	tm := newTestModel(t, "bounded")
	tm.source("src", 50)
	params := config.NewParameters(map[string]interface{}{
		config.ParamReceiverCapacity: 2,
	})
	out := tm.sink("sink", actor.WithParameters(params))
	tm.connect("src.output", "sink.input")

	l := &recordingListener{}
	d := New(cfg, tm.m, WithListener(l), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, d.Run(context.Background()))
	require.Len(t, out.Values(), 50)
	for i, v := range out.Values() {
		require.Equal(t, i, v)
	}

	var found bool
	for _, r := range d.Receivers() {
		if r.Name() == "sink.input#0" {
			found = true
			require.Equal(t, 2, r.Capacity())
		}
		if r.Name() == "sink.requestFinish#0" {
			t.Fatal("unconnected control port got a receiver")
		}
	}
	require.True(t, found)
	require.NotEmpty(t, l.warnings)
}

func TestDeadlock(t *testing.T) {
	tm := newTestModel(t, "cycle")
	tm.relay("a")
	tm.relay("b")
	tm.connect("a.output", "b.input")
	tm.connect("b.output", "a.input")

	l := &recordingListener{}
	d := New(testConfig(), tm.m, WithListener(l), WithRegisterer(prometheus.NewRegistry()))
	err := d.Run(context.Background())
	require.True(t, cerror.ErrDeadlock.Equal(err), "%v", err)
	require.Contains(t, err.Error(), "a(read)")
	require.Contains(t, err.Error(), "b(read)")
	require.Equal(t, 1.0, testutil.ToFloat64(d.Metrics().Deadlocks("cycle")))
	require.Len(t, l.deadlocks, 1)
	require.Equal(t, 0, d.ActiveThreads())
}

func TestDeadlockConfirmedAfterInterval(t *testing.T) {
	tm := newTestModel(t, "cycle")
	tm.relay("a")
	tm.relay("b")
	tm.connect("a.output", "b.input")
	tm.connect("b.output", "a.input")

	mock := clock.NewMock()
	d := New(testConfig(), tm.m, WithClock(mock))
	errCh := runAsync(context.Background(), d)

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		state, _ := d.quiescenceLocked()
		return state == deadlocked
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("deadlock reported before a check interval elapsed: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	var err error
	require.Eventually(t, func() bool {
		mock.Add(20 * time.Millisecond)
		select {
		case err = <-errCh:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, cerror.ErrDeadlock.Equal(err))
}

func TestBlockStateReporter(t *testing.T) {
	tm := newTestModel(t, "cycle")
	b := &neverBlocked{}
	a := tm.add("a", b)
	b.in, b.out = tm.input(a), tm.output(a)
	tm.relay("b")
	tm.connect("a.output", "b.input")
	tm.connect("b.output", "a.input")

	d := New(testConfig(), tm.m)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := d.Run(ctx)
	require.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	require.Nil(t, d.Deadlock())
}

func TestExternalInput(t *testing.T) {
	tm := newTestModel(t, "submodel")
	tm.relay("relay")
	out := tm.sink("sink")
	tm.connect("relay.output", "sink.input")
	ext, err := tm.m.ExposeInput(context.Background(), "in", "relay.input")
	require.NoError(t, err)

	d := New(testConfig(), tm.m)
	errCh := runAsync(context.Background(), d)
	require.Eventually(t, func() bool {
		return ext.Receiver() != nil
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, ext.Send(tm.rc.Tokens.New(i)))
	}
	require.Eventually(t, func() bool {
		return len(out.Values()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	// well past the deadlock check interval, still waiting for more input
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("model finished while waiting for external input: %v", err)
	default:
	}
	require.Nil(t, d.Deadlock())
	require.Equal(t, 2, d.ActiveThreads())

	ext.Close()
	require.NoError(t, <-errCh)
	require.Equal(t, []interface{}{0, 1, 2}, out.Values())
	require.True(t, cerror.ErrExternalInputClosed.Equal(ext.Send(tm.rc.Tokens.New(3))))
}

func TestExternalInputClosedBeforeRun(t *testing.T) {
	tm := newTestModel(t, "closed")
	tm.relay("relay")
	out := tm.sink("sink")
	tm.connect("relay.output", "sink.input")
	ext, err := tm.m.ExposeInput(context.Background(), "in", "relay.input")
	require.NoError(t, err)

	ext.Close()
	d := New(testConfig(), tm.m)
	errCh := runAsync(context.Background(), d)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		d.Stop()
		<-errCh
		t.Fatal("closed external input was reopened by the run")
	}
	require.Empty(t, out.Values())

	// the next run is fed again
	require.False(t, ext.IsClosed())
	require.Nil(t, ext.Receiver())
	errCh = runAsync(context.Background(), d)
	require.Eventually(t, func() bool {
		return ext.Receiver() != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ext.Send(tm.rc.Tokens.New("x")))
	ext.Close()
	require.NoError(t, <-errCh)
	require.Equal(t, []interface{}{"x"}, out.Values())
}

func TestPostfirePolicies(t *testing.T) {
	cases := []struct {
		state        PostfireState
		aware, conjn bool
	}{
		{PostfireState{ActorsContinue: true}, true, true},
		{PostfireState{ActorsContinue: false}, false, false},
		{PostfireState{HasExternalInputs: true, ActiveThreads: 2}, true, false},
		{PostfireState{HasExternalInputs: true, ActiveThreads: 2, StopRequested: true}, false, false},
		{PostfireState{HasExternalInputs: true, ActiveThreads: 0, ActorsContinue: true}, true, true},
		{PostfireState{HasExternalInputs: true, ActiveThreads: 0}, false, false},
		{PostfireState{ActiveThreads: 2, ActorsContinue: true, StopRequested: true}, false, false},
	}
	for i, c := range cases {
		require.Equal(t, c.aware, ExternalAwarePostfire(c.state), "case %d", i)
		require.Equal(t, c.conjn, ConjunctionPostfire(c.state), "case %d", i)
	}

	cfg := testConfig()
	cfg.PostfirePolicy = config.PostfireConjunction
	d := New(cfg, model.New("m"))
	require.False(t, d.policy(PostfireState{HasExternalInputs: true, ActiveThreads: 1}))
	d = New(testConfig(), model.New("m"))
	require.True(t, d.policy(PostfireState{HasExternalInputs: true, ActiveThreads: 1}))
}

func TestStop(t *testing.T) {
	tm := newTestModel(t, "endless")
	tm.source("src", -1)
	out := tm.sink("sink")
	tm.connect("src.output", "sink.input")

	cfg := testConfig()
	cfg.ReceiverQueueCapacity = 4
	d := New(cfg, tm.m)
	errCh := runAsync(context.Background(), d)
	require.Eventually(t, func() bool {
		return len(out.Values()) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	d.Stop()
	require.NoError(t, <-errCh)
	require.True(t, out.WrappedUp())
	// values arrive in order even when interrupted
	for i, v := range out.Values() {
		require.Equal(t, i, v)
	}
}

func TestContextCanceled(t *testing.T) {
	tm := newTestModel(t, "endless")
	tm.source("src", -1)
	out := tm.sink("sink")
	tm.connect("src.output", "sink.input")

	ctx, cancel := context.WithCancel(context.Background())
	d := New(testConfig(), tm.m)
	errCh := runAsync(ctx, d)
	require.Eventually(t, func() bool {
		return len(out.Values()) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	err := <-errCh
	require.Equal(t, context.Canceled, errors.Cause(err))
}

func TestTerminate(t *testing.T) {
	tm := newTestModel(t, "endless")
	tm.source("src", -1)
	out := tm.sink("sink")
	tm.connect("src.output", "sink.input")

	d := New(testConfig(), tm.m)
	errCh := runAsync(context.Background(), d)
	require.Eventually(t, func() bool {
		return len(out.Values()) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	d.Terminate()
	require.NoError(t, <-errCh)
	require.False(t, out.WrappedUp())
}

func TestReportedErrors(t *testing.T) {
	tm := newTestModel(t, "errors")
	tm.source("src", 3)
	b := &failing{}
	a := tm.add("failing", b)
	b.in = tm.input(a)
	tm.connect("src.output", "failing.input")

	l := &recordingListener{}
	d := New(testConfig(), tm.m, WithListener(l))
	require.NoError(t, d.Run(context.Background()))
	reports := d.Reports()
	require.Len(t, reports, 3)
	for _, r := range reports {
		require.Equal(t, "failing", r.Actor)
		require.True(t, cerror.ErrProcessing.Equal(r.Err))
	}
	require.Equal(t, []string{"failing", "failing", "failing"}, l.errors)
}

func TestInitializationFailure(t *testing.T) {
	tm := newTestModel(t, "init")
	tm.source("src", 3)
	b := &failing{initErr: errors.New("no resource")}
	a := tm.add("failing", b)
	b.in = tm.input(a)
	out := tm.sink("sink")
	tm.connect("src.output", "failing.input")
	tm.connect("src.output", "sink.input")

	d := New(testConfig(), tm.m)
	err := d.Run(context.Background())
	require.True(t, cerror.ErrInitialization.Equal(err), "%v", err)
	require.Contains(t, err.Error(), "no resource")
	require.Empty(t, out.Values())
	// actors initialized before the failure are still wrapped up
	require.Equal(t, actor.StateWrappedUp, a.State())
	require.Equal(t, 0, d.ActiveThreads())
}

func TestScheduler(t *testing.T) {
	ctx := context.Background()
	d := New(testConfig(), model.New("m"))
	s := d.Scheduler()
	require.NotNil(t, s)
	require.Same(t, s, d.Scheduler())

	require.NoError(t, d.Wrapup(ctx))
	d.schedMu.Lock()
	require.Nil(t, d.scheduler)
	d.schedMu.Unlock()
	// stopping once more is a no-op
	require.NoError(t, d.Wrapup(ctx))

	s2 := d.Scheduler()
	require.NotSame(t, s, s2)
	require.NoError(t, d.Wrapup(ctx))
}

// waiter fires once, waiting for its finish request, and records whether
// the scheduler of its director was still running when it wrapped up.
type waiter struct {
	actor.BaseBehavior
	d *Director

	mu               sync.Mutex
	schedulerRunning bool
}

func (b *waiter) OnInitialize(ctx actor.Context) error {
	ctx.Scheduler()
	return nil
}

func (b *waiter) OnFire(ctx actor.Context) error {
	<-ctx.Actor().Finished()
	return nil
}

func (b *waiter) OnWrapup(actor.Context) error {
	b.d.schedMu.Lock()
	running := b.d.scheduler != nil
	b.d.schedMu.Unlock()
	b.mu.Lock()
	b.schedulerRunning = running
	b.mu.Unlock()
	return nil
}

func TestWrapupStopsSchedulerFirst(t *testing.T) {
	ctx := context.Background()
	tm := newTestModel(t, "order")
	b := &waiter{}
	tm.add("waiter", b)
	d := New(testConfig(), tm.m)
	b.d = d

	require.NoError(t, d.Preinitialize(ctx))
	require.NoError(t, d.Initialize(ctx))
	fireCh := make(chan error, 1)
	go func() {
		fireCh <- d.Fire(ctx)
	}()
	require.Eventually(t, func() bool {
		return d.ActiveThreads() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Wrapup(ctx))
	require.NoError(t, <-fireCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	require.False(t, b.schedulerRunning)
}

func TestRerun(t *testing.T) {
	tm := newTestModel(t, "rerun")
	src := tm.source("src", 2)
	out := tm.sink("sink")
	tm.connect("src.output", "sink.input")

	d := New(testConfig(), tm.m)
	require.NoError(t, d.Run(context.Background()))
	src.i = 0
	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, []interface{}{0, 1, 0, 1}, out.Values())
}
