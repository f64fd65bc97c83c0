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

package source

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/director"
	"github.com/pingcap/kpnflow/kpn/lib/sink"
	"github.com/pingcap/kpnflow/kpn/model"
	"github.com/pingcap/kpnflow/kpn/workspace"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/kpnflow/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func newModel(t *testing.T, src constructor, params map[string]interface{}) (*model.Model, *sink.Recorder) {
	ctx := context.Background()
	m := model.New("source")
	rc := m.NewRunContext()
	a, err := src(rc, "src", config.NewParameters(params))
	require.NoError(t, err)
	require.NoError(t, m.AddActor(ctx, a))
	r, err := sink.New(rc, "rec", nil)
	require.NoError(t, err)
	require.NoError(t, m.AddActor(ctx, r))
	require.NoError(t, m.Connect(ctx, "src.output", "rec.input"))
	rec, _ := sink.Recorded(r)
	return m, rec
}

// constructor matches the constructors of the sources.
type constructor func(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error)

func TestSequence(t *testing.T) {
	m, rec := newModel(t, NewSequence, map[string]interface{}{
		ParamValues: []interface{}{"a", int64(2), true},
	})
	d := director.New(nil, m)
	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, []interface{}{"a", int64(2), true}, rec.Values())

	// values are read again on every run
	src, err := m.Actor(context.Background(), "src")
	require.NoError(t, err)
	src.Parameters().Set(ParamValues, []string{"x"})
	require.NoError(t, d.Run(context.Background()))
	require.Equal(t, []interface{}{"x"}, rec.Values())
}

func TestEmptySequence(t *testing.T) {
	m, rec := newModel(t, NewSequence, nil)
	require.NoError(t, director.New(nil, m).Run(context.Background()))
	require.Empty(t, rec.Values())
}

func TestRateLimitedSequence(t *testing.T) {
	m, rec := newModel(t, NewSequence, map[string]interface{}{
		ParamValues: []interface{}{1, 2, 3, 4},
		ParamRate:   50,
	})
	start := time.Now()
	require.NoError(t, director.New(nil, m).Run(context.Background()))
	require.Equal(t, []interface{}{1, 2, 3, 4}, rec.Values())
	// the first token uses the burst, the other three wait 20ms each
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	m, _ = newModel(t, NewSequence, map[string]interface{}{ParamRate: -1})
	err := director.New(nil, m).Run(context.Background())
	require.True(t, cerror.ErrInitialization.Equal(err), "%v", err)
}

func TestTicker(t *testing.T) {
	m, rec := newModel(t, NewTicker, map[string]interface{}{
		ParamSpec:  "@every 1s",
		ParamCount: 1,
	})
	start := time.Now()
	require.NoError(t, director.New(nil, m).Run(context.Background()))
	values := rec.Values()
	require.Len(t, values, 1)
	require.False(t, values[0].(time.Time).Before(start))
}

func TestTickerStop(t *testing.T) {
	m, rec := newModel(t, NewTicker, map[string]interface{}{
		ParamSpec:  "@every 1h",
		ParamCount: 0,
	})
	d := director.New(nil, m)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(context.Background())
	}()
	require.Eventually(t, func() bool {
		return d.ActiveThreads() == 2
	}, 5*time.Second, 10*time.Millisecond)
	d.Stop()
	require.NoError(t, <-errCh)
	require.Empty(t, rec.Values())
}

func TestTickerBadSpec(t *testing.T) {
	m, _ := newModel(t, NewTicker, map[string]interface{}{
		ParamSpec: "every now and then",
	})
	err := director.New(nil, m).Run(context.Background())
	require.True(t, cerror.ErrInitialization.Equal(err), "%v", err)
}

func TestTickerWithoutDirector(t *testing.T) {
	ctx := context.Background()
	a, err := NewTicker(actor.NewRunContext(workspace.New("w")), "ticker", nil)
	require.NoError(t, err)
	require.NoError(t, a.Preinitialize(ctx))
	err = a.Initialize(ctx)
	require.True(t, cerror.ErrInitialization.Equal(err), "%v", err)
	require.NoError(t, a.Wrapup(ctx))
}
