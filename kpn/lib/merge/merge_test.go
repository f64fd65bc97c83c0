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

package merge

import (
	"context"
	"fmt"
	"testing"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/director"
	"github.com/pingcap/kpnflow/kpn/lib/sink"
	"github.com/pingcap/kpnflow/kpn/lib/source"
	"github.com/pingcap/kpnflow/kpn/model"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/kpn/receiver"
	"github.com/pingcap/kpnflow/kpn/workspace"
	"github.com/pingcap/kpnflow/pkg/config"
	"github.com/pingcap/kpnflow/pkg/leakutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func connect(t *testing.T, p *port.Port, n int) []*receiver.Receiver {
	var rs []*receiver.Receiver
	for i := 0; i < n; i++ {
		r, err := receiver.New(fmt.Sprintf("%s#%d", p.FullName(), i))
		require.NoError(t, err)
		rs = append(rs, r)
	}
	if p.IsInput() {
		require.NoError(t, p.SetReceivers(rs))
	} else {
		require.NoError(t, p.SetRemotes(rs))
	}
	return rs
}

func drain(r *receiver.Receiver) []interface{} {
	var values []interface{}
	for {
		tok, ok := r.TryGet()
		if !ok {
			return values
		}
		values = append(values, tok.Payload())
	}
}

func TestPairsNeverInterleave(t *testing.T) {
	const (
		channels = 3
		perChan  = 200
	)
	ctx := context.Background()
	rc := actor.NewRunContext(workspace.New("merge"))
	a, err := New(rc, "merge", nil)
	require.NoError(t, err)
	inputs := connect(t, a.Port(InputPortName), channels)
	output := connect(t, a.Port(OutputPortName), 1)[0]
	channel := connect(t, a.Port(ChannelPortName), 1)[0]
	require.NoError(t, a.Preinitialize(ctx))
	require.NoError(t, a.Initialize(ctx))

	var g errgroup.Group
	for ch, r := range inputs {
		ch, r := ch, r
		g.Go(func() error {
			for i := 0; i < perChan; i++ {
				if err := r.Put(rc.Tokens.New(fmt.Sprintf("%d/%d", ch, i))); err != nil {
					return err
				}
			}
			r.RequestFinish()
			return nil
		})
	}
	cont, err := a.Iterate(ctx)
	require.NoError(t, err)
	require.False(t, cont)
	require.NoError(t, g.Wait())

	values, indexes := drain(output), drain(channel)
	require.Len(t, values, channels*perChan)
	require.Len(t, indexes, channels*perChan)
	next := make([]int, channels)
	for i, v := range values {
		ch := indexes[i].(int)
		require.Equal(t, fmt.Sprintf("%d/%d", ch, next[ch]), v)
		next[ch]++
	}
	require.NoError(t, a.Wrapup(ctx))
}

func TestNeverBlocked(t *testing.T) {
	var m Merge
	require.False(t, m.IsBlocked(3, 0))
	require.False(t, m.IsBlocked(0, 1))
}

func TestDownstreamFinished(t *testing.T) {
	ctx := context.Background()
	rc := actor.NewRunContext(workspace.New("merge"))
	a, err := New(rc, "merge", nil)
	require.NoError(t, err)
	inputs := connect(t, a.Port(InputPortName), 2)
	output := connect(t, a.Port(OutputPortName), 1)[0]
	require.NoError(t, a.Preinitialize(ctx))
	require.NoError(t, a.Initialize(ctx))

	output.RequestFinish()
	require.NoError(t, inputs[0].Put(rc.Tokens.New(1)))
	// the helper blocked on the second channel is woken up
	cont, err := a.Iterate(ctx)
	require.Error(t, err)
	require.False(t, cont)
	require.NoError(t, a.Wrapup(ctx))
}

func TestMergeModel(t *testing.T) {
	ctx := context.Background()
	m := model.New("merge")
	rc := m.NewRunContext()
	add := func(a *actor.Actor, err error) *actor.Actor {
		require.NoError(t, err)
		require.NoError(t, m.AddActor(ctx, a))
		return a
	}
	for i := 0; i < 3; i++ {
		add(source.NewSequence(rc, fmt.Sprintf("src%d", i), config.NewParameters(map[string]interface{}{
			source.ParamValues: []interface{}{i * 10, i*10 + 1},
		})))
	}
	add(New(rc, "merge", nil))
	values, _ := sink.Recorded(add(sink.New(rc, "values", nil)))
	indexes, _ := sink.Recorded(add(sink.New(rc, "indexes", nil)))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Connect(ctx, fmt.Sprintf("src%d.output", i), "merge.input"))
	}
	require.NoError(t, m.Connect(ctx, "merge.output", "values.input"))
	require.NoError(t, m.Connect(ctx, "merge.channel", "indexes.input"))

	require.NoError(t, director.New(nil, m).Run(ctx))
	vs, is := values.Values(), indexes.Values()
	require.Len(t, vs, 6)
	require.Len(t, is, 6)
	for i := range vs {
		require.Equal(t, is[i].(int), vs[i].(int)/10)
	}
}
