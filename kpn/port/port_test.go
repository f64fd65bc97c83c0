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

package port

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap/kpnflow/kpn/receiver"
	"github.com/pingcap/kpnflow/kpn/token"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/kpnflow/pkg/leakutil"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

func newReceivers(t *testing.T, n int, opts ...receiver.Option) []*receiver.Receiver {
	var rs []*receiver.Receiver
	for i := 0; i < n; i++ {
		r, err := receiver.New("r", opts...)
		require.NoError(t, err)
		rs = append(rs, r)
	}
	return rs
}

func TestDirection(t *testing.T) {
	in := New("a", "in", Input)
	out := New("a", "out", Output, Multiport())
	require.Equal(t, "a.in", in.FullName())
	require.True(t, in.IsInput())
	require.True(t, out.IsOutput())
	require.True(t, out.IsMultiport())
	require.False(t, in.IsControl())
	require.Equal(t, "output", Output.String())

	err := in.SetRemotes(nil)
	require.True(t, cerror.ErrPortDirection.Equal(err))
	err = out.SetReceivers(nil)
	require.True(t, cerror.ErrPortDirection.Equal(err))
	err = in.Broadcast(token.NewFactory().New(1))
	require.True(t, cerror.ErrPortDirection.Equal(err))

	in.MarkRemoved()
	require.True(t, in.IsRemoved())
}

func TestGetAndExhausted(t *testing.T) {
	f := token.NewFactory()
	in := New("a", "in", Input, Multiport())
	require.True(t, in.AllExhausted())
	require.False(t, in.IsConnected())
	_, ok := in.Get(0)
	require.False(t, ok)

	rs := newReceivers(t, 2)
	require.NoError(t, in.SetReceivers(rs))
	require.Equal(t, 2, in.Width())
	require.False(t, in.AllExhausted())

	require.NoError(t, rs[1].Put(f.New("x")))
	require.True(t, in.HasToken(1))
	tok, ok := in.Get(1)
	require.True(t, ok)
	require.Equal(t, "x", tok.Payload())

	rs[0].RequestFinish()
	_, ok = in.Get(0)
	require.False(t, ok)
	require.True(t, in.IsExhausted(0))
	require.False(t, in.IsExhausted(1))
	require.False(t, in.AllExhausted())

	in.RequestFinish()
	_, ok = in.Get(1)
	require.False(t, ok)
	require.True(t, in.AllExhausted())
}

func TestBroadcast(t *testing.T) {
	f := token.NewFactory()
	out := New("a", "out", Output, Multiport())
	// unconnected outputs drop tokens
	require.NoError(t, out.Broadcast(f.New(0)))

	rs := newReceivers(t, 3)
	require.NoError(t, out.SetRemotes(rs))
	tok := f.New(1)
	require.NoError(t, out.Broadcast(tok))
	for _, r := range rs {
		got, ok := r.TryGet()
		require.True(t, ok)
		require.Same(t, tok, got)
	}

	rs[0].RequestFinish()
	require.NoError(t, out.Broadcast(f.New(2)))
	require.Equal(t, 1, rs[1].Len())

	out.RequestFinishRemote()
	err := out.Broadcast(f.New(3))
	require.True(t, cerror.ErrReceiverTerminated.Equal(err))

	require.NoError(t, out.Send(7, f.New(4)))
	err = out.Send(0, f.New(4))
	require.True(t, cerror.ErrReceiverTerminated.Equal(err))
}

func TestGetAny(t *testing.T) {
	f := token.NewFactory()
	in := New("a", "in", Input, Multiport())
	rs := newReceivers(t, 3)
	require.NoError(t, in.SetReceivers(rs))

	require.NoError(t, rs[2].Put(f.New("c")))
	tok, ch, ok := in.GetAny()
	require.True(t, ok)
	require.Equal(t, 2, ch)
	require.Equal(t, "c", tok.Payload())

	type result struct {
		tok *token.Token
		ch  int
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		tok, ch, ok := in.GetAny()
		done <- result{tok, ch, ok}
	}()
	select {
	case <-done:
		require.FailNow(t, "GetAny should block while every channel is empty")
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, rs[1].Put(f.New("b")))
	res := <-done
	require.True(t, res.ok)
	require.Equal(t, 1, res.ch)
	require.Equal(t, "b", res.tok.Payload())

	go func() {
		tok, ch, ok := in.GetAny()
		done <- result{tok, ch, ok}
	}()
	for _, r := range rs {
		r.RequestFinish()
	}
	res = <-done
	require.False(t, res.ok)
	require.Equal(t, -1, res.ch)
	require.True(t, in.AllExhausted())
}

type readMonitor struct {
	mu      sync.Mutex
	blocked int
	ext     bool
}

func (m *readMonitor) ReadBlocked(e receiver.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked++
	m.ext = e.External
}

func (m *readMonitor) ReadUnblocked(receiver.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked--
}
func (m *readMonitor) WriteBlocked(receiver.Endpoint)   {}
func (m *readMonitor) WriteUnblocked(receiver.Endpoint) {}

func (m *readMonitor) get() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked, m.ext
}

func TestGetAnyMonitor(t *testing.T) {
	f := token.NewFactory()
	m := &readMonitor{}
	in := New("a", "in", Input, Multiport())
	in.SetMonitor(m)
	ext, err := receiver.New("ext", receiver.WithEndpoint(receiver.Endpoint{Reader: "a", External: true}))
	require.NoError(t, err)
	rs := append(newReceivers(t, 1), ext)
	require.NoError(t, in.SetReceivers(rs))

	done := make(chan struct{})
	go func() {
		_, _, _ = in.GetAny()
		close(done)
	}()
	require.Eventually(t, func() bool {
		n, _ := m.get()
		return n == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, external := m.get()
	require.True(t, external)

	require.NoError(t, ext.Put(f.New(1)))
	n, _ := m.get()
	require.Equal(t, 0, n)
	<-done
}
