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
	"sync"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/kpn/token"
	"github.com/pingcap/kpnflow/pkg/config"
	"golang.org/x/sync/errgroup"
)

// Port names of the merge.
const (
	InputPortName   = "input"
	OutputPortName  = "output"
	ChannelPortName = "channel"
)

// Merge forwards the tokens of every channel of its input in arrival order.
// Each token is followed on the channel port by the index of the channel it
// came from, and the two are sent under one lock so the pairs never
// interleave. One helper goroutine reads each channel.
type Merge struct {
	actor.BaseBehavior

	input   *port.Port
	output  *port.Port
	channel *port.Port

	sendMu sync.Mutex
}

var (
	_ actor.CriticalInputs     = (*Merge)(nil)
	_ actor.BlockStateReporter = (*Merge)(nil)
)

// New creates a merge actor.
func New(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error) {
	m := &Merge{}
	a := actor.New(rc, name, m, actor.WithParameters(params))
	var err error
	if m.input, err = a.NewInputPort(InputPortName, port.Multiport()); err != nil {
		return nil, err
	}
	if m.output, err = a.NewOutputPort(OutputPortName); err != nil {
		return nil, err
	}
	if m.channel, err = a.NewOutputPort(ChannelPortName); err != nil {
		return nil, err
	}
	return a, nil
}

// OnFire implements actor.Behavior. It returns once every channel is
// exhausted.
func (m *Merge) OnFire(ctx actor.Context) error {
	var g errgroup.Group
	for ch := 0; ch < m.input.Width(); ch++ {
		ch := ch
		g.Go(func() error {
			for {
				tok, ok := m.input.Get(ch)
				if !ok {
					return nil
				}
				if err := m.send(ctx.Tokens(), tok, ch); err != nil {
					// wake up the other helpers
					m.input.RequestFinish()
					return err
				}
			}
		})
	}
	return g.Wait()
}

func (m *Merge) send(f *token.Factory, tok *token.Token, ch int) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := m.output.Broadcast(tok); err != nil {
		return err
	}
	return m.channel.Broadcast(f.Derive(tok, ch))
}

// AreAllCriticalInputsFinished implements actor.CriticalInputs.
func (m *Merge) AreAllCriticalInputsFinished(actor.Context) bool {
	return m.input.AllExhausted()
}

// IsBlocked implements actor.BlockStateReporter. The helpers only consume,
// so the merge never takes part in a deadlock.
func (*Merge) IsBlocked(int, int) bool {
	return false
}
