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

package synchronizer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"go.uber.org/zap"
)

// Port and parameter names of the synchronizer.
const (
	SyncPortName = "sync"

	ParamExtraPortPairs = "extraPortPairs"

	defaultPortPairs = 1
)

// InputPortName returns the name of the input port of pair i.
func InputPortName(i int) string {
	return fmt.Sprintf("input%d", i)
}

// OutputPortName returns the name of the output port of pair i.
func OutputPortName(i int) string {
	return fmt.Sprintf("output%d", i)
}

type pair struct {
	input  *port.Port
	output *port.Port
}

// Synchronizer forwards one token of every pair input that is not
// exhausted to its paired output each time a token arrives on any channel of
// the sync input. It finishes once every pair input is exhausted, or once
// nothing more can arrive on the sync input.
//
// The number of pairs can be changed between runs with Resize. A fire that
// waited for its trigger across a resize is rejected with ErrStaleEpoch.
type Synchronizer struct {
	actor.BaseBehavior

	a    *actor.Actor
	sync *port.Port

	mu    sync.Mutex
	pairs []pair
	epoch uint64
}

var _ actor.CriticalInputs = (*Synchronizer)(nil)

// New creates a synchronizer actor with the number of pairs given by the
// extraPortPairs parameter.
func New(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error) {
	s := &Synchronizer{}
	a := actor.New(rc, name, s, actor.WithParameters(params))
	s.a = a
	var err error
	if s.sync, err = a.NewInputPort(SyncPortName, port.Multiport()); err != nil {
		return nil, err
	}
	n, err := s.configuredPairs()
	if err != nil {
		return nil, err
	}
	if err := s.resizeLocked(n); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Synchronizer) configuredPairs() (int, error) {
	n, err := s.a.Parameters().Int(ParamExtraPortPairs, defaultPortPairs)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("%s of %s must not be negative, got %d", ParamExtraPortPairs, s.a.Name(), n))
	}
	return n, nil
}

// Resize changes the number of port pairs to n. Ports beyond n are removed
// along with their connections. It takes write access to the workspace and
// must only be called while the synchronizer is not firing.
func (s *Synchronizer) Resize(ctx context.Context, n int) error {
	if n < 0 {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("%s of %s must not be negative, got %d", ParamExtraPortPairs, s.a.Name(), n))
	}
	return s.a.RunContext().Workspace.WriteAccess(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.resizeLocked(n)
	})
}

func (s *Synchronizer) resizeLocked(n int) error {
	for len(s.pairs) < n {
		i := len(s.pairs)
		in, err := s.a.NewInputPort(InputPortName(i))
		if err != nil {
			return err
		}
		out, err := s.a.NewOutputPort(OutputPortName(i))
		if err != nil {
			return err
		}
		s.pairs = append(s.pairs, pair{input: in, output: out})
	}
	for len(s.pairs) > n {
		i := len(s.pairs) - 1
		if err := s.a.RemovePort(InputPortName(i)); err != nil {
			return err
		}
		if err := s.a.RemovePort(OutputPortName(i)); err != nil {
			return err
		}
		s.pairs = s.pairs[:i]
	}
	s.epoch++
	return nil
}

// OnPreinitialize implements actor.Behavior. The ports are reconciled with
// the extraPortPairs parameter before the director wires them.
func (s *Synchronizer) OnPreinitialize(ctx actor.Context) error {
	n, err := s.configuredPairs()
	if err != nil {
		return err
	}
	if n != s.Pairs() {
		ctx.Logger().Info("resizing synchronizer", zap.Int("from", s.Pairs()), zap.Int("to", n))
		return s.Resize(ctx, n)
	}
	return nil
}

// OnFire implements actor.Behavior.
func (s *Synchronizer) OnFire(ctx actor.Context) error {
	s.mu.Lock()
	epoch := s.epoch
	pairs := append([]pair(nil), s.pairs...)
	s.mu.Unlock()

	if _, _, ok := s.sync.GetAny(); !ok {
		return nil
	}

	s.mu.Lock()
	current := s.epoch
	s.mu.Unlock()
	if current != epoch {
		return cerror.ErrStaleEpoch.GenWithStackByArgs(s.a.Name(), epoch, current)
	}

	forwarded := 0
	for _, p := range pairs {
		if p.input.AllExhausted() {
			continue
		}
		tok, ok := p.input.Get(0)
		if !ok {
			continue
		}
		if err := p.output.Broadcast(tok); err != nil {
			return err
		}
		forwarded++
	}
	ctx.Logger().Debug("synchronizer fired", zap.Int("forwarded", forwarded))
	return nil
}

// AreAllCriticalInputsFinished implements actor.CriticalInputs.
func (s *Synchronizer) AreAllCriticalInputsFinished(actor.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sync.AllExhausted() {
		return true
	}
	for _, p := range s.pairs {
		if !p.input.AllExhausted() {
			return false
		}
	}
	return true
}

// Pairs returns the number of port pairs.
func (s *Synchronizer) Pairs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pairs)
}

// Epoch returns the number of resizes so far.
func (s *Synchronizer) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Exhausted returns whether the input of pair i is exhausted.
func (s *Synchronizer) Exhausted(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.pairs) {
		return true
	}
	return s.pairs[i].input.AllExhausted()
}
