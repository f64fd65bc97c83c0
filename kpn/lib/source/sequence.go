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
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"golang.org/x/time/rate"
)

// Port and parameter names of the sources.
const (
	OutputPortName = "output"

	ParamValues = "values"
	ParamSpec   = "spec"
	ParamCount  = "count"
	ParamRate   = "rate"
)

// Sequence emits the values parameter one token per iteration, then
// finishes. A positive rate parameter limits it to rate tokens per second.
type Sequence struct {
	actor.BaseBehavior

	output  *port.Port
	values  []interface{}
	next    int
	limiter *rate.Limiter
}

// NewSequence creates a sequence source actor.
func NewSequence(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error) {
	s := &Sequence{}
	a := actor.New(rc, name, s, actor.WithParameters(params))
	var err error
	if s.output, err = a.NewOutputPort(OutputPortName); err != nil {
		return nil, err
	}
	return a, nil
}

// OnInitialize implements actor.Behavior.
func (s *Sequence) OnInitialize(ctx actor.Context) error {
	values, err := ctx.Actor().Parameters().Values(ParamValues)
	if err != nil {
		return err
	}
	s.values = values
	s.next = 0

	r, err := ctx.Actor().Parameters().Int(ParamRate, 0)
	if err != nil {
		return err
	}
	if r < 0 {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("rate %d of %s is negative", r, ctx.Actor().Name()))
	}
	s.limiter = nil
	if r > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r), 1)
	}
	return nil
}

// OnFire implements actor.Behavior.
func (s *Sequence) OnFire(ctx actor.Context) error {
	if s.next >= len(s.values) {
		return nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if err := s.output.Broadcast(ctx.Tokens().New(s.values[s.next])); err != nil {
		return err
	}
	s.next++
	return nil
}

// OnPostFire implements actor.Behavior.
func (s *Sequence) OnPostFire(actor.Context) (bool, error) {
	return s.next < len(s.values), nil
}
