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

package loop

import (
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"go.uber.org/zap"
)

// Port and parameter names of the loop controller.
const (
	InputPortName   = "input"
	CountPortName   = "count"
	HandledPortName = "handled"
	OutputPortName  = "output"

	ParamMaxCount = "maxCount"

	defaultMaxCount = 1
)

// Controller re-emits every input token as a sequence of tagged copies.
// The length of the sequence is the maxCount parameter, unless a value is
// read from the count port. When the handled port is connected, one
// acknowledgement is consumed after every emission; once it is exhausted the
// loop is no longer paced.
type Controller struct {
	actor.BaseBehavior

	input   *port.Port
	count   *port.Port
	handled *port.Port
	output  *port.Port

	maxCount int
}

var _ actor.CriticalInputs = (*Controller)(nil)

// New creates a loop controller actor.
func New(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error) {
	c := &Controller{}
	a := actor.New(rc, name, c, actor.WithParameters(params))
	var err error
	if c.input, err = a.NewInputPort(InputPortName); err != nil {
		return nil, err
	}
	if c.count, err = a.NewInputPort(CountPortName); err != nil {
		return nil, err
	}
	if c.handled, err = a.NewInputPort(HandledPortName); err != nil {
		return nil, err
	}
	if c.output, err = a.NewOutputPort(OutputPortName); err != nil {
		return nil, err
	}
	return a, nil
}

// MaxCount returns the maximum count read at the last initialize.
func (c *Controller) MaxCount() int {
	return c.maxCount
}

// OnInitialize implements actor.Behavior.
func (c *Controller) OnInitialize(ctx actor.Context) error {
	n, err := ctx.Actor().Parameters().Int(ParamMaxCount, defaultMaxCount)
	if err != nil {
		return err
	}
	if n < 0 {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("%s of %s must not be negative, got %d", ParamMaxCount, ctx.Actor().Name(), n))
	}
	c.maxCount = n
	return nil
}

// OnFire implements actor.Behavior.
func (c *Controller) OnFire(ctx actor.Context) error {
	tok, ok := c.input.Get(0)
	if !ok {
		return nil
	}
	n, err := c.loopCount()
	if err != nil {
		return err
	}

	seqID := ctx.Tokens().NewSequenceID()
	for i := 0; i < n; i++ {
		if err := c.output.Broadcast(ctx.Tokens().Sequence(tok, seqID, i, i == n-1)); err != nil {
			return err
		}
		if c.handled.IsConnected() && !c.handled.AllExhausted() {
			if _, ok := c.handled.Get(0); !ok {
				ctx.Logger().Info("handled port exhausted, loop is no longer paced",
					zap.Int("position", i))
			}
		}
	}
	ctx.Logger().Debug("loop emitted", zap.Int("count", n), zap.String("sequence", seqID))
	return nil
}

func (c *Controller) loopCount() (int, error) {
	if !c.count.IsConnected() || c.count.AllExhausted() {
		return c.maxCount, nil
	}
	tok, ok := c.count.Get(0)
	if !ok {
		return c.maxCount, nil
	}
	n, ok := config.ToInt(tok.Payload())
	if !ok || n < 0 {
		return 0, errors.Errorf("invalid loop count %v", tok.Payload())
	}
	return n, nil
}

// AreAllCriticalInputsFinished implements actor.CriticalInputs. Only the
// data input is critical.
func (c *Controller) AreAllCriticalInputsFinished(actor.Context) bool {
	return c.input.AllExhausted()
}
