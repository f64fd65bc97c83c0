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
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"go.uber.org/zap"
)

const defaultSpec = "@every 1s"

// Ticker emits the current time on the schedule of the spec parameter, a
// cron expression run by the scheduler of the director. It finishes after
// count ticks, or never if count is not positive.
type Ticker struct {
	actor.BaseBehavior

	output  *port.Port
	ticks   chan time.Time
	count   int
	emitted int
}

// NewTicker creates a ticker source actor.
func NewTicker(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error) {
	t := &Ticker{}
	a := actor.New(rc, name, t, actor.WithParameters(params))
	var err error
	if t.output, err = a.NewOutputPort(OutputPortName); err != nil {
		return nil, err
	}
	return a, nil
}

// OnInitialize implements actor.Behavior.
func (t *Ticker) OnInitialize(ctx actor.Context) error {
	params := ctx.Actor().Parameters()
	spec, err := params.String(ParamSpec, defaultSpec)
	if err != nil {
		return err
	}
	if t.count, err = params.Int(ParamCount, 1); err != nil {
		return err
	}
	sched := ctx.Scheduler()
	if sched == nil {
		return errors.New("ticker requires a director owning a scheduler")
	}

	ticks := make(chan time.Time, 1)
	clk := ctx.Clock()
	if err := sched.AddFunc(spec, func() {
		select {
		case ticks <- clk.Now():
		default:
		}
	}); err != nil {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("bad schedule %q of %s: %s", spec, ctx.Actor().Name(), err))
	}
	t.ticks = ticks
	t.emitted = 0
	ctx.Logger().Info("ticker scheduled", zap.String("spec", spec), zap.Int("count", t.count))
	return nil
}

// OnFire implements actor.Behavior. It waits for the next tick.
func (t *Ticker) OnFire(ctx actor.Context) error {
	select {
	case at := <-t.ticks:
		if err := t.output.Broadcast(ctx.Tokens().New(at)); err != nil {
			return err
		}
		t.emitted++
	case <-ctx.Actor().Finished():
	case <-ctx.Done():
	}
	return nil
}

// OnPostFire implements actor.Behavior.
func (t *Ticker) OnPostFire(ctx actor.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	return t.count <= 0 || t.emitted < t.count, nil
}
