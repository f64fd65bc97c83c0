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

	"github.com/benbjohnson/clock"
	"github.com/pingcap/kpnflow/kpn/token"
	"github.com/pingcap/kpnflow/kpn/workspace"
	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// Context is passed to every Behavior callback.
type Context interface {
	context.Context

	// Actor returns the actor the callback runs for.
	Actor() *Actor
	// Logger returns the logger of the actor.
	Logger() *zap.Logger
	// Tokens returns the token factory of the run.
	Tokens() *token.Factory
	// Workspace returns the workspace guarding the model topology.
	Workspace() *workspace.Workspace
	// Clock returns the clock of the run.
	Clock() clock.Clock
	// Scheduler returns the scheduler owned by the director, creating it on
	// first use. It returns nil if the actor has no director.
	Scheduler() *cron.Cron
}

type actorContext struct {
	context.Context
	actor *Actor
}

func newContext(ctx context.Context, a *Actor) Context {
	if workspace.AccessorFromCtx(ctx) == workspace.UnknownAccessor {
		ctx = workspace.WithAccessor(ctx, a.name)
	}
	return &actorContext{Context: ctx, actor: a}
}

func (c *actorContext) Actor() *Actor {
	return c.actor
}

func (c *actorContext) Logger() *zap.Logger {
	return c.actor.logger
}

func (c *actorContext) Tokens() *token.Factory {
	return c.actor.rc.Tokens
}

func (c *actorContext) Workspace() *workspace.Workspace {
	return c.actor.rc.Workspace
}

func (c *actorContext) Clock() clock.Clock {
	return c.actor.rc.Clock
}

func (c *actorContext) Scheduler() *cron.Cron {
	d := c.actor.Director()
	if d == nil {
		return nil
	}
	return d.Scheduler()
}
