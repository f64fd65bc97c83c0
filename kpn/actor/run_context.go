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
	"github.com/benbjohnson/clock"
	"github.com/pingcap/kpnflow/kpn/token"
	"github.com/pingcap/kpnflow/kpn/workspace"
	"github.com/pingcap/kpnflow/pkg/logutil"
	"go.uber.org/zap"
)

// RunContext carries the handles shared by the actors of one model.
type RunContext struct {
	Logger    *zap.Logger
	Tokens    *token.Factory
	Workspace *workspace.Workspace
	Metrics   *Metrics
	Clock     clock.Clock
}

// NewRunContext creates a run context for the model guarded by ws.
// Metrics are left nil and can be set by the caller.
func NewRunContext(ws *workspace.Workspace) *RunContext {
	return &RunContext{
		Logger:    logutil.Named(nil, "actor").With(zap.String("model", ws.Name())),
		Tokens:    token.NewFactory(),
		Workspace: ws,
		Clock:     clock.New(),
	}
}
