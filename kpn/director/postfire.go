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

package director

import (
	"github.com/pingcap/kpnflow/pkg/config"
)

// PostfireState is what the director knows when deciding whether the model
// continues after a fire.
type PostfireState struct {
	// HasExternalInputs is true if the model is fed from outside.
	HasExternalInputs bool
	// ActiveThreads is the number of actor threads not yet finished.
	ActiveThreads int
	// StopRequested is true once Stop or Terminate has been called.
	StopRequested bool
	// ActorsContinue is the conjunction of the postfire results of all actors.
	ActorsContinue bool
}

// PostfirePolicy decides whether the director continues.
type PostfirePolicy func(s PostfireState) bool

// ExternalAwarePostfire keeps a model fed from outside alive while any of
// its threads is active, so it can wait for more external input. Otherwise
// it falls back to the conjunction of the actors.
func ExternalAwarePostfire(s PostfireState) bool {
	if s.HasExternalInputs && s.ActiveThreads > 0 {
		return !s.StopRequested
	}
	return ConjunctionPostfire(s)
}

// ConjunctionPostfire continues only while every actor continues.
func ConjunctionPostfire(s PostfireState) bool {
	return s.ActorsContinue && !s.StopRequested
}

func policyByName(name string) PostfirePolicy {
	if name == config.PostfireConjunction {
		return ConjunctionPostfire
	}
	return ExternalAwarePostfire
}
