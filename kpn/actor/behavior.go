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

// Behavior is the processing logic of an actor. The actor invokes the
// callbacks from its life cycle template methods, which take care of state
// transitions, error handling and finish propagation.
type Behavior interface {
	// OnPreinitialize prepares model independent resources. It must not block.
	OnPreinitialize(ctx Context) error
	// OnInitialize resets the behavior for a new run. Parameters must be
	// re-read here.
	OnInitialize(ctx Context) error
	// OnPreFire returns whether the actor is ready to fire. It must not block.
	OnPreFire(ctx Context) (bool, error)
	// OnFire is one processing step. It may block reading or writing ports.
	OnFire(ctx Context) error
	// OnPostFire returns whether the actor wants to keep iterating.
	// It must not block.
	OnPostFire(ctx Context) (bool, error)
	// OnWrapup releases the resources of the run.
	OnWrapup(ctx Context) error
}

// BaseBehavior implements every callback of Behavior with its default.
// Embed it to override only the callbacks needed.
type BaseBehavior struct{}

// OnPreinitialize implements Behavior.
func (BaseBehavior) OnPreinitialize(Context) error { return nil }

// OnInitialize implements Behavior.
func (BaseBehavior) OnInitialize(Context) error { return nil }

// OnPreFire implements Behavior.
func (BaseBehavior) OnPreFire(Context) (bool, error) { return true, nil }

// OnFire implements Behavior.
func (BaseBehavior) OnFire(Context) error { return nil }

// OnPostFire implements Behavior.
func (BaseBehavior) OnPostFire(Context) (bool, error) { return true, nil }

// OnWrapup implements Behavior.
func (BaseBehavior) OnWrapup(Context) error { return nil }

// CriticalInputs is implemented by behaviors that decide which of their
// inputs must be exhausted for the actor to finish. Without it, an actor
// finishes once every connected data input is exhausted.
type CriticalInputs interface {
	AreAllCriticalInputsFinished(ctx Context) bool
}

// Validator is implemented by behaviors with a post initialize sanity check.
type Validator interface {
	Validate(ctx Context) error
}

// BlockStateReporter is implemented by behaviors running more than one
// thread. It is given the number of suspended reads and writes of the actor
// and reports whether the actor as a whole can make no progress.
type BlockStateReporter interface {
	IsBlocked(readBlocked, writeBlocked int) bool
}
