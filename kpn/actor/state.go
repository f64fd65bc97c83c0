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

// State is the life cycle state of an actor.
type State int32

// States
const (
	StateConstructed State = iota
	StatePreinitialized
	StateInitialized
	StatePreFiring
	StateFiring
	StatePostFiring
	StateWrappedUp
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StatePreinitialized:
		return "preinitialized"
	case StateInitialized:
		return "initialized"
	case StatePreFiring:
		return "prefiring"
	case StateFiring:
		return "firing"
	case StatePostFiring:
		return "postfiring"
	case StateWrappedUp:
		return "wrappedup"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Phase is a life cycle phase an error is raised in.
type Phase string

// Phases
const (
	PhasePreinitialize Phase = "preinitialize"
	PhaseInitialize    Phase = "initialize"
	PhaseValidate      Phase = "validate"
	PhasePreFire       Phase = "prefire"
	PhaseFire          Phase = "fire"
	PhasePostFire      Phase = "postfire"
	PhaseWrapup        Phase = "wrapup"
)

// Statistics is a snapshot of the counters of an actor for one run.
type Statistics struct {
	Iterations int64
	Fires      int64
	// NotReady counts prefires that returned false.
	NotReady int64
	// Errors counts errors handed to the error policy.
	Errors int64
}
