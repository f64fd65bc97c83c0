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

package errors

import (
	"github.com/pingcap/errors"
)

// errors
var (
	// actor lifecycle errors
	ErrInitialization = errors.Normalize(
		"actor %s failed to initialize: %s",
		errors.RFCCodeText("KPN:ErrInitialization"),
	)
	ErrProcessing = errors.Normalize(
		"actor %s failed in %s: %s",
		errors.RFCCodeText("KPN:ErrProcessing"),
	)
	ErrValidation = errors.Normalize(
		"actor %s failed validation: %s",
		errors.RFCCodeText("KPN:ErrValidation"),
	)
	ErrTermination = errors.Normalize(
		"actor %s failed to wrap up: %s",
		errors.RFCCodeText("KPN:ErrTermination"),
	)
	ErrTerminateProcess = errors.Normalize(
		"process of actor %s is terminated",
		errors.RFCCodeText("KPN:ErrTerminateProcess"),
	)
	ErrInvalidActorState = errors.Normalize(
		"actor %s can not %s in state %s",
		errors.RFCCodeText("KPN:ErrInvalidActorState"),
	)
	ErrActorAlreadyExists = errors.Normalize(
		"actor %s already exists",
		errors.RFCCodeText("KPN:ErrActorAlreadyExists"),
	)
	ErrActorNotFound = errors.Normalize(
		"actor %s not found",
		errors.RFCCodeText("KPN:ErrActorNotFound"),
	)

	// receiver and port errors
	ErrReceiverTerminated = errors.Normalize(
		"receiver %s has been requested to finish",
		errors.RFCCodeText("KPN:ErrReceiverTerminated"),
	)
	ErrInvalidConfiguration = errors.Normalize(
		"invalid configuration: %s",
		errors.RFCCodeText("KPN:ErrInvalidConfiguration"),
	)
	ErrPortNotFound = errors.Normalize(
		"port %s not found",
		errors.RFCCodeText("KPN:ErrPortNotFound"),
	)
	ErrPortAlreadyExists = errors.Normalize(
		"port %s already exists",
		errors.RFCCodeText("KPN:ErrPortAlreadyExists"),
	)
	ErrPortArityExceeded = errors.Normalize(
		"port %s is not a multiport and is already connected",
		errors.RFCCodeText("KPN:ErrPortArityExceeded"),
	)
	ErrPortDirection = errors.Normalize(
		"port %s can not be used as %s",
		errors.RFCCodeText("KPN:ErrPortDirection"),
	)
	ErrExternalInputClosed = errors.Normalize(
		"external input %s is closed",
		errors.RFCCodeText("KPN:ErrExternalInputClosed"),
	)

	// director and model errors
	ErrDeadlock = errors.Normalize(
		"deadlock detected in model %s: %s",
		errors.RFCCodeText("KPN:ErrDeadlock"),
	)
	ErrStaleEpoch = errors.Normalize(
		"stale operation on %s, started at epoch %d, current epoch %d",
		errors.RFCCodeText("KPN:ErrStaleEpoch"),
	)
	ErrWorkspaceAccess = errors.Normalize(
		"accessor %s does not hold %s access to the workspace",
		errors.RFCCodeText("KPN:ErrWorkspaceAccess"),
	)
	ErrInvalidModel = errors.Normalize(
		"invalid model: %s",
		errors.RFCCodeText("KPN:ErrInvalidModel"),
	)
	ErrUnknownActorKind = errors.Normalize(
		"unknown actor kind %s",
		errors.RFCCodeText("KPN:ErrUnknownActorKind"),
	)
)
