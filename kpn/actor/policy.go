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
	"github.com/pingcap/errors"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"go.uber.org/zap"
)

// ErrorPolicy decides how an actor reacts to the errors raised in each life
// cycle phase. A handler returning nil recovers from the error, a handler
// returning an error makes it fatal to the actor.
//
// Errors for which errors.IsTerminateProcess holds are never handed to the
// policy.
type ErrorPolicy interface {
	HandleInitializationError(ctx Context, err error) error
	HandleValidationError(ctx Context, err error) error
	HandlePreFireError(ctx Context, err error) error
	HandleFireError(ctx Context, err error) error
	HandlePostFireError(ctx Context, err error) error
	HandleWrapupError(ctx Context, err error) error
}

// ErrorMessage is the payload of the tokens emitted on the error port.
type ErrorMessage struct {
	Actor   string
	Phase   Phase
	Message string
	// Code is the RFC code of the error, if any.
	Code string
}

// DefaultErrorPolicy logs errors. Processing errors are emitted on the error
// port when it is connected and reported to the director otherwise.
type DefaultErrorPolicy struct {
	// ValidationFatal makes validation errors abort the initialization.
	ValidationFatal bool
}

var _ ErrorPolicy = (*DefaultErrorPolicy)(nil)

// HandleInitializationError implements ErrorPolicy.
// Initialization errors are always fatal.
func (p *DefaultErrorPolicy) HandleInitializationError(ctx Context, err error) error {
	ctx.Logger().Error("actor failed to initialize", zap.Error(err))
	return cerror.ErrInitialization.GenWithStackByArgs(ctx.Actor().Name(), err.Error())
}

// HandleValidationError implements ErrorPolicy.
func (p *DefaultErrorPolicy) HandleValidationError(ctx Context, err error) error {
	ctx.Logger().Warn("actor failed validation",
		zap.Bool("fatal", p.ValidationFatal), zap.Error(err))
	verr := cerror.ErrValidation.GenWithStackByArgs(ctx.Actor().Name(), err.Error())
	if p.ValidationFatal {
		return verr
	}
	return p.emitOrReport(ctx, PhaseValidate, verr)
}

// HandlePreFireError implements ErrorPolicy.
func (p *DefaultErrorPolicy) HandlePreFireError(ctx Context, err error) error {
	return p.handleProcessing(ctx, PhasePreFire, err)
}

// HandleFireError implements ErrorPolicy.
func (p *DefaultErrorPolicy) HandleFireError(ctx Context, err error) error {
	return p.handleProcessing(ctx, PhaseFire, err)
}

// HandlePostFireError implements ErrorPolicy.
func (p *DefaultErrorPolicy) HandlePostFireError(ctx Context, err error) error {
	return p.handleProcessing(ctx, PhasePostFire, err)
}

// HandleWrapupError implements ErrorPolicy. Wrapup errors that can not be
// emitted are returned, so they end up in the result of the run.
func (p *DefaultErrorPolicy) HandleWrapupError(ctx Context, err error) error {
	ctx.Logger().Error("actor failed to wrap up", zap.Error(err))
	terr := cerror.ErrTermination.GenWithStackByArgs(ctx.Actor().Name(), err.Error())
	if emitErr := emitError(ctx, PhaseWrapup, terr); emitErr == nil {
		return nil
	}
	return terr
}

func (p *DefaultErrorPolicy) handleProcessing(ctx Context, phase Phase, err error) error {
	ctx.Logger().Warn("actor failed to process",
		zap.String("phase", string(phase)), zap.Error(err))
	perr := cerror.ErrProcessing.GenWithStackByArgs(ctx.Actor().Name(), string(phase), err.Error())
	return p.emitOrReport(ctx, phase, perr)
}

func (p *DefaultErrorPolicy) emitOrReport(ctx Context, phase Phase, err error) error {
	if emitErr := emitError(ctx, phase, err); emitErr == nil {
		return nil
	}
	ctx.Actor().ReportError(err)
	return nil
}

var errNotConnected = errors.New("error port is not connected")

// emitError sends err as an ErrorMessage on the error port of the actor.
func emitError(ctx Context, phase Phase, err error) error {
	a := ctx.Actor()
	errPort := a.ErrorPort()
	if !errPort.IsConnected() {
		return errNotConnected
	}
	msg := &ErrorMessage{
		Actor:   a.Name(),
		Phase:   phase,
		Message: err.Error(),
		Code:    cerror.RFCCode(err),
	}
	return errors.Trace(errPort.Broadcast(ctx.Tokens().New(msg)))
}
