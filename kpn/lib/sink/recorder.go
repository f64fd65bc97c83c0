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

package sink

import (
	"sync"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/kpn/token"
	"github.com/pingcap/kpnflow/pkg/config"
	"go.uber.org/zap"
)

// Port and parameter names of the recorder.
const (
	InputPortName = "input"

	ParamPrint = "print"
)

// Recorder records every token arriving on any channel of its input.
type Recorder struct {
	actor.BaseBehavior

	input       *port.Port
	printTokens bool

	mu     sync.Mutex
	tokens []*token.Token
}

// New creates a recorder actor.
func New(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error) {
	r := &Recorder{}
	a := actor.New(rc, name, r, actor.WithParameters(params))
	var err error
	if r.input, err = a.NewInputPort(InputPortName, port.Multiport()); err != nil {
		return nil, err
	}
	return a, nil
}

// OnInitialize implements actor.Behavior. The tokens of the previous run
// are dropped.
func (r *Recorder) OnInitialize(ctx actor.Context) error {
	printTokens, err := ctx.Actor().Parameters().Bool(ParamPrint, false)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.printTokens = printTokens
	r.tokens = nil
	r.mu.Unlock()
	return nil
}

// OnFire implements actor.Behavior.
func (r *Recorder) OnFire(ctx actor.Context) error {
	tok, ch, ok := r.input.GetAny()
	if !ok {
		return nil
	}
	r.mu.Lock()
	r.tokens = append(r.tokens, tok)
	printTokens := r.printTokens
	r.mu.Unlock()
	if printTokens {
		ctx.Logger().Info("token recorded", zap.Int("channel", ch), zap.Stringer("token", tok))
	}
	return nil
}

// AreAllCriticalInputsFinished implements actor.CriticalInputs.
func (r *Recorder) AreAllCriticalInputsFinished(actor.Context) bool {
	return r.input.AllExhausted()
}

// Tokens returns the recorded tokens.
func (r *Recorder) Tokens() []*token.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*token.Token(nil), r.tokens...)
}

// Values returns the payloads of the recorded tokens.
func (r *Recorder) Values() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make([]interface{}, 0, len(r.tokens))
	for _, tok := range r.tokens {
		values = append(values, tok.Payload())
	}
	return values
}

// Recorded looks up the recorder behavior of a.
func Recorded(a *actor.Actor) (*Recorder, bool) {
	r, ok := a.Behavior().(*Recorder)
	return r, ok
}
