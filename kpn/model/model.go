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

package model

import (
	"context"
	"strings"
	"sync"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/port"
	"github.com/pingcap/kpnflow/kpn/receiver"
	"github.com/pingcap/kpnflow/kpn/token"
	"github.com/pingcap/kpnflow/kpn/workspace"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Relation connects an output port to an input port.
type Relation struct {
	From *port.Port
	To   *port.Port
}

// String implements fmt.Stringer
func (r Relation) String() string {
	return r.From.FullName() + " -> " + r.To.FullName()
}

// ExternalInput feeds an input port of the model from outside of it.
// Tokens can be sent once the director has initialized the model.
type ExternalInput struct {
	name string
	to   *port.Port

	mu       sync.Mutex
	receiver *receiver.Receiver
	closed   bool
}

// Name returns the name of the external input.
func (e *ExternalInput) Name() string {
	return e.name
}

// Port returns the input port fed by the external input.
func (e *ExternalInput) Port() *port.Port {
	return e.to
}

// Bind attaches the receiver created for the external input. If the input
// was closed before, the receiver is finished right away.
func (e *ExternalInput) Bind(r *receiver.Receiver) {
	e.mu.Lock()
	e.receiver = r
	closed := e.closed
	e.mu.Unlock()
	if closed {
		r.RequestFinish()
	}
}

// Reopen detaches the receiver of the last run and opens the input for the
// next one.
func (e *ExternalInput) Reopen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receiver = nil
	e.closed = false
}

// Receiver returns the bound receiver, or nil.
func (e *ExternalInput) Receiver() *receiver.Receiver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiver
}

// Send puts tok into the model. It blocks while the bound receiver is full.
func (e *ExternalInput) Send(tok *token.Token) error {
	e.mu.Lock()
	r, closed := e.receiver, e.closed
	e.mu.Unlock()
	if r == nil || closed {
		return cerror.ErrExternalInputClosed.GenWithStackByArgs(e.name)
	}
	return r.Put(tok)
}

// Close signals that no more tokens will be sent. Tokens already sent are
// still delivered. It is idempotent.
func (e *ExternalInput) Close() {
	e.mu.Lock()
	r := e.receiver
	e.closed = true
	e.mu.Unlock()
	if r != nil {
		r.RequestFinish()
	}
}

// IsClosed returns whether the external input has been closed.
func (e *ExternalInput) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Model is a graph of actors and the relations between their ports. The
// topology is guarded by the workspace of the model: mutations take write
// access and queries read access.
type Model struct {
	name string
	ws   *workspace.Workspace

	// guarded by ws
	actors     map[string]*actor.Actor
	actorOrder []string
	relations  []Relation
	externals  []*ExternalInput
}

// New creates an empty model.
func New(name string) *Model {
	return &Model{
		name:   name,
		ws:     workspace.New(name),
		actors: make(map[string]*actor.Actor),
	}
}

// Name returns the name of the model.
func (m *Model) Name() string {
	return m.name
}

// Workspace returns the workspace guarding the model.
func (m *Model) Workspace() *workspace.Workspace {
	return m.ws
}

// NewRunContext creates a run context for the actors of the model.
func (m *Model) NewRunContext() *actor.RunContext {
	return actor.NewRunContext(m.ws)
}

// AddActor adds a to the model.
func (m *Model) AddActor(ctx context.Context, a *actor.Actor) error {
	return m.ws.WriteAccess(ctx, func() error {
		if _, ok := m.actors[a.Name()]; ok {
			return cerror.ErrActorAlreadyExists.GenWithStackByArgs(a.Name())
		}
		m.actors[a.Name()] = a
		m.actorOrder = append(m.actorOrder, a.Name())
		return nil
	})
}

// Actor returns the actor named name.
func (m *Model) Actor(ctx context.Context, name string) (*actor.Actor, error) {
	var a *actor.Actor
	err := m.ws.ReadAccess(ctx, func() error {
		var ok bool
		a, ok = m.actors[name]
		if !ok {
			return cerror.ErrActorNotFound.GenWithStackByArgs(name)
		}
		return nil
	})
	return a, err
}

// Actors returns the actors of the model in the order they were added.
func (m *Model) Actors(ctx context.Context) ([]*actor.Actor, error) {
	var actors []*actor.Actor
	err := m.ws.ReadAccess(ctx, func() error {
		actors = make([]*actor.Actor, 0, len(m.actorOrder))
		for _, name := range m.actorOrder {
			actors = append(actors, m.actors[name])
		}
		return nil
	})
	return actors, err
}

// Port resolves a port named "actor.port".
func (m *Model) Port(ctx context.Context, fullName string) (*port.Port, error) {
	var p *port.Port
	err := m.ws.ReadAccess(ctx, func() error {
		var err error
		p, err = m.lookupPort(fullName)
		return err
	})
	return p, err
}

func (m *Model) lookupPort(fullName string) (*port.Port, error) {
	idx := strings.LastIndex(fullName, ".")
	if idx <= 0 || idx == len(fullName)-1 {
		return nil, cerror.ErrPortNotFound.GenWithStackByArgs(fullName)
	}
	a, ok := m.actors[fullName[:idx]]
	if !ok {
		return nil, cerror.ErrActorNotFound.GenWithStackByArgs(fullName[:idx])
	}
	p := a.Port(fullName[idx+1:])
	if p == nil {
		return nil, cerror.ErrPortNotFound.GenWithStackByArgs(fullName)
	}
	return p, nil
}

// Connect connects the output port from to the input port to, both named
// "actor.port".
func (m *Model) Connect(ctx context.Context, from, to string) error {
	return m.ws.WriteAccess(ctx, func() error {
		fromPort, err := m.lookupPort(from)
		if err != nil {
			return err
		}
		toPort, err := m.lookupPort(to)
		if err != nil {
			return err
		}
		return m.connectLocked(fromPort, toPort)
	})
}

// ConnectPorts connects the output port from to the input port to.
func (m *Model) ConnectPorts(ctx context.Context, from, to *port.Port) error {
	return m.ws.WriteAccess(ctx, func() error {
		return m.connectLocked(from, to)
	})
}

func (m *Model) connectLocked(from, to *port.Port) error {
	if !from.IsOutput() {
		return cerror.ErrPortDirection.GenWithStackByArgs(from.FullName(), port.Output.String())
	}
	if !to.IsInput() {
		return cerror.ErrPortDirection.GenWithStackByArgs(to.FullName(), port.Input.String())
	}
	for _, p := range []*port.Port{from, to} {
		if p.IsRemoved() {
			return cerror.ErrPortNotFound.GenWithStackByArgs(p.FullName())
		}
		if _, ok := m.actors[p.Owner()]; !ok {
			return cerror.ErrActorNotFound.GenWithStackByArgs(p.Owner())
		}
	}
	if !to.IsMultiport() && m.inDegreeLocked(to) > 0 {
		return cerror.ErrPortArityExceeded.GenWithStackByArgs(to.FullName())
	}
	rel := Relation{From: from, To: to}
	m.relations = append(m.relations, rel)
	log.Debug("ports connected", zap.String("model", m.name), zap.Stringer("relation", rel))
	return nil
}

func (m *Model) inDegreeLocked(p *port.Port) int {
	n := 0
	for _, rel := range m.relations {
		if rel.To == p && !rel.From.IsRemoved() {
			n++
		}
	}
	for _, e := range m.externals {
		if e.to == p {
			n++
		}
	}
	return n
}

// ExposeInput creates an external input named name feeding the input port
// named to.
func (m *Model) ExposeInput(ctx context.Context, name, to string) (*ExternalInput, error) {
	var ext *ExternalInput
	err := m.ws.WriteAccess(ctx, func() error {
		toPort, err := m.lookupPort(to)
		if err != nil {
			return err
		}
		if !toPort.IsInput() {
			return cerror.ErrPortDirection.GenWithStackByArgs(toPort.FullName(), port.Input.String())
		}
		for _, e := range m.externals {
			if e.name == name {
				return cerror.ErrPortAlreadyExists.GenWithStackByArgs(name)
			}
		}
		if !toPort.IsMultiport() && m.inDegreeLocked(toPort) > 0 {
			return cerror.ErrPortArityExceeded.GenWithStackByArgs(toPort.FullName())
		}
		ext = &ExternalInput{name: name, to: toPort}
		m.externals = append(m.externals, ext)
		return nil
	})
	return ext, err
}

// Relations returns the relations between ports that have not been removed.
func (m *Model) Relations(ctx context.Context) ([]Relation, error) {
	var relations []Relation
	err := m.ws.ReadAccess(ctx, func() error {
		for _, rel := range m.relations {
			if rel.From.IsRemoved() || rel.To.IsRemoved() {
				continue
			}
			relations = append(relations, rel)
		}
		return nil
	})
	return relations, err
}

// Externals returns the external inputs of the model.
func (m *Model) Externals(ctx context.Context) ([]*ExternalInput, error) {
	var externals []*ExternalInput
	err := m.ws.ReadAccess(ctx, func() error {
		for _, e := range m.externals {
			if e.to.IsRemoved() {
				continue
			}
			externals = append(externals, e)
		}
		return nil
	})
	return externals, err
}

// HasExternalInputs returns whether the model is fed from outside.
func (m *Model) HasExternalInputs(ctx context.Context) (bool, error) {
	externals, err := m.Externals(ctx)
	return len(externals) > 0, err
}
