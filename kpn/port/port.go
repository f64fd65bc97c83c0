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

package port

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/receiver"
	"github.com/pingcap/kpnflow/kpn/token"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
)

// Direction is the direction of a port.
type Direction int

// Directions
const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	}
	return "unknown"
}

// Port is a named connection point of an actor. An input port reads from the
// receivers of its channels, an output port broadcasts to the receivers of
// the input ports it is connected to.
type Port struct {
	name      string
	owner     string
	direction Direction
	multiport bool
	control   bool

	mu        sync.RWMutex
	receivers []*receiver.Receiver
	exhausted []bool
	remotes   []*receiver.Receiver
	removed   bool
	monitor   receiver.Monitor

	// state of GetAny
	anyMu      sync.Mutex
	anyCond    *sync.Cond
	anyGen     uint64
	anyBlocked bool
}

// Option configures a Port.
type Option func(p *Port)

// Multiport allows the port to be connected to more than one channel.
func Multiport() Option {
	return func(p *Port) {
		p.multiport = true
	}
}

// Control marks the port as a control port of the actor life cycle.
func Control() Option {
	return func(p *Port) {
		p.control = true
	}
}

// New creates a port owned by the actor named owner.
func New(owner, name string, direction Direction, opts ...Option) *Port {
	p := &Port{
		name:      name,
		owner:     owner,
		direction: direction,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.anyCond = sync.NewCond(&p.anyMu)
	return p
}

// Name returns the name of the port.
func (p *Port) Name() string {
	return p.name
}

// Owner returns the name of the actor owning the port.
func (p *Port) Owner() string {
	return p.owner
}

// FullName returns the name of the port qualified by its owner.
func (p *Port) FullName() string {
	return p.owner + "." + p.name
}

// Direction returns the direction of the port.
func (p *Port) Direction() Direction {
	return p.direction
}

// IsInput returns whether the port is an input port.
func (p *Port) IsInput() bool {
	return p.direction == Input
}

// IsOutput returns whether the port is an output port.
func (p *Port) IsOutput() bool {
	return p.direction == Output
}

// IsMultiport returns whether the port accepts more than one channel.
func (p *Port) IsMultiport() bool {
	return p.multiport
}

// IsControl returns whether the port is a life cycle control port.
func (p *Port) IsControl() bool {
	return p.control
}

// MarkRemoved marks the port as removed from its actor.
func (p *Port) MarkRemoved() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = true
}

// IsRemoved returns whether the port has been removed from its actor.
func (p *Port) IsRemoved() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.removed
}

func (p *Port) checkDirection(d Direction) error {
	if p.direction != d {
		return cerror.ErrPortDirection.GenWithStackByArgs(p.FullName(), d.String())
	}
	return nil
}

// SetMonitor sets the monitor GetAny reports blocking to.
func (p *Port) SetMonitor(m receiver.Monitor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.monitor = m
}

// SetReceivers installs the receivers of an input port, one per channel,
// and clears the exhausted state of every channel.
func (p *Port) SetReceivers(receivers []*receiver.Receiver) error {
	if err := p.checkDirection(Input); err != nil {
		return err
	}
	p.mu.Lock()
	p.receivers = receivers
	p.exhausted = make([]bool, len(receivers))
	p.mu.Unlock()
	for _, r := range receivers {
		r.OnChange(p.notifyAny)
	}
	return nil
}

// Receivers returns the receivers of an input port.
func (p *Port) Receivers() []*receiver.Receiver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*receiver.Receiver(nil), p.receivers...)
}

// SetRemotes installs the downstream receivers of an output port.
func (p *Port) SetRemotes(remotes []*receiver.Receiver) error {
	if err := p.checkDirection(Output); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remotes = remotes
	return nil
}

// Remotes returns the downstream receivers of an output port.
func (p *Port) Remotes() []*receiver.Receiver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*receiver.Receiver(nil), p.remotes...)
}

// Width returns the number of channels of the port.
func (p *Port) Width() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.direction == Input {
		return len(p.receivers)
	}
	return len(p.remotes)
}

// IsConnected returns whether the port has at least one channel.
func (p *Port) IsConnected() bool {
	return p.Width() > 0
}

func (p *Port) receiver(ch int) *receiver.Receiver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ch < 0 || ch >= len(p.receivers) {
		return nil
	}
	return p.receivers[ch]
}

func (p *Port) markExhausted(ch int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch < len(p.exhausted) {
		p.exhausted[ch] = true
	}
}

// Get reads a token from channel ch of an input port, blocking until a token
// arrives. It returns false once the channel has no more data, and marks
// the channel exhausted.
func (p *Port) Get(ch int) (*token.Token, bool) {
	r := p.receiver(ch)
	if r == nil {
		return nil, false
	}
	tok, ok := r.Get()
	if !ok {
		p.markExhausted(ch)
	}
	return tok, ok
}

// HasToken returns whether channel ch holds a token.
func (p *Port) HasToken(ch int) bool {
	r := p.receiver(ch)
	return r != nil && r.HasToken()
}

// GetAny reads a token from any channel of an input port, blocking until a
// token arrives on one of them. It returns the token and its channel, or
// false once every channel is exhausted.
func (p *Port) GetAny() (*token.Token, int, bool) {
	for {
		p.anyMu.Lock()
		gen := p.anyGen
		p.anyMu.Unlock()

		p.mu.RLock()
		receivers, exhausted := p.receivers, append([]bool(nil), p.exhausted...)
		monitor := p.monitor
		p.mu.RUnlock()

		live := 0
		for ch, r := range receivers {
			if exhausted[ch] {
				continue
			}
			if tok, ok := r.TryGet(); ok {
				return tok, ch, true
			}
			if r.IsExhausted() {
				p.markExhausted(ch)
				continue
			}
			live++
		}
		if live == 0 {
			return nil, -1, false
		}

		p.anyMu.Lock()
		if p.anyGen == gen {
			p.anyBlocked = true
			if monitor != nil {
				monitor.ReadBlocked(p.endpoint(receivers))
			}
			for p.anyGen == gen {
				p.anyCond.Wait()
			}
		}
		p.anyMu.Unlock()
	}
}

func (p *Port) endpoint(receivers []*receiver.Receiver) receiver.Endpoint {
	e := receiver.Endpoint{Reader: p.owner}
	for _, r := range receivers {
		if r.Endpoint().External {
			e.External = true
		}
	}
	return e
}

// notifyAny is invoked by the receivers of the port whenever a token is put
// or finish is requested. It runs in the thread of the writer, so the reader
// is cleared from the monitor before the writer can suspend elsewhere.
func (p *Port) notifyAny() {
	p.mu.RLock()
	receivers, monitor := p.receivers, p.monitor
	p.mu.RUnlock()

	p.anyMu.Lock()
	defer p.anyMu.Unlock()
	p.anyGen++
	if p.anyBlocked {
		p.anyBlocked = false
		if monitor != nil {
			monitor.ReadUnblocked(p.endpoint(receivers))
		}
	}
	p.anyCond.Broadcast()
}

// IsExhausted returns whether channel ch has signaled the end of its data.
func (p *Port) IsExhausted(ch int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ch < 0 || ch >= len(p.exhausted) {
		return true
	}
	return p.exhausted[ch]
}

// AllExhausted returns whether every channel of an input port is exhausted.
// An unconnected port is exhausted.
func (p *Port) AllExhausted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.exhausted {
		if !e {
			return false
		}
	}
	return true
}

// RequestFinish requests finish on every receiver of an input port.
func (p *Port) RequestFinish() {
	for _, r := range p.Receivers() {
		r.RequestFinish()
	}
}

// RequestFinishRemote requests finish on every downstream receiver of an
// output port.
func (p *Port) RequestFinishRemote() {
	for _, r := range p.Remotes() {
		r.RequestFinish()
	}
}

// Broadcast sends tok to every downstream receiver of an output port.
// Receivers that have finished are skipped. ErrReceiverTerminated is
// returned only if the port is connected and none of its receivers is live.
func (p *Port) Broadcast(tok *token.Token) error {
	if err := p.checkDirection(Output); err != nil {
		return err
	}
	remotes := p.Remotes()
	var terminated error
	delivered := 0
	for _, r := range remotes {
		err := r.Put(tok)
		if err == nil {
			delivered++
			continue
		}
		if cerror.ErrReceiverTerminated.Equal(err) {
			terminated = err
			continue
		}
		return errors.Trace(err)
	}
	if len(remotes) > 0 && delivered == 0 {
		return terminated
	}
	return nil
}

// Send sends tok to channel ch of an output port.
func (p *Port) Send(ch int, tok *token.Token) error {
	if err := p.checkDirection(Output); err != nil {
		return err
	}
	p.mu.RLock()
	if ch < 0 || ch >= len(p.remotes) {
		p.mu.RUnlock()
		return nil
	}
	r := p.remotes[ch]
	p.mu.RUnlock()
	return r.Put(tok)
}
