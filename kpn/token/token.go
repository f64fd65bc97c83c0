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

package token

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Token is an immutable unit of data flowing through a process network.
// The same *Token is shared by every receiver an output port broadcasts to,
// so none of its fields may change after creation.
type Token struct {
	id      uint64
	payload interface{}

	seqID    string
	position int
	last     bool
	causalID uint64
}

// ID returns the factory assigned identity of the token.
func (t *Token) ID() uint64 {
	return t.id
}

// Payload returns the wrapped value.
func (t *Token) Payload() interface{} {
	return t.payload
}

// SequenceID returns the id of the sequence this token belongs to, or an
// empty string if the token is not part of a sequence.
func (t *Token) SequenceID() string {
	return t.seqID
}

// HasSequence returns whether the token carries sequencing metadata.
func (t *Token) HasSequence() bool {
	return t.seqID != ""
}

// Position returns the zero based position of the token in its sequence.
func (t *Token) Position() int {
	return t.position
}

// IsEndOfSequence returns whether the token is the last one of its sequence.
func (t *Token) IsEndOfSequence() bool {
	return t.last
}

// IsStartOfSequence returns whether the token is the first one of its sequence.
func (t *Token) IsStartOfSequence() bool {
	return t.HasSequence() && t.position == 0
}

// CausalID returns the id of the token that caused this one, or zero.
func (t *Token) CausalID() uint64 {
	return t.causalID
}

func (t *Token) String() string {
	if !t.HasSequence() {
		return fmt.Sprintf("token(%d, %v)", t.id, t.payload)
	}
	return fmt.Sprintf("token(%d, %v, seq=%s, pos=%d, last=%t)",
		t.id, t.payload, t.seqID, t.position, t.last)
}

// Factory creates tokens with unique ids within one run.
type Factory struct {
	runID  string
	nextID atomic.Uint64
}

// NewFactory creates a token factory.
func NewFactory() *Factory {
	return &Factory{runID: uuid.New().String()}
}

// RunID returns the random id identifying this factory.
func (f *Factory) RunID() string {
	return f.runID
}

// New wraps payload into a new token.
func (f *Factory) New(payload interface{}) *Token {
	return &Token{
		id:      f.nextID.Inc(),
		payload: payload,
	}
}

// Derive creates a new token whose causal id references parent.
func (f *Factory) Derive(parent *Token, payload interface{}) *Token {
	tok := f.New(payload)
	if parent != nil {
		tok.causalID = parent.id
	}
	return tok
}

// NewSequenceID returns a fresh sequence id.
func (f *Factory) NewSequenceID() string {
	return uuid.New().String()
}

// Sequence creates a sequence tagged copy of parent. The copy shares the
// payload of parent and references it through its causal id.
func (f *Factory) Sequence(parent *Token, seqID string, position int, last bool) *Token {
	tok := f.Derive(parent, parent.Payload())
	tok.seqID = seqID
	tok.position = position
	tok.last = last
	return tok
}
