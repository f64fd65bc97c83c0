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

package lib

import (
	"sort"
	"sync"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/lib/loop"
	"github.com/pingcap/kpnflow/kpn/lib/merge"
	"github.com/pingcap/kpnflow/kpn/lib/sink"
	"github.com/pingcap/kpnflow/kpn/lib/source"
	"github.com/pingcap/kpnflow/kpn/lib/synchronizer"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
)

// Kind names of the built-in actors.
const (
	KindSequence     = "sequence"
	KindTicker       = "ticker"
	KindRecorder     = "recorder"
	KindLoop         = "loop"
	KindSynchronizer = "synchronizer"
	KindMerge        = "merge"
)

// Constructor creates an actor of some kind.
type Constructor func(rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error)

// Registry maps actor kinds to their constructors.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Constructor
}

// NewRegistry creates a registry holding the built-in actors.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Constructor)}
	r.Register(KindSequence, source.NewSequence)
	r.Register(KindTicker, source.NewTicker)
	r.Register(KindRecorder, sink.New)
	r.Register(KindLoop, loop.New)
	r.Register(KindSynchronizer, synchronizer.New)
	r.Register(KindMerge, merge.New)
	return r
}

// Register adds or replaces the constructor of kind.
func (r *Registry) Register(kind string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = c
}

// New creates an actor of kind.
func (r *Registry) New(kind string, rc *actor.RunContext, name string, params *config.Parameters) (*actor.Actor, error) {
	r.mu.RLock()
	c, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, cerror.ErrUnknownActorKind.GenWithStackByArgs(kind)
	}
	return c(rc, name, params)
}

// Kinds returns the registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
