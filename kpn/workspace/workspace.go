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

package workspace

import (
	"context"
	"sync"

	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type ctxKey string

const ctxKeyAccessor = ctxKey("accessor")

// UnknownAccessor is the accessor of contexts that carry no accessor.
const UnknownAccessor = "unknown"

// WithAccessor returns a context identifying the holder of workspace access.
// Access is reentrant per accessor, so every goroutine that may contend for
// the workspace should use its own accessor name.
func WithAccessor(ctx context.Context, accessor string) context.Context {
	return context.WithValue(ctx, ctxKeyAccessor, accessor)
}

// AccessorFromCtx returns the accessor carried by ctx.
func AccessorFromCtx(ctx context.Context) string {
	accessor, ok := ctx.Value(ctxKeyAccessor).(string)
	if !ok {
		return UnknownAccessor
	}
	return accessor
}

// Workspace is a multiple-reader single-writer lock protecting the topology
// of a model, plus a version counter bumped whenever write access is released.
//
// Read access is reentrant. An accessor holding write access may also read.
// Write access is granted only when no other accessor holds read access.
type Workspace struct {
	name string

	mu         sync.Mutex
	cond       *sync.Cond
	readers    map[string]int
	writer     string
	writeDepth int

	version atomic.Int64
}

// New creates a workspace.
func New(name string) *Workspace {
	w := &Workspace{
		name:    name,
		readers: make(map[string]int),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Name returns the name of the workspace.
func (w *Workspace) Name() string {
	return w.name
}

// Version returns the number of released write accesses.
func (w *Workspace) Version() int64 {
	return w.version.Load()
}

// wait blocks on the condition until ready returns true or ctx is done.
// It must be called with w.mu held.
func (w *Workspace) wait(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.cond.Broadcast()
	})
	defer stop()
	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cond.Wait()
	}
	return nil
}

// RLock acquires read access for the accessor of ctx.
func (w *Workspace) RLock(ctx context.Context) error {
	accessor := AccessorFromCtx(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.wait(ctx, func() bool {
		return w.writer == "" || w.writer == accessor || w.readers[accessor] > 0
	})
	if err != nil {
		return err
	}
	w.readers[accessor]++
	return nil
}

// RUnlock releases one read access of the accessor of ctx.
func (w *Workspace) RUnlock(ctx context.Context) error {
	accessor := AccessorFromCtx(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.readers[accessor]
	if n == 0 {
		log.Warn("release read access that is not held",
			zap.String("workspace", w.name), zap.String("accessor", accessor))
		return cerror.ErrWorkspaceAccess.GenWithStackByArgs(accessor, "read")
	}
	if n == 1 {
		delete(w.readers, accessor)
		w.cond.Broadcast()
	} else {
		w.readers[accessor] = n - 1
	}
	return nil
}

// Lock acquires write access for the accessor of ctx.
func (w *Workspace) Lock(ctx context.Context) error {
	accessor := AccessorFromCtx(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == accessor {
		w.writeDepth++
		return nil
	}
	err := w.wait(ctx, func() bool {
		if w.writer != "" {
			return false
		}
		for reader := range w.readers {
			if reader != accessor {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	w.writer = accessor
	w.writeDepth = 1
	return nil
}

// Unlock releases one write access of the accessor of ctx.
func (w *Workspace) Unlock(ctx context.Context) error {
	accessor := AccessorFromCtx(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != accessor {
		log.Warn("release write access that is not held",
			zap.String("workspace", w.name), zap.String("accessor", accessor),
			zap.String("writer", w.writer))
		return cerror.ErrWorkspaceAccess.GenWithStackByArgs(accessor, "write")
	}
	w.writeDepth--
	if w.writeDepth == 0 {
		w.writer = ""
		w.version.Inc()
		w.cond.Broadcast()
	}
	return nil
}

// ReadAccess runs fn while holding read access.
func (w *Workspace) ReadAccess(ctx context.Context, fn func() error) error {
	if err := w.RLock(ctx); err != nil {
		return err
	}
	err := fn()
	if uerr := w.RUnlock(ctx); err == nil {
		err = uerr
	}
	return err
}

// WriteAccess runs fn while holding write access.
func (w *Workspace) WriteAccess(ctx context.Context, fn func() error) error {
	if err := w.Lock(ctx); err != nil {
		return err
	}
	err := fn()
	if uerr := w.Unlock(ctx); err == nil {
		err = uerr
	}
	return err
}
