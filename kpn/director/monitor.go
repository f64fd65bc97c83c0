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

package director

import (
	"sort"
	"strings"

	"github.com/pingcap/kpnflow/kpn/actor"
	"github.com/pingcap/kpnflow/kpn/receiver"
)

type quiescence int

const (
	running quiescence = iota
	allDone
	waitingExternal
	deadlocked
)

// thread is the view the monitor keeps of one actor thread.
type thread struct {
	actor        *actor.Actor
	readBlocked  int
	writeBlocked int
	external     int
	done         bool
	err          error
}

func (t *thread) isBlocked() bool {
	if r, ok := t.actor.Behavior().(actor.BlockStateReporter); ok {
		return r.IsBlocked(t.readBlocked, t.writeBlocked)
	}
	return t.readBlocked+t.writeBlocked > 0
}

// blockMonitor counts the blocked reads and writes of every actor thread.
// It is invoked by receivers and ports with their own lock held, so it must
// never call back into them.
type blockMonitor struct {
	d *Director
}

var _ receiver.Monitor = blockMonitor{}

func (m blockMonitor) update(name string, fn func(t *thread)) {
	d := m.d
	d.mu.Lock()
	if t, ok := d.threads[name]; ok {
		fn(t)
		d.changes++
	}
	d.mu.Unlock()
	d.notify()
}

// ReadBlocked implements receiver.Monitor.
func (m blockMonitor) ReadBlocked(e receiver.Endpoint) {
	m.update(e.Reader, func(t *thread) {
		t.readBlocked++
		if e.External {
			t.external++
		}
	})
}

// ReadUnblocked implements receiver.Monitor.
func (m blockMonitor) ReadUnblocked(e receiver.Endpoint) {
	m.update(e.Reader, func(t *thread) {
		if t.readBlocked > 0 {
			t.readBlocked--
		}
		if e.External && t.external > 0 {
			t.external--
		}
	})
}

// WriteBlocked implements receiver.Monitor.
func (m blockMonitor) WriteBlocked(e receiver.Endpoint) {
	m.update(e.Writer, func(t *thread) {
		t.writeBlocked++
	})
}

// WriteUnblocked implements receiver.Monitor.
func (m blockMonitor) WriteUnblocked(e receiver.Endpoint) {
	m.update(e.Writer, func(t *thread) {
		if t.writeBlocked > 0 {
			t.writeBlocked--
		}
	})
}

// quiescenceLocked classifies the threads. The description lists the
// blocked actors and is only meaningful for a deadlock.
func (d *Director) quiescenceLocked() (quiescence, string) {
	active, blocked, external := 0, 0, false
	var desc []string
	for name, t := range d.threads {
		if t.done {
			continue
		}
		active++
		if !t.isBlocked() {
			continue
		}
		blocked++
		if t.external > 0 {
			external = true
		}
		switch {
		case t.readBlocked > 0 && t.writeBlocked > 0:
			desc = append(desc, name+"(read,write)")
		case t.writeBlocked > 0:
			desc = append(desc, name+"(write)")
		default:
			desc = append(desc, name+"(read)")
		}
	}
	switch {
	case active == 0:
		return allDone, ""
	case blocked < active:
		return running, ""
	case external:
		return waitingExternal, ""
	}
	sort.Strings(desc)
	return deadlocked, strings.Join(desc, ", ")
}
