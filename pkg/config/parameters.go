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

package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	cerror "github.com/pingcap/kpnflow/pkg/errors"
)

// Well known parameter names.
const (
	ParamReceiverCapacity    = "Receiver Q Capacity"
	ParamReceiverWarningSize = "Receiver Q warning size"
)

// Parameters holds the named configuration values of an actor. Values are
// set before a run and read by the actor at the start of every initialize.
type Parameters struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewParameters creates a parameter set holding values.
func NewParameters(values map[string]interface{}) *Parameters {
	p := &Parameters{values: make(map[string]interface{}, len(values))}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// Set sets a parameter.
func (p *Parameters) Set(name string, value interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values == nil {
		p.values = make(map[string]interface{})
	}
	p.values[name] = value
}

// Has returns whether the parameter is set.
func (p *Parameters) Has(name string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.values[name]
	return ok
}

// Names returns the sorted names of all parameters.
func (p *Parameters) Names() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.values))
	for k := range p.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p *Parameters) get(name string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

func invalidParam(name string, v interface{}, kind string) error {
	return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
		fmt.Sprintf("parameter %q value %v is not %s", name, v, kind))
}

// Int returns an integer parameter, or def if it is not set.
func (p *Parameters) Int(name string, def int) (int, error) {
	v, ok := p.get(name)
	if !ok {
		return def, nil
	}
	n, ok := ToInt(v)
	if !ok {
		return 0, invalidParam(name, v, "an integer")
	}
	return n, nil
}

// ToInt converts an integral value decoded from a config file or carried
// by a token to an int.
func ToInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// String returns a string parameter, or def if it is not set.
func (p *Parameters) String(name string, def string) (string, error) {
	v, ok := p.get(name)
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidParam(name, v, "a string")
	}
	return s, nil
}

// Bool returns a boolean parameter, or def if it is not set.
func (p *Parameters) Bool(name string, def bool) (bool, error) {
	v, ok := p.get(name)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err == nil {
			return b, nil
		}
	}
	return false, invalidParam(name, v, "a boolean")
}

// Values returns a list parameter, or nil if it is not set.
func (p *Parameters) Values(name string) ([]interface{}, error) {
	v, ok := p.get(name)
	if !ok {
		return nil, nil
	}
	switch x := v.(type) {
	case []interface{}:
		return append([]interface{}(nil), x...), nil
	case []string:
		ret := make([]interface{}, 0, len(x))
		for _, s := range x {
			ret = append(ret, s)
		}
		return ret, nil
	case []int:
		ret := make([]interface{}, 0, len(x))
		for _, n := range x {
			ret = append(ret, n)
		}
		return ret, nil
	case []int64:
		ret := make([]interface{}, 0, len(x))
		for _, n := range x {
			ret = append(ret, n)
		}
		return ret, nil
	}
	return nil, invalidParam(name, v, "a list")
}

// IntSlice returns a list parameter of integers.
func (p *Parameters) IntSlice(name string) ([]int, error) {
	values, err := p.Values(name)
	if err != nil {
		return nil, err
	}
	ret := make([]int, 0, len(values))
	for _, v := range values {
		n, ok := ToInt(v)
		if !ok {
			return nil, invalidParam(name, v, "a list of integers")
		}
		ret = append(ret, n)
	}
	return ret, nil
}
