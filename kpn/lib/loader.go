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
	"context"
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/model"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultModelName = "model"

// ActorConfig describes one actor of a model file.
type ActorConfig struct {
	Name   string                 `toml:"name" json:"name"`
	Kind   string                 `toml:"kind" json:"kind"`
	Params map[string]interface{} `toml:"params" json:"params"`
}

// ConnectionConfig connects the output port From to the input port To.
// Ports are named "actor.port".
type ConnectionConfig struct {
	From string `toml:"from" json:"from"`
	To   string `toml:"to" json:"to"`
}

// ModelConfig is the description of a model, usually decoded from a TOML
// file:
//
//	name = "pipeline"
//
//	[[actor]]
//	name = "src"
//	kind = "sequence"
//	params = { values = [1, 2, 3] }
//
//	[[connection]]
//	from = "src.output"
//	to = "rec.input"
type ModelConfig struct {
	Name        string              `toml:"name" json:"name"`
	Actors      []*ActorConfig      `toml:"actor" json:"actor"`
	Connections []*ConnectionConfig `toml:"connection" json:"connection"`
}

// ValidateAndAdjust validates the model config and fills in defaults.
func (c *ModelConfig) ValidateAndAdjust() error {
	if c.Name == "" {
		c.Name = defaultModelName
	}
	names := make(map[string]struct{}, len(c.Actors))
	for i, a := range c.Actors {
		if a == nil || a.Name == "" {
			return cerror.ErrInvalidModel.GenWithStackByArgs(fmt.Sprintf("actor #%d has no name", i))
		}
		if a.Kind == "" {
			return cerror.ErrInvalidModel.GenWithStackByArgs(fmt.Sprintf("actor %s has no kind", a.Name))
		}
		if _, ok := names[a.Name]; ok {
			return cerror.ErrInvalidModel.GenWithStackByArgs(fmt.Sprintf("actor %s is defined twice", a.Name))
		}
		names[a.Name] = struct{}{}
	}
	for i, conn := range c.Connections {
		if conn == nil || conn.From == "" || conn.To == "" {
			return cerror.ErrInvalidModel.GenWithStackByArgs(fmt.Sprintf("connection #%d is incomplete", i))
		}
	}
	return nil
}

// Build creates the model described by cfg.
func (r *Registry) Build(ctx context.Context, cfg *ModelConfig) (*model.Model, error) {
	if err := cfg.ValidateAndAdjust(); err != nil {
		return nil, err
	}
	m := model.New(cfg.Name)
	rc := m.NewRunContext()
	for _, ac := range cfg.Actors {
		a, err := r.New(ac.Kind, rc, ac.Name, config.NewParameters(ac.Params))
		if err != nil {
			return nil, errors.Annotatef(err, "create actor %s", ac.Name)
		}
		if err := m.AddActor(ctx, a); err != nil {
			return nil, err
		}
	}
	for _, conn := range cfg.Connections {
		if err := m.Connect(ctx, conn.From, conn.To); err != nil {
			return nil, errors.Annotatef(err, "connect %s to %s", conn.From, conn.To)
		}
	}
	log.Info("model built",
		zap.String("model", cfg.Name),
		zap.Int("actors", len(cfg.Actors)),
		zap.Int("connections", len(cfg.Connections)))
	return m, nil
}
