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
	"encoding/json"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/kpnflow/pkg/logutil"
)

// Postfire policies of a director.
const (
	// PostfireExternalAware keeps a model with external inputs running
	// while actor threads are active, unless a stop was requested.
	PostfireExternalAware = "external-aware"
	// PostfireConjunction keeps a model running while every actor does.
	PostfireConjunction = "conjunction"
)

// InfiniteCapacity disables the receiver queue bound.
const InfiniteCapacity = -1

// TomlDuration is a duration with a custom json decoder and toml decoder
type TomlDuration time.Duration

// UnmarshalText is the toml decoder
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// MarshalText is the toml encoder
func (d TomlDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalJSON is the json decoder
func (d *TomlDuration) UnmarshalJSON(b []byte) error {
	var stdDuration time.Duration
	if err := json.Unmarshal(b, &stdDuration); err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// DirectorConfig represents the receiver and scheduling policy of a director.
type DirectorConfig struct {
	// ReceiverQueueCapacity is the default capacity of the receivers created
	// by the director, -1 means infinite.
	ReceiverQueueCapacity int `toml:"receiver-queue-capacity" json:"receiver-queue-capacity"`
	// ReceiverQueueWarningSize is the default queue size at which a
	// receiver reports a warning, 0 means never.
	ReceiverQueueWarningSize int          `toml:"receiver-queue-warning-size" json:"receiver-queue-warning-size"`
	PostfirePolicy           string       `toml:"postfire-policy" json:"postfire-policy"`
	DeadlockCheckInterval    TomlDuration `toml:"deadlock-check-interval" json:"deadlock-check-interval"`
	EnableValidation         bool         `toml:"enable-validation" json:"enable-validation"`
	ValidationErrorsFatal    bool         `toml:"validation-errors-fatal" json:"validation-errors-fatal"`
}

// NewDefaultDirectorConfig returns the default director config.
func NewDefaultDirectorConfig() *DirectorConfig {
	return &DirectorConfig{
		ReceiverQueueCapacity:    InfiniteCapacity,
		ReceiverQueueWarningSize: 0,
		PostfirePolicy:           PostfireExternalAware,
		DeadlockCheckInterval:    TomlDuration(100 * time.Millisecond),
		EnableValidation:         true,
		ValidationErrorsFatal:    false,
	}
}

// ValidateAndAdjust validates and adjusts the director configuration
func (c *DirectorConfig) ValidateAndAdjust() error {
	if c.ReceiverQueueCapacity == 0 || c.ReceiverQueueCapacity < InfiniteCapacity {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("receiver-queue-capacity %d must be positive or %d",
				c.ReceiverQueueCapacity, InfiniteCapacity))
	}
	if c.ReceiverQueueWarningSize < 0 {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("receiver-queue-warning-size %d is negative", c.ReceiverQueueWarningSize))
	}
	switch c.PostfirePolicy {
	case "":
		c.PostfirePolicy = PostfireExternalAware
	case PostfireExternalAware, PostfireConjunction:
	default:
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("unknown postfire-policy %s", c.PostfirePolicy))
	}
	if c.DeadlockCheckInterval <= 0 {
		c.DeadlockCheckInterval = TomlDuration(100 * time.Millisecond)
	}
	return nil
}

// EngineConfig represents the configuration of the kpn command.
type EngineConfig struct {
	LogFile    string          `toml:"log-file" json:"log-file"`
	LogLevel   string          `toml:"log-level" json:"log-level"`
	Log        *LogConfig      `toml:"log" json:"log"`
	StatusAddr string          `toml:"status-addr" json:"status-addr"`
	Director   *DirectorConfig `toml:"director" json:"director"`
}

// LogConfig represents the log rotation configuration.
type LogConfig struct {
	File *LogFileConfig `toml:"file" json:"file"`
}

// LogFileConfig represents the rotation of the log file.
type LogFileConfig struct {
	MaxSize    int `toml:"max-size" json:"max-size"`
	MaxDays    int `toml:"max-days" json:"max-days"`
	MaxBackups int `toml:"max-backups" json:"max-backups"`
}

// NewDefaultEngineConfig returns the default engine config.
func NewDefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		LogLevel: "info",
		Log: &LogConfig{
			File: &LogFileConfig{
				MaxSize: 300,
			},
		},
		Director: NewDefaultDirectorConfig(),
	}
}

// ValidateAndAdjust validates and adjusts the engine configuration
func (c *EngineConfig) ValidateAndAdjust() error {
	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.File == nil {
		c.Log.File = &LogFileConfig{}
	}
	if c.Director == nil {
		c.Director = NewDefaultDirectorConfig()
	}
	return errors.Trace(c.Director.ValidateAndAdjust())
}

// LogutilConfig converts the log configuration for logutil.InitLogger.
func (c *EngineConfig) LogutilConfig() *logutil.Config {
	cfg := &logutil.Config{
		Level: c.LogLevel,
		File:  c.LogFile,
	}
	if c.Log != nil && c.Log.File != nil {
		cfg.FileMaxSize = c.Log.File.MaxSize
		cfg.FileMaxDays = c.Log.File.MaxDays
		cfg.FileMaxBackups = c.Log.File.MaxBackups
	}
	return cfg
}

// String implements fmt.Stringer
func (c *EngineConfig) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("%+v", *c)
	}
	return string(cfg)
}

// Decode decodes a toml string into the config. Unknown keys are rejected.
func (c *EngineConfig) Decode(data string) error {
	meta, err := toml.Decode(data, c)
	if err != nil {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(err.Error())
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cerror.ErrInvalidConfiguration.GenWithStackByArgs(
			fmt.Sprintf("unknown configuration options %v", undecoded))
	}
	return nil
}
