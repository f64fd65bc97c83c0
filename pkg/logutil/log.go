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

package logutil

import (
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLogLevel      = "info"
	defaultFileMaxSize   = 300 // MB
	defaultFileMaxDays   = 0
	defaultFileMaxBackup = 0
)

// Config serializes log related config in toml/json.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// Adjust adjusts config
func (cfg *Config) Adjust() {
	if len(cfg.Level) == 0 {
		cfg.Level = defaultLogLevel
	}
	if cfg.Level == "warning" {
		cfg.Level = "warn"
	}
	if cfg.FileMaxSize == 0 {
		cfg.FileMaxSize = defaultFileMaxSize
	}
	if cfg.FileMaxDays == 0 {
		cfg.FileMaxDays = defaultFileMaxDays
	}
	if cfg.FileMaxBackups == 0 {
		cfg.FileMaxBackups = defaultFileMaxBackup
	}
}

// InitLogger initializes logger and replaces the global logger of pingcap/log.
func InitLogger(cfg *Config) error {
	cfg.Adjust()
	pclogConfig := &log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	}

	lg, props, err := log.InitLogger(pclogConfig)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

// SetLogLevel changes the log level of the global logger.
func SetLogLevel(level string) error {
	var lv zapcore.Level
	err := lv.UnmarshalText([]byte(strings.ToLower(level)))
	if err != nil {
		return errors.Trace(err)
	}
	if log.GetLevel() == lv {
		return nil
	}
	log.SetLevel(lv)
	return nil
}

// ZapErrorFilter wraps zap.Error, if err is in given filters, it returns a nil error field.
func ZapErrorFilter(err error, filterErrors ...error) zap.Field {
	cause := errors.Cause(err)
	for _, ferr := range filterErrors {
		if cause == ferr {
			return zap.Error(nil)
		}
	}
	return zap.Error(err)
}

// Named returns a child of lg with the given name. The global logger is used
// when lg is nil.
func Named(lg *zap.Logger, name string) *zap.Logger {
	if lg == nil {
		lg = log.L()
	}
	return lg.Named(name)
}
