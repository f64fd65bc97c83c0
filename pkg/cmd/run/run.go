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

package run

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/director"
	"github.com/pingcap/kpnflow/kpn/lib"
	"github.com/pingcap/kpnflow/kpn/lib/sink"
	"github.com/pingcap/kpnflow/kpn/model"
	"github.com/pingcap/kpnflow/pkg/cmd/util"
	"github.com/pingcap/kpnflow/pkg/config"
	cerror "github.com/pingcap/kpnflow/pkg/errors"
	"github.com/pingcap/kpnflow/pkg/logutil"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `run` command.
type options struct {
	configFilePath string
	modelFilePath  string
	handleSignals  bool

	engineConfig *config.EngineConfig
}

// newOptions creates new options for the `run` command.
func newOptions() *options {
	return &options{
		engineConfig: config.NewDefaultEngineConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to model execution to it.
func (o *options) addFlags(cmd *cobra.Command) {
	defaultConfig := config.NewDefaultEngineConfig()
	cmd.Flags().StringVar(&o.modelFilePath, "model", "", "Path of the model file")
	cmd.Flags().StringVar(&o.configFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.engineConfig.LogFile, "log-file", defaultConfig.LogFile, "log file path")
	cmd.Flags().StringVar(&o.engineConfig.LogLevel, "log-level", defaultConfig.LogLevel, "log level (etc: debug|info|warn|error)")
	cmd.Flags().StringVar(&o.engineConfig.StatusAddr, "status-addr", defaultConfig.StatusAddr, "Set the listening address of the status server, empty to disable it")
	cmd.Flags().IntVar(&o.engineConfig.Director.ReceiverQueueCapacity, "receiver-queue-capacity",
		defaultConfig.Director.ReceiverQueueCapacity, "capacity of the receiver queues, -1 means infinite")
	cmd.Flags().StringVar(&o.engineConfig.Director.PostfirePolicy, "postfire-policy",
		defaultConfig.Director.PostfirePolicy, "postfire policy of the director (etc: external-aware|conjunction)")
	_ = cmd.MarkFlagRequired("model")
}

func (o *options) loadAndVerifyConfig(cmd *cobra.Command) (*config.EngineConfig, error) {
	conf := config.NewDefaultEngineConfig()
	if len(o.configFilePath) > 0 {
		if err := util.StrictDecodeFile(o.configFilePath, "kpn engine", conf); err != nil {
			return nil, err
		}
	}
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "log-file":
			conf.LogFile = o.engineConfig.LogFile
		case "log-level":
			conf.LogLevel = o.engineConfig.LogLevel
		case "status-addr":
			conf.StatusAddr = o.engineConfig.StatusAddr
		case "receiver-queue-capacity":
			if conf.Director == nil {
				conf.Director = config.NewDefaultDirectorConfig()
			}
			conf.Director.ReceiverQueueCapacity = o.engineConfig.Director.ReceiverQueueCapacity
		case "postfire-policy":
			if conf.Director == nil {
				conf.Director = config.NewDefaultDirectorConfig()
			}
			conf.Director.PostfirePolicy = o.engineConfig.Director.PostfirePolicy
		case "model", "config":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})
	if err := conf.ValidateAndAdjust(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

func loadModel(ctx context.Context, path string) (*model.Model, error) {
	if path == "" {
		return nil, cerror.ErrInvalidModel.GenWithStackByArgs("no model file given")
	}
	cfg := &lib.ModelConfig{}
	if err := util.StrictDecodeFile(path, "model", cfg); err != nil {
		return nil, err
	}
	return lib.NewRegistry().Build(ctx, cfg)
}

func (o *options) run(cmd *cobra.Command) error {
	conf, err := o.loadAndVerifyConfig(cmd)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := util.InitCmd(cmd, conf.LogutilConfig())
	defer cancel()
	log.Info("kpn engine config", zap.Stringer("config", conf))

	m, err := loadModel(ctx, o.modelFilePath)
	if err != nil {
		return errors.Annotate(err, "load model")
	}

	reg := prometheus.NewRegistry()
	d := director.New(conf.Director, m,
		director.WithRegisterer(reg),
		director.WithListener(newConsoleListener(cmd.ErrOrStderr())))

	if conf.StatusAddr != "" {
		util.LogHTTPProxies()
		srv, err := startStatusServer(conf.StatusAddr, reg, d)
		if err != nil {
			return errors.Annotate(err, "start status server")
		}
		defer srv.Close()
	}

	done := make(chan struct{})
	if o.handleSignals {
		util.InitSignalHandling(func() <-chan struct{} {
			d.Stop()
			return done
		}, cancel)
	}

	err = d.Run(ctx)
	close(done)
	if perr := printRecorders(ctx, cmd.OutOrStdout(), m); perr != nil {
		log.Warn("print recorders failed", zap.Error(perr))
	}
	if err != nil {
		if cerror.ErrDeadlock.Equal(err) {
			cmd.PrintErrln(color.HiYellowString("[WARN] model %s stopped on a deadlock", m.Name()))
		}
		log.Error("run model", logutil.ZapErrorFilter(err, context.Canceled))
		return errors.Annotate(err, "run model")
	}
	log.Info("kpn model exits successfully", zap.String("model", m.Name()))
	return nil
}

func printRecorders(ctx context.Context, w io.Writer, m *model.Model) error {
	actors, err := m.Actors(ctx)
	if err != nil {
		return err
	}
	for _, a := range actors {
		rec, ok := sink.Recorded(a)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s: %v\n", color.GreenString(a.Name()), rec.Values())
	}
	return nil
}

// consoleListener prints the director events to the console.
type consoleListener struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsoleListener(w io.Writer) *consoleListener {
	return &consoleListener{w: w}
}

func (l *consoleListener) println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *consoleListener) ErrorReported(actor string, err error) {
	l.println(color.RedString("[ERROR] actor %s: %v", actor, err))
}

func (l *consoleListener) QueueSizeWarning(receiver string, size, threshold int) {
	l.println(color.HiYellowString("[WARN] receiver %s holds %d tokens, warning size %d", receiver, size, threshold))
}

func (l *consoleListener) DeadlockDetected(err error) {
	l.println(color.RedString("[ERROR] %v", err))
}

// NewCmdRun creates the `run` command.
func NewCmdRun() *cobra.Command {
	o := newOptions()
	o.handleSignals = true

	command := &cobra.Command{
		Use:   "run",
		Short: "Run a process network model until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(command)

	return command
}
