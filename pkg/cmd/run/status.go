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
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/director"
	"github.com/pingcap/kpnflow/pkg/logutil"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// status of a running model
type status struct {
	Model         string `json:"model"`
	ActiveThreads int    `json:"active-threads"`
	Deadlock      string `json:"deadlock,omitempty"`
	Pid           int    `json:"pid"`
}

type statusServer struct {
	listener net.Listener
	server   *http.Server
}

func startStatusServer(addr string, reg *prometheus.Registry, d *director.Director) (*statusServer, error) {
	serverMux := http.NewServeMux()
	serverMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	serverMux.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		st := status{
			Model:         d.Model().Name(),
			ActiveThreads: d.ActiveThreads(),
			Pid:           os.Getpid(),
		}
		if err := d.Deadlock(); err != nil {
			st.Deadlock = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Error("write status", zap.Error(err))
		}
	})

	serverMux.HandleFunc("/admin/log", handleAdminLogLevel)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := &statusServer{
		listener: l,
		server:   &http.Server{Handler: serverMux, ReadHeaderTimeout: 5 * time.Second},
	}
	log.Info("status http server is running", zap.String("addr", l.Addr().String()))
	go func() {
		err := s.server.Serve(l)
		if err != nil && err != http.ErrServerClosed {
			log.Error("status server error", zap.Error(err))
		}
	}()
	return s, nil
}

// Addr returns the address the server listens on.
func (s *statusServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *statusServer) Close() {
	if err := s.server.Close(); err != nil {
		log.Warn("close status server", zap.Error(err))
	}
}

// handleAdminLogLevel changes the log level to the JSON string in the
// request body, e.g. "debug".
func handleAdminLogLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var level string
	err := json.NewDecoder(r.Body).Decode(&level)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Annotate(err, "invalid log level"))
		return
	}
	if err := logutil.SetLogLevel(level); err != nil {
		writeError(w, http.StatusBadRequest, errors.Annotatef(err, "fail to change log level to %s", level))
		return
	}
	log.Warn("log level changed", zap.String("level", level))
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, statusCode int, err error) {
	w.WriteHeader(statusCode)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		log.Error("write error", zap.Error(err))
	}
}
