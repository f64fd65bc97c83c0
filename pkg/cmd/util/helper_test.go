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

package util

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kpnflow/kpn/lib"
	"github.com/pingcap/kpnflow/pkg/config"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.Nil(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProxyFields(t *testing.T) {
	revIndex := map[string]int{
		"http_proxy":  0,
		"https_proxy": 1,
		"no_proxy":    2,
	}
	envs := []string{"http_proxy", "https_proxy", "no_proxy"}
	envPreset := []string{"http://127.0.0.1:8080", "https://127.0.0.1:8443", "localhost,127.0.0.1"}

	for _, env := range envs {
		t.Setenv(strings.ToUpper(env), "")
	}

	// Each bit of the mask decides whether this index of `envs` is set.
	for mask := 0; mask <= 0b111; mask++ {
		for i, env := range envs {
			if (1<<i)&mask != 0 {
				t.Setenv(env, envPreset[i])
			} else {
				t.Setenv(env, "")
			}
		}

		for _, field := range findProxyFields() {
			idx, ok := revIndex[field.Key]
			require.True(t, ok)
			require.NotEqual(t, 0, (1<<idx)&mask)
			require.Equal(t, envPreset[idx], field.String)
		}
	}
}

func TestStrictDecodeValidFile(t *testing.T) {
	configPath := writeFile(t, "kpn.toml", `
log-file = "/tmp/kpn/kpn.log"
log-level = "warn"
status-addr = "127.0.0.1:8900"

[log.file]
max-size = 200
max-days = 1
max-backups = 1

[director]
receiver-queue-capacity = 16
receiver-queue-warning-size = 8
postfire-policy = "conjunction"
deadlock-check-interval = "250ms"
enable-validation = false
`)

	conf := config.NewDefaultEngineConfig()
	err := StrictDecodeFile(configPath, "test", conf)
	require.Nil(t, err)
	require.Nil(t, conf.ValidateAndAdjust())
	require.Equal(t, "warn", conf.LogLevel)
	require.Equal(t, 200, conf.Log.File.MaxSize)
	require.Equal(t, 16, conf.Director.ReceiverQueueCapacity)
	require.Equal(t, config.PostfireConjunction, conf.Director.PostfirePolicy)
	require.Equal(t, config.TomlDuration(250*time.Millisecond), conf.Director.DeadlockCheckInterval)
	require.False(t, conf.Director.EnableValidation)
}

func TestStrictDecodeInvalidFile(t *testing.T) {
	configPath := writeFile(t, "kpn.toml", `
unknown = "128.0.0.1:1234"

[log.unkown]
max-size = 200
`)

	conf := config.NewDefaultEngineConfig()
	err := StrictDecodeFile(configPath, "test", conf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "contained unknown configuration options")
}

func TestStrictDecodeModelFile(t *testing.T) {
	modelPath := writeFile(t, "model.toml", `
name = "pipeline"

[[actor]]
name = "src"
kind = "sequence"
params = { values = [1, 2, 3] }

[[actor]]
name = "rec"
kind = "recorder"

[[connection]]
from = "src.output"
to = "rec.input"
`)
	cfg := &lib.ModelConfig{}
	require.Nil(t, StrictDecodeFile(modelPath, "model", cfg))
	require.Equal(t, "pipeline", cfg.Name)
	require.Len(t, cfg.Actors, 2)
	require.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, cfg.Actors[0].Params["values"])
	require.Equal(t, &lib.ConnectionConfig{From: "src.output", To: "rec.input"}, cfg.Connections[0])

	badPath := writeFile(t, "bad.toml", `
[[actor]]
name = "src"
knd = "sequence"
`)
	err := StrictDecodeFile(badPath, "model", &lib.ModelConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "actor.knd")
}

func TestJSONPrint(t *testing.T) {
	cmd := new(cobra.Command)
	type testStruct struct {
		A string `json:"a"`
	}

	data := testStruct{
		A: "string",
	}

	var b bytes.Buffer
	cmd.SetOut(&b)

	err := JSONPrint(cmd, &data)
	require.Nil(t, err)

	output := `{
  "a": "string"
}
`
	require.Equal(t, output, b.String())
}

func TestIgnoreStrictCheckItem(t *testing.T) {
	configPath := writeFile(t, "kpn.toml", `
log-level = "info"
[unknown]
max-size = 200
`)

	conf := config.NewDefaultEngineConfig()
	err := StrictDecodeFile(configPath, "test", conf, "unknown")
	require.Nil(t, err)

	configPath = writeFile(t, "kpn.toml", `
log-level = "info"
[unknown]
max-size = 200

[unknown2]
max-days = 1
`)
	err = StrictDecodeFile(configPath, "test", conf, "unknown")
	require.Contains(t, err.Error(), "contained unknown configuration options: unknown2")
}

func TestCheckErrIgnoresCanceled(t *testing.T) {
	CheckErr(nil)
	CheckErr(errors.Trace(context.Canceled))
}
