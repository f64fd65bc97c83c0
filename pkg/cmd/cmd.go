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

package cmd

import (
	"os"

	"github.com/pingcap/kpnflow/pkg/cmd/kinds"
	"github.com/pingcap/kpnflow/pkg/cmd/run"
	"github.com/pingcap/kpnflow/pkg/cmd/util"
	"github.com/spf13/cobra"
)

// NewCmd creates the root command.
func NewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kpn",
		Short: "Kahn process network engine",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
}

// AddKpnSubCommands adds all kpn sub commands.
func AddKpnSubCommands(cmd *cobra.Command) {
	cmd.AddCommand(run.NewCmdRun())
	cmd.AddCommand(kinds.NewCmdKinds())
}

// Run runs the root command.
func Run() {
	cmd := NewCmd()

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	AddKpnSubCommands(cmd)
	util.CheckErr(cmd.Execute())
}
