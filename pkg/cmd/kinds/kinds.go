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

package kinds

import (
	"github.com/pingcap/kpnflow/kpn/lib"
	"github.com/pingcap/kpnflow/pkg/cmd/util"
	"github.com/spf13/cobra"
)

// NewCmdKinds creates the `kinds` command.
func NewCmdKinds() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the actor kinds a model file can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return util.JSONPrint(cmd, lib.NewRegistry().Kinds())
		},
	}
}
