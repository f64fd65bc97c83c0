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

package errors

import (
	"github.com/pingcap/errors"
)

// IsTerminateProcess returns true if the error must unwind the process
// thread of an actor instead of being handled by its error policy.
func IsTerminateProcess(err error) bool {
	if err == nil {
		return false
	}
	return ErrTerminateProcess.Equal(err) || ErrReceiverTerminated.Equal(err)
}

// RFCCode returns the RFC code of a normalized error, or an empty string.
func RFCCode(err error) string {
	if err == nil {
		return ""
	}
	if terr, ok := errors.Cause(err).(*errors.Error); ok {
		return string(terr.RFCCode())
	}
	return ""
}
