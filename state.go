// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proctest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// State returns the one-letter state code of the process with the passed PID,
// such as “R” (running), “S” (interruptible sleep), “D” (uninterruptible
// sleep), or “Z” (zombie), as reported by the “State:” line of the process's
// procfs status file. For a PID that is no longer (or never was) valid, State
// returns the underlying procfs lookup error, satisfying
// [errors.Is](err, [os.ErrNotExist]).
func State(pid int) (string, error) {
	status, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return "", err
	}
	for line := range strings.Lines(string(status)) {
		rest, ok := strings.CutPrefix(line, "State:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		return fields[0], nil
	}
	return "", fmt.Errorf("no State: line in process status of PID %d", pid)
}
