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

package netns

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/moby/sys/reexec"
	"github.com/thediveo/proctest"
	"golang.org/x/sys/unix"
)

// Workload is a named unit of work that runs inside a re-executed child
// process; its return value becomes the child's exit code.
type Workload func() int

// Environment variable telling a re-executed workload child to first isolate
// itself into a new network namespace before running its workload.
const unshareEnvName = "PROCTEST_NETNS_UNSHARE"

// RegisterWorkload registers the passed workload under the passed name, so
// that [RunWithUnshare] and [RunWithClone] can run it in a re-executed child
// process. Register workloads from an init function of a test file; the name
// must be unique within the test binary and registering it twice panics (in
// reexec). Inside the child, the workload runs on the initial go routine,
// locked to its OS-level thread.
func RegisterWorkload(name string, workload Workload) {
	reexec.Register(name, func() {
		runtime.LockOSThread()
		if os.Getenv(unshareEnvName) != "" {
			if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
				fmt.Fprintln(os.Stderr, "cannot unshare network namespace:", err.Error())
				os.Exit(1)
			}
		}
		os.Exit(workload())
	})
}

// RunFunc runs the named registered workload inside a newly created network
// namespace, returning the workload child's exit code. A non-nil error is
// always a [*proctest.SetupError] about creating or awaiting the child;
// workload failures (including panics) surface as non-zero exit codes
// instead.
type RunFunc func(workload string, opts ...RunOption) (int, error)

// Strategy is one of the two ways of getting a workload into a fresh network
// namespace; both satisfy the same contract and are interchangeable from the
// caller's perspective.
type Strategy struct {
	Name string
	Run  RunFunc
}

// Strategies enumerates both namespace creation mechanisms for parameterized
// test loops.
var Strategies = []Strategy{
	{Name: "unshare", Run: RunWithUnshare},
	{Name: "clone", Run: RunWithClone},
}

// RunWithUnshare re-executes the test binary as a plain child process; inside
// the child, the workload wrapper first requests network namespace isolation
// for the child itself using unshare(2) and then runs the named workload.
func RunWithUnshare(workload string, opts ...RunOption) (int, error) {
	cmd := reexec.Command(workload)
	cmd.Env = append(os.Environ(), unshareEnvName+"=1")
	return run(cmd, opts)
}

// RunWithClone re-executes the test binary as a child process that the kernel
// creates already attached to a fresh network namespace, isolation being
// requested atomically as part of task creation; the child then runs the
// named workload directly.
func RunWithClone(workload string, opts ...RunOption) (int, error) {
	cmd := reexec.Command(workload)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNET,
	}
	return run(cmd, opts)
}

// RunOption configures how a workload child gets run.
type RunOption func(*runner)

// WithStdout redirects the workload child's stdout to the passed writer.
func WithStdout(w io.Writer) RunOption {
	return func(r *runner) { r.stdout = w }
}

// WithStderr redirects the workload child's stderr to the passed writer.
func WithStderr(w io.Writer) RunOption {
	return func(r *runner) { r.stderr = w }
}

type runner struct {
	stdout io.Writer
	stderr io.Writer
}

// run starts the prepared workload child and extracts its exit code. A child
// that was successfully started is always waited for, so no child is ever
// left orphaned, whichever way run exits.
func run(cmd *exec.Cmd, opts []RunOption) (int, error) {
	var r runner
	for _, opt := range opts {
		opt(&r)
	}
	cmd.Stdout = cmp.Or(r.stdout, io.Writer(os.Stdout))
	cmd.Stderr = cmp.Or(r.stderr, io.Writer(os.Stderr))
	if err := cmd.Start(); err != nil {
		return 0, &proctest.SetupError{Op: "start workload child", Err: err}
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Terminated by a signal, so there is no workload verdict to report.
		return 0, &proctest.SetupError{Op: "await workload child", Err: err}
	}
	if err != nil {
		return 0, &proctest.SetupError{Op: "await workload child", Err: err}
	}
	return 0, nil
}
