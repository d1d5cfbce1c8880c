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
	"io"
	"os"
	"time"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	. "github.com/onsi/gomega" //nolint:staticcheck // ST1001 rule does not apply
)

// Probe is a caller-supplied function that gets invoked with the PID of the
// observed child process as soon as the corresponding lifecycle phase is
// guaranteed to hold. A probe returning a non-nil error makes [WithLifecycle]
// return that error immediately; the remaining kill, reap, and close steps
// still run.
type Probe func(pid int) error

// SetupError reports a harness-internal failure, such as failing to create
// the synchronization pipe or to spawn the child, that invalidates the test
// run without saying anything about the behavior under test.
type SetupError struct {
	Op  string // the harness step that failed
	Err error
}

func (e *SetupError) Error() string {
	return "lifecycle harness: " + e.Op + ": " + e.Err.Error()
}

func (e *SetupError) Unwrap() error { return e.Err }

// Name under which the idler child entrypoint is registered with reexec.
const idlerName = "proctest-lifecycle-idler"

// The idler child inherits the write end of the synchronization pipe as this
// file descriptor, the first one after stdin, stdout, and stderr.
const idlerSyncFd = 3

// idlerSleepInterval is the increment in which the idler child sleeps,
// indefinitely, after having signalled readiness.
const idlerSleepInterval = 100 * time.Millisecond

func init() {
	reexec.Register(idlerName, idlerMain)
}

// idlerMain is the re-executed child: it writes a single readiness byte into
// the inherited synchronization pipe and then sleeps forever, in short
// increments, until killed by the harness. It never exits on its own.
func idlerMain() {
	sync := os.NewFile(uintptr(idlerSyncFd), "sync")
	if n, err := sync.Write([]byte{'A'}); err != nil || n != 1 {
		os.Exit(1) // parent notices EOF on the pipe
	}
	_ = sync.Close()
	for {
		time.Sleep(idlerSleepInterval)
	}
}

// WithLifecycle drives a fully controlled child process through the phases
// RUNNING, ZOMBIE, and REAPED, invoking each non-nil probe exactly once at
// the moment its phase is externally guaranteed to hold:
//
//   - onRunning: the child has signalled readiness over the synchronization
//     pipe and has not been signalled yet; its “/proc/$PID/status” state is
//     one of running (R), interruptible sleep (S), or uninterruptible sleep
//     (D).
//   - onZombie: the child has been killed and the kernel has confirmed its
//     exit through a non-reaping wait; its state reads as zombie (Z).
//   - onExited: the child has been reaped; its PID is no longer valid for
//     status queries and a further reaping attempt fails with “no such
//     child processes”.
//
// WithLifecycle returns a [*SetupError] when the harness plumbing itself
// fails (pipe creation, spawning, or the readiness handshake), and otherwise
// the first non-nil probe error. The phase state invariants and the outcomes
// of the kill and wait steps are asserted with Gomega and thus fail the
// current test directly. Killing and reaping the child are guaranteed to
// happen exactly once each, on every exit path, including a probe failing or
// exploding mid-flight.
func WithLifecycle(onRunning, onZombie, onExited Probe) error {
	var pipefds [2]int
	if err := unix.Pipe(pipefds[:]); err != nil {
		return &SetupError{Op: "pipe", Err: err}
	}
	rd := os.NewFile(uintptr(pipefds[0]), "lifecycle-sync-r")
	wr := os.NewFile(uintptr(pipefds[1]), "lifecycle-sync-w")
	defer func() { _ = rd.Close() }()

	idler := reexec.Command(idlerName)
	idler.Stdout = os.Stdout
	idler.Stderr = os.Stderr
	idler.ExtraFiles = []*os.File{wr} // becomes idlerSyncFd in the child
	if err := idler.Start(); err != nil {
		_ = wr.Close()
		return &SetupError{Op: "start idler child", Err: err}
	}
	// The child holds its own copy of the write end by now; hold on to ours
	// no longer, so that a dying child turns into EOF on the read end.
	_ = wr.Close()

	pid := idler.Process.Pid
	// The runtime keeps its own handle on the started child, a pidfd where
	// the kernel supports it. Killing and reaping work on the raw PID here,
	// so release the handle instead of leaking it invocation after
	// invocation.
	defer func() { _ = idler.Process.Release() }()

	// Two independent scoped clean-up actions, deferred in reap-then-kill
	// order: unwinding from any point before the ZOMBIE phase first kills and
	// then reaps the child; steps taken explicitly release “their” cleanup
	// beforehand so nothing ever kills or reaps twice.
	reap := newCleanup(func() {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		Expect(err).NotTo(HaveOccurred(), "cannot reap lifecycle child PID %d", pid)
	})
	defer reap.Run()
	kill := newCleanup(func() {
		Expect(unix.Kill(pid, unix.SIGKILL)).To(Succeed(),
			"cannot kill lifecycle child PID %d", pid)
	})
	defer kill.Run()

	// Await the child's one-byte readiness marker; EOF or a short read means
	// the child keeled over during setup.
	ready := make([]byte, 1)
	if _, err := io.ReadFull(rd, ready); err != nil {
		return &SetupError{Op: "await readiness marker", Err: err}
	}

	if onRunning != nil {
		Expect(State(pid)).To(BeElementOf("R", "S", "D"),
			"child PID %d not in a live process state", pid)
		if err := onRunning(pid); err != nil {
			return err
		}
	}

	// Terminate the child now; this disarms the deferred kill.
	kill.Release()()
	// Block until the kernel reports the child as exited (WEXITED), but
	// don't reap it yet (WNOWAIT): the child is now a zombie and stays one
	// until reaped.
	var info unix.Siginfo
	Expect(unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)).
		To(Succeed(), "cannot await exit of lifecycle child PID %d", pid)

	if onZombie != nil {
		Expect(State(pid)).To(Equal("Z"),
			"child PID %d not in the zombie state", pid)
		if err := onZombie(pid); err != nil {
			return err
		}
	}

	// Reap the child for real; this disarms the deferred reap. Afterwards the
	// PID is gone for good: another wait attempt must report that there is no
	// such child anymore.
	reap.Release()()
	var ws unix.WaitStatus
	_, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	Expect(err).To(MatchError(unix.ECHILD),
		"lifecycle child PID %d unexpectedly still waitable", pid)

	if onExited != nil {
		if err := onExited(pid); err != nil {
			return err
		}
	}
	return nil
}

// AccessWhileRunning opens the pid-derived path returned by name with the
// passed flags while the harness child is running and immediately hands the
// open file descriptor to access. The file descriptor is closed when
// AccessWhileRunning returns.
func AccessWhileRunning(name func(pid int) string, flags int, access func(fd int)) error {
	fd := -1
	defer func() {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}()
	return WithLifecycle(
		func(pid int) error {
			f, err := unix.Open(name(pid), flags, 0)
			if err != nil {
				return err
			}
			fd = f
			access(fd)
			return nil
		},
		nil, nil)
}

// AccessWhileZombied opens the pid-derived path returned by name while the
// harness child is running, but hands the open file descriptor to access only
// once the child has become a zombie.
func AccessWhileZombied(name func(pid int) string, flags int, access func(fd int)) error {
	fd := -1
	defer func() {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}()
	return WithLifecycle(
		func(pid int) error {
			f, err := unix.Open(name(pid), flags, 0)
			if err != nil {
				return err
			}
			fd = f
			return nil
		},
		func(pid int) error {
			access(fd)
			return nil
		},
		nil)
}

// AccessWhileExited opens the pid-derived path returned by name while the
// harness child is running, but hands the open file descriptor to access only
// after the child has exited and been reaped.
func AccessWhileExited(name func(pid int) string, flags int, access func(fd int)) error {
	fd := -1
	defer func() {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}()
	return WithLifecycle(
		func(pid int) error {
			f, err := unix.Open(name(pid), flags, 0)
			if err != nil {
				return err
			}
			fd = f
			return nil
		},
		nil,
		func(pid int) error {
			access(fd)
			return nil
		})
}
