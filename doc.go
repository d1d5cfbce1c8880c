/*
Package proctest supports tests that probe the Linux process filesystem, and
more specifically, tests whose outcome depends on the lifecycle phase the
probed process currently is in.

This package leverages the [Ginkgo] testing framework with [Gomega] matchers.

# Process Lifecycle Probing

Interfaces like “/proc/$PID/status” answer differently depending on whether
the process identified by PID is alive and kicking, has exited but not yet
been reaped (a zombie), or has been reaped already. [WithLifecycle] parks a
fully controlled child process at each of these three phases in turn and
invokes caller-supplied probe functions exactly when the corresponding phase
is guaranteed to hold. The child never exits on its own; the harness
synchronizes on a readiness pipe, then kills, then reaps, with both the kill
and the reap guaranteed to happen exactly once on every exit path.

The [AccessWhileRunning], [AccessWhileZombied], and [AccessWhileExited]
convenience helpers additionally handle the common pattern of opening a
pid-derived procfs path while the child is still running and then accessing
the open file descriptor only at a later lifecycle phase.

# Scanning a Live procfs

The process filesystem mutates underneath any enumeration: processes come and
go while a directory listing is in flight, and the kernel may then report an
entry twice. [ScanForDuplicates] recursively walks such a live hierarchy and
reports only duplicates that persist across repeated listing attempts,
absorbing the benign artifacts of concurrent mutation.

# Re-Executed Children

The harness children are this very test binary, re-executed via
[github.com/moby/sys/reexec]. For the dispatch to work, the test suite's
TestMain must give reexec a chance to take over:

	func TestMain(m *testing.M) {
	    if reexec.Init() {
	        os.Exit(0)
	    }
	    os.Exit(m.Run())
	}

Without this, a re-executed child would happily run the whole test suite
again, and you would be rightfully cross with us.

# Network Namespaces

The proctest/netns package runs named workloads inside freshly created
network namespaces, using either of the two kernel mechanisms for getting a
task into a new namespace, behind a single shared contract.

[Ginkgo]: https://github.com/onsi/ginkgo
[Gomega]: https://github.com/onsi/gomega
*/
package proctest
