/*
Package netns runs named workload functions inside freshly created network
namespaces and reports their exit codes, so that tests can verify behavior
that depends on network namespace isolation, such as a new namespace
containing nothing but a loopback interface.

There are exactly two kernel mechanisms for getting a task into a new network
namespace, and this package implements both behind one shared contract, so
the same assertions can be run against either mechanism:

  - [RunWithUnshare] re-executes the test binary and the child then requests
    isolation for itself using [unshare(2)];
  - [RunWithClone] asks the kernel to create the child already inside a fresh
    network namespace, atomically as part of task creation (CLONE_NEWNET).

[Strategies] enumerates both for parameterized test loops:

	DescribeTable("workloads in a fresh netns",
	    func(strategy netns.Strategy) {
	        Expect(strategy.Run("my-workload")).To(BeZero())
	    },
	    Entry("using unshare", netns.Strategies[0]),
	    Entry("using clone", netns.Strategies[1]))

Workloads must be registered before the suite runs, typically from an init
function of a test file, and the suite's TestMain must call reexec.Init (see
the [github.com/thediveo/proctest] package documentation). The workload runs
in a separate process, locked to its OS-level thread; a workload panic
surfaces as a non-zero exit code, never as a setup error.

Creating network namespaces is a privileged operation. Suites exercising this
package should skip – not fail – when lacking the privilege:

	BeforeAll(func() {
	    if os.Getuid() != 0 {
	        Skip("needs root")
	    }
	})

[unshare(2)]: https://man7.org/linux/man-pages/man2/unshare.2.html
*/
package netns
