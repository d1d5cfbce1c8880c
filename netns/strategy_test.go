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
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/thediveo/caps"
	"github.com/thediveo/safe"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gleak"
	. "github.com/thediveo/fdooze"
)

// The caller's network namespace identification, so that a workload can prove
// it is running in a different one.
const callerNetnsEnvName = "PROCTEST_NETNS_CALLER_INO"

func init() {
	// Queries the index of the loopback interface through an ioctl on a plain
	// datagram socket; a fresh network namespace always comes with (only) a
	// loopback interface.
	RegisterWorkload("netns-loopback-ifindex", func() int {
		sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		if err != nil {
			fmt.Fprintln(os.Stderr, "socket:", err.Error())
			return 1
		}
		defer func() { _ = unix.Close(sock) }()
		ifr, err := unix.NewIfreq("lo")
		if err != nil {
			fmt.Fprintln(os.Stderr, "ifreq:", err.Error())
			return 1
		}
		if err := unix.IoctlIfreq(sock, unix.SIOCGIFINDEX, ifr); err != nil {
			fmt.Fprintln(os.Stderr, "SIOCGIFINDEX:", err.Error())
			return 1
		}
		if ifr.Uint32() == 0 {
			fmt.Fprintln(os.Stderr, "bogus zero loopback interface index")
			return 1
		}
		return 0
	})

	RegisterWorkload("netns-lonely-loopback", func() int {
		ifs, err := net.Interfaces()
		if err != nil {
			fmt.Fprintln(os.Stderr, "interfaces:", err.Error())
			return 1
		}
		if len(ifs) != 1 || ifs[0].Flags&net.FlagLoopback == 0 {
			fmt.Fprintf(os.Stderr, "expected a single lonely loopback interface, got %v\n", ifs)
			return 1
		}
		return 0
	})

	RegisterWorkload("netns-fresh-namespace", func() int {
		var netnsStat unix.Stat_t
		if err := unix.Stat("/proc/thread-self/ns/net", &netnsStat); err != nil {
			fmt.Fprintln(os.Stderr, "stat:", err.Error())
			return 1
		}
		caller := os.Getenv(callerNetnsEnvName)
		if caller == "" {
			fmt.Fprintln(os.Stderr, "missing caller network namespace identification")
			return 1
		}
		if caller == strconv.FormatUint(netnsStat.Ino, 10) {
			fmt.Fprintln(os.Stderr, "still attached to the caller's network namespace")
			return 1
		}
		return 0
	})

	RegisterWorkload("netns-failing", func() int {
		return 42
	})

	RegisterWorkload("netns-panicky", func() int {
		panic("utterly broken workload")
	})
}

var _ = Describe("network namespace strategies", Ordered, func() {

	BeforeAll(func() {
		if os.Getuid() != 0 {
			Skip("needs root")
		}
	})

	BeforeEach(func() {
		goodfds := Filedescriptors()
		goodgos := Goroutines()
		DeferCleanup(func() {
			Eventually(Goroutines).Within(2 * time.Second).ProbeEvery(100 * time.Millisecond).
				ShouldNot(HaveLeaked(goodgos))
			Expect(Filedescriptors()).NotTo(HaveLeakedFds(goodfds))
		})
	})

	DescribeTable("querying the loopback interface index inside a fresh network namespace",
		func(strategy Strategy) {
			Expect(strategy.Run("netns-loopback-ifindex",
				WithStdout(GinkgoWriter), WithStderr(GinkgoWriter))).To(BeZero())
		},
		Entry("using unshare", Strategies[0]),
		Entry("using clone", Strategies[1]),
	)

	DescribeTable("observing nothing but a single loopback interface",
		func(strategy Strategy) {
			Expect(strategy.Run("netns-lonely-loopback",
				WithStdout(GinkgoWriter), WithStderr(GinkgoWriter))).To(BeZero())
		},
		Entry("using unshare", Strategies[0]),
		Entry("using clone", Strategies[1]),
	)

	DescribeTable("running detached from the caller's network namespace",
		func(strategy Strategy) {
			Expect(os.Setenv(callerNetnsEnvName,
				strconv.FormatUint(Ino("/proc/self/ns/net"), 10))).To(Succeed())
			DeferCleanup(os.Unsetenv, callerNetnsEnvName)
			Expect(strategy.Run("netns-fresh-namespace",
				WithStdout(GinkgoWriter), WithStderr(GinkgoWriter))).To(BeZero())
		},
		Entry("using unshare", Strategies[0]),
		Entry("using clone", Strategies[1]),
	)

	DescribeTable("reporting a workload's verdict as its exit code",
		func(strategy Strategy) {
			Expect(strategy.Run("netns-failing",
				WithStdout(GinkgoWriter), WithStderr(GinkgoWriter))).To(Equal(42))
		},
		Entry("using unshare", Strategies[0]),
		Entry("using clone", Strategies[1]),
	)

	DescribeTable("reporting a workload panic as a non-zero exit code, not as a setup error",
		func(strategy Strategy) {
			var out safe.Buffer
			code, err := strategy.Run("netns-panicky",
				WithStdout(GinkgoWriter),
				WithStderr(io.MultiWriter(&out, GinkgoWriter)))
			Expect(err).NotTo(HaveOccurred())
			Expect(code).NotTo(BeZero())
			Expect(out.String()).To(ContainSubstring("panic: utterly broken workload"))
		},
		Entry("using unshare", Strategies[0]),
		Entry("using clone", Strategies[1]),
	)

	It("reports failing self-isolation as the child's verdict, not as a setup error", func() {
		runtime.LockOSThread() // this thread will be tainted and must be dropped at the end.

		// A uid-0 child recomputes its permitted capabilities from the
		// bounding set at execve, so dropping only the thread's capability
		// sets would hand the re-executed workload child full privileges
		// right back. Drop the admin capabilities from the bounding set
		// first (while we still wield CAP_SETPCAP), then clear the thread's
		// capability sets.
		for _, admincap := range []int{unix.CAP_SYS_ADMIN, unix.CAP_NET_ADMIN} {
			Expect(unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(admincap), 0, 0, 0)).
				To(Succeed())
		}
		Expect(caps.SetForThisTask(caps.TaskCapabilities{})).To(Succeed())
		var out safe.Buffer
		code, err := RunWithUnshare("netns-loopback-ifindex",
			WithStdout(GinkgoWriter),
			WithStderr(io.MultiWriter(&out, GinkgoWriter)))
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(1))
		Expect(out.String()).To(ContainSubstring("cannot unshare network namespace"))
	})

})
