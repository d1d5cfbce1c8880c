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
	"github.com/thediveo/ioctl"
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2" //nolint:staticcheck // ST1001 rule does not apply
	. "github.com/onsi/gomega"    //nolint:staticcheck // ST1001 rule does not apply
)

// Linux kernel [ioctl(2)] command for [namespace relationship queries].
//
// [ioctl(2)]: https://man7.org/linux/man-pages/man2/ioctl.2.html
// [namespace relationship queries]: https://elixir.bootlin.com/linux/v6.2.11/source/include/uapi/linux/nsfs.h
const _NSIO = 0xb7

// Returns the type of namespace CLONE_NEW* value referred to by a file
// descriptor.
var NS_GET_NSTYPE = ioctl.IO(_NSIO, 0x3)

// Ino returns the identification (inode number) of the passed network
// namespace, referenced either by an open file descriptor or a VFS path name.
//
// If the reference is invalid, or references a namespace other than a network
// namespace, Ino fails the current test. The constraint deliberately admits
// only plain int and string, as the type switch handles exactly these.
func Ino[R int | string](netns R) uint64 {
	GinkgoHelper()

	switch ref := any(netns).(type) {
	case int:
		typ, err := unix.IoctlRetInt(ref, NS_GET_NSTYPE)
		Expect(err).NotTo(HaveOccurred(),
			"cannot determine type of namespace referenced by fd %d", ref)
		Expect(typ).To(Equal(unix.CLONE_NEWNET), "not a network namespace")
		var namespaceStat unix.Stat_t
		Expect(unix.Fstat(ref, &namespaceStat)).To(Succeed(),
			"cannot stat network namespace referenced by fd %d", ref)
		return namespaceStat.Ino
	case string:
		fd, err := unix.Open(ref, unix.O_RDONLY, 0)
		Expect(err).NotTo(HaveOccurred(),
			"cannot reference network namespace %q", ref)
		defer func() { _ = unix.Close(fd) }()
		return Ino(fd)
	}
	return 0 // ST0666 cannot be reached
}

// CurrentIno returns the identification (inode number) of the network
// namespace the calling OS-level thread is currently attached to. Please note
// that the caller's go routine should be thread-locked.
func CurrentIno() uint64 {
	GinkgoHelper()

	return Ino("/proc/thread-self/ns/net")
}
