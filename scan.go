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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
	"golang.org/x/sys/unix"
)

// DefaultScanAttempts is the number of times [ScanForDuplicates] lists a
// single directory before a duplicate entry observed in every attempt is
// reported as genuine. The procfs implementation in Linux may legitimately
// report an entry twice within one listing when other entries get removed
// between consecutive reads, so a lone duplicate observation proves nothing.
const DefaultScanAttempts = 5

// DuplicateError reports a directory entry that was observed twice within a
// single listing in every scan attempt, so it cannot be explained away as an
// artifact of concurrent directory mutation.
type DuplicateError struct {
	Path string // path of the duplicated entry
}

func (e *DuplicateError) Error() string {
	return "duplicate directory entry " + e.Path
}

// ScanOption configures a [ScanForDuplicates] run.
type ScanOption func(*scanner)

// WithScanAttempts overrides the number of listing attempts per directory;
// attempts below 1 are silently bumped to 1.
func WithScanAttempts(attempts int) ScanOption {
	return func(s *scanner) {
		s.attempts = max(attempts, 1)
	}
}

// WithScanLogger routes the scanner's records about retried listings to the
// passed logger instead of [slog.Default].
func WithScanLogger(l *slog.Logger) ScanOption {
	return func(s *scanner) {
		s.log = l
	}
}

// ScanForDuplicates recursively enumerates the directory hierarchy rooted at
// the passed path and returns a [*DuplicateError] for the first entry name
// that is genuinely reported twice within a single listing of its directory.
// The hierarchy is expected to be live, procfs-style: entries may appear and
// disappear while the scan is in flight. ScanForDuplicates therefore
// tolerates, silently:
//
//   - directories that cannot be opened (anymore) when descending into them;
//   - listings of “/proc/$PID/net” ending in EINVAL, as happens for the net
//     directory of a zombie task;
//   - listings below “/proc” ending in EACCES at a permission boundary;
//   - duplicate entries that do not reproduce in every one of the (per
//     directory, from-scratch) listing attempts.
//
// Enumeration errors other than these fail the scan with an ordinary error.
func ScanForDuplicates(root string, opts ...ScanOption) error {
	s := &scanner{
		attempts: DefaultScanAttempts,
		log:      slog.Default(),
		id:       petname.Generate(2, "-"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s.scan(root)
}

type scanner struct {
	attempts int
	log      *slog.Logger
	id       string // correlates the records of one scan run
}

// dirStream is the part of [*os.File] the scanner needs for entry-at-a-time
// directory enumeration; a seam for tests to inject listings with duplicates
// and concurrent-mutation effects that a real filesystem won't produce on
// demand.
type dirStream interface {
	ReadDir(n int) ([]os.DirEntry, error)
	Close() error
}

var openDir = func(path string) (dirStream, error) {
	return os.Open(path)
}

func (s *scanner) scan(path string) error {
	var subdirs []string
	for attempt := 1; attempt <= s.attempts; attempt++ {
		subdirs = subdirs[:0]
		dir, err := openDir(path)
		if err != nil {
			// The listing that discovered this directory is stale by now and
			// the directory gone (or otherwise inaccessible); skip the
			// subtree.
			return nil
		}
		children := map[string]struct{}{}
		retry := false
		for {
			entries, err := dir.ReadDir(1)
			if err == io.EOF {
				break
			}
			if err != nil {
				if tolerableListingError(path, err) {
					break
				}
				_ = dir.Close()
				return fmt.Errorf("cannot list %s: %w", path, err)
			}
			name := entries[0].Name()
			if _, ok := children[name]; ok {
				if attempt == s.attempts {
					_ = dir.Close()
					return &DuplicateError{Path: filepath.Join(path, name)}
				}
				s.log.Info("retrying listing after duplicate entry",
					slog.String("scan-id", s.id),
					slog.Int("attempt", attempt),
					slog.String("entry", filepath.Join(path, name)))
				retry = true
				break
			}
			children[name] = struct{}{}
			if entries[0].IsDir() {
				subdirs = append(subdirs, name)
			}
		}
		_ = dir.Close()
		if !retry {
			break // listing accepted, no further attempts
		}
	}
	for _, name := range subdirs {
		if err := s.scan(filepath.Join(path, name)); err != nil {
			return err
		}
	}
	return nil
}

// tolerableListingError reports whether an error ending a directory listing
// early is a known benign procfs condition: getdents on the net directory of
// a zombie task returns EINVAL, and permission boundaries inside procfs
// surface as EACCES.
func tolerableListingError(path string, err error) bool {
	if errors.Is(err, unix.EINVAL) &&
		strings.HasPrefix(path, "/proc/") && strings.HasSuffix(path, "/net") {
		return true
	}
	if errors.Is(err, unix.EACCES) && strings.HasPrefix(path, "/proc/") {
		return true
	}
	return false
}
