package squash

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ScanEntry is one record yielded by a Scanner: a path relative to the
// scan root, its kind, attrs, and, for devices/symlinks, the
// kind-specific payload the tree node needs.
type ScanEntry struct {
	Path    string
	Kind    Kind
	Attrs   Attrs
	Source  FileSource    // regular files
	Target  string        // symlinks
	Dev     DeviceNumbers // char/block devices
	Xattrs  []XattrPair
}

// Scanner yields directory-tree entries in an implementation-defined
// order; the tree re-sorts per directory during PostProcess, so callers
// need not sort themselves.
type Scanner interface {
	Scan(ctx context.Context, yield func(ScanEntry) error) error
}

// ScanOption configures an OSScanner.
type ScanOption func(*OSScanner)

// WithExcludeKinds skips entries whose kind is in kinds.
func WithExcludeKinds(kinds ...Kind) ScanOption {
	return func(s *OSScanner) { s.excludeKinds = append(s.excludeKinds, kinds...) }
}

// WithStayOnFilesystem refuses to descend into a mount point distinct
// from the scan root's device.
func WithStayOnFilesystem() ScanOption {
	return func(s *OSScanner) { s.stayOnFilesystem = true }
}

// WithNonRecursive limits the scan to the root directory's immediate
// children.
func WithNonRecursive() ScanOption {
	return func(s *OSScanner) { s.nonRecursive = true }
}

// WithDiscardHostAttrs drops host mtime/uid/gid/mode in favor of the
// zero-value Attrs passed by the caller for every entry.
func WithDiscardHostAttrs() ScanOption {
	return func(s *OSScanner) { s.discardHostAttrs = true }
}

// WithNamePattern restricts entries to those whose basename (or full
// path, if matchFullPath is true) matches a glob pattern.
func WithNamePattern(pattern string, matchFullPath bool) ScanOption {
	return func(s *OSScanner) {
		s.namePattern = pattern
		s.matchFullPath = matchFullPath
	}
}

// WithPrefetchConcurrency bounds how many entries the scanner stats
// concurrently, using a weighted semaphore. Every entry is stat'ed
// before the first one is passed to the caller; no file is opened.
func WithPrefetchConcurrency(n int) ScanOption {
	return func(s *OSScanner) { s.prefetch = n }
}

// OSScanner walks a directory on the host filesystem.
type OSScanner struct {
	Root string

	excludeKinds     []Kind
	stayOnFilesystem bool
	nonRecursive     bool
	discardHostAttrs bool
	namePattern      string
	matchFullPath    bool
	prefetch         int
}

// NewOSScanner returns a Scanner rooted at root.
func NewOSScanner(root string, opts ...ScanOption) *OSScanner {
	s := &OSScanner{Root: root, prefetch: 8}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OSScanner) excluded(k Kind) bool {
	for _, ex := range s.excludeKinds {
		if ex == k {
			return true
		}
	}
	return false
}

func (s *OSScanner) matches(relPath string) bool {
	if s.namePattern == "" {
		return true
	}
	target := path.Base(relPath)
	if s.matchFullPath {
		target = relPath
	}
	ok, err := filepath.Match(s.namePattern, target)
	return err == nil && ok
}

// Scan walks Root, prefetching entry stat work with a bounded pool
// of goroutines (one errgroup, one weighted semaphore) so a slow stat
// on one file doesn't stall the ones after it, while still delivering
// entries to yield in a single-threaded sequence the caller can rely on.
func (s *OSScanner) Scan(ctx context.Context, yield func(ScanEntry) error) error {
	root, err := os.Lstat(s.Root)
	if err != nil {
		return newErr(KindIO, err)
	}
	rootDev := deviceOf(root)

	sem := semaphore.NewWeighted(int64(max(1, s.prefetch)))
	eg, egCtx := errgroup.WithContext(ctx)

	type resolved struct {
		idx   int
		entry ScanEntry
		err   error
	}
	results := make(chan resolved, s.prefetch)

	var paths []string
	walkErr := filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == s.Root {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		if s.nonRecursive && filepath.Dir(rel) != "." {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if walkErr != nil {
		return newErr(KindIO, walkErr)
	}
	// One slot per path: results are only read after every goroutine
	// has been started, so a smaller buffer would block senders that
	// hold semaphore slots the launch loop is waiting for.
	results = make(chan resolved, len(paths))

	for i, rel := range paths {
		i, rel := i, rel
		if err := sem.Acquire(egCtx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			entry, err := s.resolveEntry(rel, rootDev)
			select {
			case results <- resolved{idx: i, entry: entry, err: err}:
			case <-egCtx.Done():
				return egCtx.Err()
			}
			return nil
		})
	}

	go func() {
		_ = eg.Wait()
		close(results)
	}()

	ordered := make([]resolved, len(paths))
	got := 0
	for r := range results {
		ordered[r.idx] = r
		got++
	}
	if err := eg.Wait(); err != nil {
		return newErr(KindIO, err)
	}

	for _, r := range ordered[:got] {
		if r.err != nil {
			return r.err
		}
		if r.entry.Path == "" {
			continue // filtered out
		}
		if err := yield(r.entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *OSScanner) resolveEntry(rel string, rootDev uint64) (ScanEntry, error) {
	full := filepath.Join(s.Root, rel)
	info, err := os.Lstat(full)
	if err != nil {
		return ScanEntry{}, newErr(KindIO, err)
	}

	kind := kindOf(info)
	if s.excluded(kind) || !s.matches(rel) {
		return ScanEntry{}, nil
	}
	if s.stayOnFilesystem && deviceOf(info) != rootDev {
		return ScanEntry{}, nil
	}

	attrs := Attrs{Mode: uint16(info.Mode().Perm()), ModTime: info.ModTime()}
	if !s.discardHostAttrs {
		uid, gid := hostOwner(info)
		attrs.UID, attrs.GID = uid, gid
	}

	entry := ScanEntry{Path: filepath.ToSlash(rel), Kind: kind, Attrs: attrs}
	switch kind {
	case KindRegular:
		entry.Source = HostFileSource{Path: full}
	case KindSymlink:
		target, err := os.Readlink(full)
		if err != nil {
			return ScanEntry{}, newErr(KindIO, err)
		}
		entry.Target = target
	case KindCharDevice, KindBlockDevice:
		entry.Dev = hostDevNumbers(info)
	}
	return entry, nil
}

func kindOf(info fs.FileInfo) Kind {
	switch mode := info.Mode(); {
	case mode.IsDir():
		return KindDirectory
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		return KindCharDevice
	case mode&fs.ModeDevice != 0:
		return KindBlockDevice
	case mode&fs.ModeNamedPipe != 0:
		return KindFIFO
	case mode&fs.ModeSocket != 0:
		return KindSocket
	default:
		return KindRegular
	}
}
