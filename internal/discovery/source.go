// Package discovery implements the discovery source: a lazy, infinite,
// non-restartable stream of candidate absolute paths, combining an
// fsnotify watcher for low-latency pickup with a periodic full rescan to
// recover from missed events. The rescan walk lists directories in
// batches via os.ReadDir, stat-only, never opening files.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Filter decides whether a discovered path should be surfaced as a
// candidate: configurable inclusion globs and an exclusion extension
// list.
type Filter struct {
	IncludeGlobs      []string
	ExcludeExtensions []string
}

// Match reports whether path passes the filter: it must match at least one
// include glob (or pass unconditionally if IncludeGlobs is empty) and must
// not carry an excluded extension.
func (f Filter) Match(path string) bool {
	ext := filepath.Ext(path)
	for _, excluded := range f.ExcludeExtensions {
		if ext == excluded {
			return false
		}
	}
	if len(f.IncludeGlobs) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pattern := range f.IncludeGlobs {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

// Source watches one or more root directories and emits candidate absolute
// paths on the channel Run returns. It is single-use: call Run once per Source.
type Source struct {
	Roots           []string
	Filter          Filter
	RescanInterval  time.Duration
	RecentlySeenTTL time.Duration

	// ErrCh receives non-fatal errors (permission denied on a rescan
	// subdirectory, a watcher add failure, etc.) for the caller to drain.
	ErrCh chan error

	seen map[string]time.Time
}

// New constructs a Source. errCh may be nil, in which case non-fatal
// errors are silently dropped.
func New(roots []string, filter Filter, rescanInterval, recentlySeenTTL time.Duration, errCh chan error) *Source {
	return &Source{
		Roots:           roots,
		Filter:          filter,
		RescanInterval:  rescanInterval,
		RecentlySeenTTL: recentlySeenTTL,
		ErrCh:           errCh,
		seen:            make(map[string]time.Time),
	}
}

// Run starts the watch+rescan loop and returns a channel of candidate
// absolute paths. The channel is closed when ctx is cancelled. Run itself
// returns once the watcher and rescan goroutines have been started; it
// does not block.
func (s *Source) Run(ctx context.Context) (<-chan string, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, root := range s.Roots {
		if err := addRecursive(watcher, root); err != nil {
			s.sendError(err)
		}
	}

	out := make(chan string, 256)

	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()

		ticker := time.NewTicker(s.RescanInterval)
		defer ticker.Stop()

		gcTicker := time.NewTicker(s.RecentlySeenTTL)
		defer gcTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				s.emit(out, event.Name, ctx)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.sendError(err)

			case <-ticker.C:
				s.rescan(out, ctx)

			case <-gcTicker.C:
				s.gcSeen()
			}
		}
	}()

	return out, nil
}

// emit applies the filter and recently-seen dedup before forwarding path.
func (s *Source) emit(out chan<- string, path string, ctx context.Context) {
	if !s.Filter.Match(path) {
		return
	}
	if _, recent := s.seen[path]; recent {
		return
	}
	s.seen[path] = time.Now()
	select {
	case out <- path:
	case <-ctx.Done():
	}
}

// rescan walks every root, re-surfacing any path the watcher may have
// missed — fsnotify event loss is expected on some platforms under load.
// Directories encountered are not added to Run's watcher, so only
// directories that existed when Run was called are watched; files in
// directories created later are surfaced by rescans alone.
func (s *Source) rescan(out chan<- string, ctx context.Context) {
	watcher, _ := fsnotify.NewWatcher() // best-effort; errors below are non-fatal
	defer func() {
		if watcher != nil {
			_ = watcher.Close()
		}
	}()

	for _, root := range s.Roots {
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if err != nil {
				s.sendError(err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			s.emit(out, path, ctx)
			return nil
		})
	}
}

// gcSeen drops recently-seen entries older than RecentlySeenTTL, bounding
// the map's growth across a long-lived run.
func (s *Source) gcSeen() {
	cutoff := time.Now().Add(-s.RecentlySeenTTL)
	for path, seenAt := range s.seen {
		if seenAt.Before(cutoff) {
			delete(s.seen, path)
		}
	}
}

func (s *Source) sendError(err error) {
	if s.ErrCh == nil {
		return
	}
	select {
	case s.ErrCh <- err:
	default:
	}
}

// addRecursive adds root and every subdirectory beneath it to watcher,
// skipping subtrees it lacks permission to read rather than aborting.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil && os.IsPermission(err) {
			return filepath.SkipDir
		}
		return nil
	})
}
