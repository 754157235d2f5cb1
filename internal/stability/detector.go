// Package stability implements a stat-only, no-open-handle check for
// whether a newly observed file has stopped growing and is safe to copy.
// It reads only os.Stat metadata, never opening the subject file, so the
// detector never competes with the clinical pathway for a file handle.
package stability

import (
	"os"
	"time"
)

// Outcome is the result of one Check call.
type Outcome int

const (
	// StillGrowing means the file changed since the last observation, or
	// has not yet reached MinimumFileAge; the counter was reset.
	StillGrowing Outcome = iota
	// Stable means the file has been observed unchanged for
	// MaxStabilityChecks consecutive checks and is old enough to copy.
	Stable
	// Gone means the path no longer exists.
	Gone
	// Errored means stat failed for a reason other than non-existence.
	Errored
)

func (o Outcome) String() string {
	switch o {
	case StillGrowing:
		return "StillGrowing"
	case Stable:
		return "Stable"
	case Gone:
		return "Gone"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// Result is returned by Check.
type Result struct {
	Outcome Outcome
	Size    int64 // valid when Outcome == Stable
	Err     error // valid when Outcome == Errored
}

// observation is the detector's memory of a single path between checks.
type observation struct {
	size          int64
	modTime       time.Time
	firstSeen     time.Time
	unchangedRuns int
}

// Detector tracks per-path observation history across successive Check
// calls. A Detector is not safe for concurrent use: its observation map is
// shared by every path, so callers must serialize all Check, Forget and
// Tracking calls, even for different paths.
type Detector struct {
	MaxStabilityChecks     int
	StabilityCheckInterval time.Duration
	MinimumFileAge         time.Duration

	observations map[string]*observation
}

// New constructs a Detector with the given thresholds: the number of
// consecutive unchanged checks required, the interval between checks,
// and the minimum age before a file is eligible.
func New(maxChecks int, checkInterval, minimumAge time.Duration) *Detector {
	return &Detector{
		MaxStabilityChecks:     maxChecks,
		StabilityCheckInterval: checkInterval,
		MinimumFileAge:         minimumAge,
		observations:           make(map[string]*observation),
	}
}

// Check stats path and advances its stability counter. Any change in size
// or modification time resets the counter to zero: size alone can
// plateau during buffered writes with seek, while mtime catches
// non-appending mutations size would miss.
//
// The caller is expected to re-invoke Check no sooner than
// StabilityCheckInterval after the previous call for the same path; the
// detector does not itself schedule timers.
func (d *Detector) Check(path string, now time.Time) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			delete(d.observations, path)
			return Result{Outcome: Gone}
		}
		return Result{Outcome: Errored, Err: err}
	}

	size := info.Size()
	modTime := info.ModTime()

	obs, seen := d.observations[path]
	if !seen || obs.size != size || !obs.modTime.Equal(modTime) {
		d.observations[path] = &observation{
			size:          size,
			modTime:       modTime,
			firstSeen:     now,
			unchangedRuns: 0,
		}
		return Result{Outcome: StillGrowing}
	}

	obs.unchangedRuns++
	age := now.Sub(obs.firstSeen)
	if obs.unchangedRuns >= d.MaxStabilityChecks && age >= d.MinimumFileAge {
		delete(d.observations, path)
		return Result{Outcome: Stable, Size: size}
	}
	return Result{Outcome: StillGrowing}
}

// Forget drops any observation history for path, used when a path is
// abandoned (e.g. deleted mid-wait) without ever reaching Stable.
func (d *Detector) Forget(path string) {
	delete(d.observations, path)
}

// Tracking reports whether path currently has in-progress observation
// history, used by callers deciding whether to schedule the next check.
func (d *Detector) Tracking(path string) bool {
	_, ok := d.observations[path]
	return ok
}
