//go:build unix

// Package internal hosts cross-component integration tests exercising the
// full replication pipeline (store + orchestrator + copy workers +
// classifier + quarantine) against the happy path, corruption, crash
// recovery and retry-exhaustion scenarios, wired the same way cmd/forkerd's
// run command wires them but driven directly instead of through the CLI.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forkernet/forker/internal/classifier"
	"github.com/forkernet/forker/internal/copyworker"
	"github.com/forkernet/forker/internal/domain"
	"github.com/forkernet/forker/internal/orchestrator"
	"github.com/forkernet/forker/internal/quarantine"
	"github.com/forkernet/forker/internal/store"
	"github.com/forkernet/forker/internal/testfs"
)

var testPolicy = classifier.Policy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: 20 * time.Millisecond}

// harness bundles the components a running forkerd wires together, built
// fresh per test against t.TempDir().
type harness struct {
	dir        string
	srcDir     string
	destA      string
	destB      string
	store      *store.Store
	engine     *orchestrator.Engine
	quarantine *quarantine.Manager
}

func newHarness(t *testing.T, verificationDelay time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:    dir,
		srcDir: filepath.Join(dir, "Input"),
		destA:  filepath.Join(dir, "DestinationA"),
		destB:  filepath.Join(dir, "DestinationB"),
	}
	for _, d := range []string{h.srcDir, h.destA, h.destB} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	st, err := store.Open(filepath.Join(dir, "forker.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	h.store = st

	audit := noopAudit{}
	workers := map[string]*copyworker.Worker{
		"A": copyworker.New(h.destA, verificationDelay, audit),
		"B": copyworker.New(h.destB, verificationDelay, audit),
	}
	h.engine = orchestrator.New(st, workers, testPolicy, audit, 4)
	h.quarantine = quarantine.New(st, h.engine)
	h.engine.SetQuarantineRecorder(h.quarantine)

	return h
}

type noopAudit struct{}

func (noopAudit) TargetTransition(string, string, domain.CopyState, domain.CopyState, string) {}

func (h *harness) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.engine.Start(ctx)
	t.Cleanup(h.engine.Stop)
	return ctx
}

func waitForJobState(t *testing.T, st *store.Store, jobID uuid.UUID, want domain.JobState, timeout time.Duration) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *domain.Job
	for time.Now().Before(deadline) {
		job, err := st.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		last = job
		if job.State == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach %s, last seen %s", jobID, want, last.State)
	return nil
}

// Scenario 1: happy path. A 10MiB source file replicates byte-identically
// to both destinations and the job terminates Verified.
func TestScenarioHappyPathBothTargetsVerified(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	srcPath := filepath.Join(h.srcDir, "X.svs")
	hash, err := testfs.WriteSlide(srcPath, 10<<20, 'X')
	if err != nil {
		t.Fatalf("WriteSlide: %v", err)
	}

	job, err := h.engine.SubmitJob(srcPath, 10<<20, []string{"A", "B"}, time.Now())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	final := waitForJobState(t, h.store, job.ID, domain.JobVerified, 5*time.Second)
	if final.SourceHash != hash {
		t.Fatalf("job source hash = %s, want %s", final.SourceHash, hash)
	}

	targets, err := h.store.ListTargetsForJob(job.ID)
	if err != nil {
		t.Fatalf("ListTargetsForJob: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	for _, target := range targets {
		if target.CopyState != domain.CopyVerified {
			t.Fatalf("target %s state = %s, want Verified", target.TargetID, target.CopyState)
		}
		if target.Hash != hash {
			t.Fatalf("target %s hash = %s, want %s", target.TargetID, target.Hash, hash)
		}
		testfs.AssertHash(t, target.FinalPath, hash)
	}
	testfs.AssertBytesEqual(t, targets[0].FinalPath, targets[1].FinalPath)

	// Source file is left untouched; removal is the downstream ingester's job.
	if _, err := os.Stat(srcPath); err != nil {
		t.Fatalf("source file removed: %v", err)
	}
}

// Scenario 2: corruption after Copied but before Verifying escalates the
// whole job to Quarantined, naming the affected target, while the other
// target's outcome is preserved.
func TestScenarioCorruptionQuarantinesJob(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	h.start(t)

	srcPath := filepath.Join(h.srcDir, "Y.svs")
	if _, err := testfs.WriteSlide(srcPath, 64<<10, 'Y'); err != nil {
		t.Fatalf("WriteSlide: %v", err)
	}

	job, err := h.engine.SubmitJob(srcPath, 64<<10, []string{"A", "B"}, time.Now())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	// Wait for A's copy to land, then flip a byte during the configured
	// verification delay window, before Verifying re-reads it.
	deadline := time.Now().Add(2 * time.Second)
	var corrupted bool
	for time.Now().Before(deadline) && !corrupted {
		target, err := h.store.GetTarget(job.ID, "A")
		if err == nil && target.FinalPath != "" {
			if cerr := testfs.CorruptByte(target.FinalPath, 10); cerr == nil {
				corrupted = true
			}
		}
		if !corrupted {
			time.Sleep(2 * time.Millisecond)
		}
	}
	if !corrupted {
		t.Fatal("never observed target A's final path to corrupt")
	}

	final := waitForJobState(t, h.store, job.ID, domain.JobQuarantined, 5*time.Second)
	if final.State != domain.JobQuarantined {
		t.Fatalf("job state = %s, want Quarantined", final.State)
	}

	entries, err := h.quarantine.List(domain.QuarantineActive)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 active quarantine entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.JobID != job.ID {
		t.Fatalf("quarantine entry job id = %s, want %s", entry.JobID, job.ID)
	}
	found := false
	for _, target := range entry.AffectedTargets {
		if target == "A" {
			found = true
		}
	}
	if !found {
		t.Fatalf("quarantine entry does not name target A: %v", entry.AffectedTargets)
	}

	targetB, err := h.store.GetTarget(job.ID, "B")
	if err != nil {
		t.Fatalf("GetTarget B: %v", err)
	}
	if targetB.CopyState != domain.CopyVerified && !targetB.CopyState.InFlight() {
		t.Fatalf("target B outcome not preserved, state = %s", targetB.CopyState)
	}
}

// Scenario 3: a crash mid-copy leaves a target in Copying with an orphaned
// temp file. Reconciliation resets it to Pending with attempts preserved,
// and a fresh dispatch carries the job to Verified.
func TestScenarioCrashMidCopyReconciles(t *testing.T) {
	h := newHarness(t, 0)

	srcPath := filepath.Join(h.srcDir, "Z.svs")
	hash, err := testfs.WriteSlide(srcPath, 256<<10, 'Z')
	if err != nil {
		t.Fatalf("WriteSlide: %v", err)
	}

	job, err := domain.NewJob(srcPath, 256<<10, []string{"A", "B"}, time.Now())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := h.store.SaveNewJob(job); err != nil {
		t.Fatalf("SaveNewJob: %v", err)
	}
	if err := job.TransitionTo(domain.JobQueued); err != nil {
		t.Fatalf("TransitionTo Queued: %v", err)
	}
	if err := h.store.UpdateJob(job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	targetA := domain.NewTargetOutcome(job.ID.String(), "A", time.Now())
	targetA.Attempts = 1
	if err := targetA.TransitionTo(domain.CopyCopying, time.Now()); err != nil {
		t.Fatalf("TransitionTo Copying: %v", err)
	}
	orphanTemp := filepath.Join(h.destA, "Z.svs.part-"+job.ID.String())
	if err := os.WriteFile(orphanTemp, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write orphan temp: %v", err)
	}
	targetA.TempPath = orphanTemp
	if err := h.store.SaveNewTarget(targetA); err != nil {
		t.Fatalf("SaveNewTarget A: %v", err)
	}

	targetB := domain.NewTargetOutcome(job.ID.String(), "B", time.Now())
	if err := h.store.SaveNewTarget(targetB); err != nil {
		t.Fatalf("SaveNewTarget B: %v", err)
	}

	// Simulate forkerd's startup reconciliation.
	copying, err := h.store.ListTargetsByCopyState(domain.CopyCopying)
	if err != nil {
		t.Fatalf("ListTargetsByCopyState: %v", err)
	}
	for _, target := range copying {
		if err := copyworker.Reconcile(target, time.Now()); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if err := h.store.UpdateTarget(target); err != nil {
			t.Fatalf("UpdateTarget: %v", err)
		}
	}
	if _, err := os.Stat(orphanTemp); !os.IsNotExist(err) {
		t.Fatalf("orphan temp file not removed: %v", err)
	}
	reconciled, err := h.store.GetTarget(job.ID, "A")
	if err != nil {
		t.Fatalf("GetTarget: %v", err)
	}
	if reconciled.CopyState != domain.CopyPending {
		t.Fatalf("target A state after reconcile = %s, want Pending", reconciled.CopyState)
	}
	if reconciled.Attempts != 1 {
		t.Fatalf("target A attempts after reconcile = %d, want preserved at 1", reconciled.Attempts)
	}

	h.start(t)
	if err := h.engine.RequeueJob(job.ID); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	final := waitForJobState(t, h.store, job.ID, domain.JobVerified, 5*time.Second)
	if final.SourceHash != hash {
		t.Fatalf("job source hash = %s, want %s", final.SourceHash, hash)
	}
}

// Scenario 6: target B exhausts its retry budget on a persistent,
// non-integrity I/O failure while target A succeeds. The job lands on
// Failed (not Quarantined), and target A's success is untouched.
func TestScenarioRetryExhaustionFailsJobNotQuarantine(t *testing.T) {
	h := newHarness(t, 0)

	// DestinationB is a plain file, not a directory: every attempt to
	// create a temp file inside it fails with ENOTDIR, an error
	// classifyIoErr maps to IoKindOther and the classifier treats as
	// Unknown, retried like a transient failure up to MaxAttempts —
	// deterministic and persistent across every attempt.
	if err := os.RemoveAll(h.destB); err != nil {
		t.Fatalf("remove destB dir: %v", err)
	}
	if err := os.WriteFile(h.destB, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("create destB file: %v", err)
	}

	h.start(t)

	srcPath := filepath.Join(h.srcDir, "W.svs")
	if _, err := testfs.WriteSlide(srcPath, 32<<10, 'W'); err != nil {
		t.Fatalf("WriteSlide: %v", err)
	}

	job, err := h.engine.SubmitJob(srcPath, 32<<10, []string{"A", "B"}, time.Now())
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	final := waitForJobState(t, h.store, job.ID, domain.JobFailed, 10*time.Second)
	if final.State != domain.JobFailed {
		t.Fatalf("job state = %s, want Failed", final.State)
	}

	targetA, err := h.store.GetTarget(job.ID, "A")
	if err != nil {
		t.Fatalf("GetTarget A: %v", err)
	}
	if targetA.CopyState != domain.CopyVerified {
		t.Fatalf("target A state = %s, want Verified", targetA.CopyState)
	}

	targetB, err := h.store.GetTarget(job.ID, "B")
	if err != nil {
		t.Fatalf("GetTarget B: %v", err)
	}
	if targetB.CopyState != domain.CopyFailedPermanent {
		t.Fatalf("target B state = %s, want FailedPermanent", targetB.CopyState)
	}
	if targetB.Attempts != testPolicy.MaxAttempts {
		t.Fatalf("target B attempts = %d, want %d", targetB.Attempts, testPolicy.MaxAttempts)
	}

	entries, err := h.quarantine.List(domain.QuarantineActive)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no quarantine entries for a non-integrity failure, got %d", len(entries))
	}
}
