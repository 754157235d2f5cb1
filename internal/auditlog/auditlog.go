// Package auditlog records target-transition and quarantine events to a
// structured log: every terminal transition is logged and observable, and
// quarantine escalation produces a high-severity log record.
package auditlog

import (
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"

	"github.com/forkernet/forker/internal/domain"
)

// Logger writes structured audit events for every target transition and
// quarantine action. It satisfies copyworker.AuditLogger.
type Logger struct {
	logger log.Logger
}

// New constructs a Logger writing newline-delimited JSON to w.
func New(w io.Writer) *Logger {
	return &Logger{logger: log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.IOWriter{Writer: w},
	}}
}

// NewStderr constructs a Logger writing to the process's standard error,
// the default sink for forkerd run.
func NewStderr() *Logger {
	return New(os.Stderr)
}

// TargetTransition logs one (job, target) copy-state change. A transition
// into FailedRetryable or FailedPermanent is logged at Warn; everything
// else at Info. detail carries the error text on a failure, or the
// temp/final path on a successful step.
func (l *Logger) TargetTransition(jobID, targetID string, from, to domain.CopyState, detail string) {
	event := l.logger.Info()
	if to == domain.CopyFailedRetryable || to == domain.CopyFailedPermanent {
		event = l.logger.Warn()
	}
	event.
		Str("job_id", jobID).
		Str("target_id", targetID).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("detail", detail).
		Msg("target transition")
}

// Quarantined logs a job's escalation to Quarantined at Error level.
func (l *Logger) Quarantined(jobID, sourcePath, reason string, affectedTargets []string) {
	l.logger.Error().
		Str("job_id", jobID).
		Str("source_path", sourcePath).
		Str("reason", reason).
		Str("affected_targets", strings.Join(affectedTargets, ",")).
		Msg("job quarantined")
}

// QuarantineReleased logs a manual release back to Queued.
func (l *Logger) QuarantineReleased(entryID, jobID, releasedBy, reason string) {
	l.logger.Info().
		Str("quarantine_entry_id", entryID).
		Str("job_id", jobID).
		Str("released_by", releasedBy).
		Str("reason", reason).
		Msg("quarantine entry released")
}
