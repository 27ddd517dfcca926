package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyPipeline   = "pipeline"
	KeyStage      = "stage"
	KeyJob        = "job"
	KeyInstance   = "instance"
	KeyStep       = "step"
	KeyRef        = "ref"
	KeyStatus     = "status"
	KeyTarget     = "target"
	KeyArtifact   = "artifact"
	KeyCommit     = "commit"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Pipeline(name string) slog.Attr  { return slog.String(KeyPipeline, name) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Job(name string) slog.Attr       { return slog.String(KeyJob, name) }
func Instance(id string) slog.Attr    { return slog.String(KeyInstance, id) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Ref(ref string) slog.Attr        { return slog.String(KeyRef, ref) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func Target(name string) slog.Attr    { return slog.String(KeyTarget, name) }
func Artifact(name string) slog.Attr  { return slog.String(KeyArtifact, name) }
func Commit(hash string) slog.Attr    { return slog.String(KeyCommit, hash) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
