// Package errors provides the classified error primitives used across docpipe.
//
// Every failure surfaced by the orchestrator is a ClassifiedError carrying a
// category that maps onto the pipeline error taxonomy:
//
//   - CategoryConfig: malformed dependency graph, unparseable condition, empty matrix
//   - CategoryGate: commit history unreadable by the commit gate
//   - CategoryStep: a single step returned a non-zero status
//   - CategoryInstance: a job instance failed
//   - CategoryExternal: artifact publish/fetch or deploy action failed
//
// Errors carry structured context (stage, instance, step, matrix variables) so a
// failure is always attributable to exactly one stage.
//
// Example usage:
//
//	err := errors.StepFailure("step exited non-zero").
//		WithStage("Main").
//		WithContext("instance", "Linux.py39").
//		WithContext("step", "pytest").
//		WithCause(exitErr).
//		Build()
package errors
