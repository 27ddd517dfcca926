// Package workspace manages the directories a run works in, supporting both
// ephemeral (per-use, removed on cleanup) and persistent (fixed-path) modes.
//
// Ephemeral mode creates uniquely named directories (e.g.
// docpipe-deploy-20261017-122336-3f9a) used to stage a deploy artifact for a
// single publish action.
//
// Persistent mode uses a fixed directory (the configured execution work
// directory) that steps share across runs.
package workspace
