// Package condition evaluates stage and step conditions.
//
// Conditions are boolean expr-lang expressions evaluated against an Env. The
// status functions succeeded(), failed(), succeededOrFailed(), always() and
// canceled() are bound per evaluation site: at stage level they look at the
// results of the stage's direct dependencies, at step level at the earlier
// steps of the same job instance. Dependency results and published outputs are
// reachable as dependencies.<Stage>.result and dependencies.<Stage>.outputs["job.name"].
package condition
