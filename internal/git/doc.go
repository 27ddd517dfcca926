// Package git reads local repository state with go-git: the commit history the
// commit gate inspects and the ref a run was triggered from.
package git
