package runctx

import (
	"fmt"
	"strings"

	foundationerrors "git.home.luguber.info/inful/docpipe/internal/foundation/errors"
)

// RefKind distinguishes branch from tag triggers.
type RefKind string

const (
	RefBranch RefKind = "branch"
	RefTag    RefKind = "tag"
)

const (
	branchPrefix = "refs/heads/"
	tagPrefix    = "refs/tags/"
)

// Ref is the triggering git ref of a run.
type Ref struct {
	Kind RefKind
	Name string // Short name: "master", "v1.2.3"
}

// ParseRef interprets refs/heads/x as a branch, refs/tags/x as a tag and any
// other value as a bare branch name.
func ParseRef(raw string) Ref {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, tagPrefix):
		return Ref{Kind: RefTag, Name: strings.TrimPrefix(raw, tagPrefix)}
	case strings.HasPrefix(raw, branchPrefix):
		return Ref{Kind: RefBranch, Name: strings.TrimPrefix(raw, branchPrefix)}
	default:
		return Ref{Kind: RefBranch, Name: raw}
	}
}

// ParseQualifiedRef accepts only refs/heads/<name> and refs/tags/<name>. A bare
// value is ambiguous between a branch and a tag and is rejected.
func ParseQualifiedRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if !IsQualified(raw) {
		return Ref{}, foundationerrors.ValidationError(fmt.Sprintf("ref %q must be refs/heads/<branch> or refs/tags/<tag>", raw)).
			WithContext("ref", raw).
			Build()
	}
	ref := ParseRef(raw)
	if ref.IsZero() {
		return Ref{}, foundationerrors.ValidationError(fmt.Sprintf("ref %q names no branch or tag", raw)).
			WithContext("ref", raw).
			Build()
	}
	return ref, nil
}

// IsQualified reports whether raw carries a refs/heads/ or refs/tags/ prefix.
func IsQualified(raw string) bool {
	return strings.HasPrefix(raw, branchPrefix) || strings.HasPrefix(raw, tagPrefix)
}

// BranchRef returns a branch ref.
func BranchRef(name string) Ref { return Ref{Kind: RefBranch, Name: name} }

// TagRef returns a tag ref.
func TagRef(name string) Ref { return Ref{Kind: RefTag, Name: name} }

// IsTag reports whether the ref is a tag.
func (r Ref) IsTag() bool { return r.Kind == RefTag }

// IsZero reports whether no ref was supplied.
func (r Ref) IsZero() bool { return r.Name == "" }

// Branch returns the branch name or "" for tags.
func (r Ref) Branch() string {
	if r.Kind == RefBranch {
		return r.Name
	}
	return ""
}

// Tag returns the tag name or "" for branches.
func (r Ref) Tag() string {
	if r.Kind == RefTag {
		return r.Name
	}
	return ""
}

// String returns the fully qualified ref.
func (r Ref) String() string {
	if r.Name == "" {
		return ""
	}
	if r.Kind == RefTag {
		return tagPrefix + r.Name
	}
	return branchPrefix + r.Name
}
