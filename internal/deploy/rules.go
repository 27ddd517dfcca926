package deploy

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"git.home.luguber.info/inful/docpipe/internal/pipeline"
	"git.home.luguber.info/inful/docpipe/internal/runctx"
)

// IsStableTag reports whether tag has the exact shape vMAJOR.MINOR.PATCH with
// no pre-release or build metadata.
func IsStableTag(tag string) bool {
	rest, ok := strings.CutPrefix(tag, "v")
	if !ok {
		return false
	}
	v, err := semver.StrictNewVersion(rest)
	if err != nil {
		return false
	}
	return v.Prerelease() == "" && v.Metadata() == ""
}

// Matches reports whether the target's ref rule accepts ref. Branch rules never
// match tags and the tag rule never matches branches.
func Matches(t pipeline.DeployTarget, ref runctx.Ref) bool {
	switch {
	case t.Branch != "":
		return ref.Kind == runctx.RefBranch && ref.Name == t.Branch
	case t.Tags == pipeline.TagRuleSemver:
		return ref.Kind == runctx.RefTag && IsStableTag(ref.Name)
	default:
		return false
	}
}
