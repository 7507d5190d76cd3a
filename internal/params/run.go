package params

import (
	"cmp"
	"os"
)

// Run describes the CI context a pipeline executes in.
type Run struct {
	Branch        string `cty:"branch"`
	Tag           string `cty:"tag"`
	Commit        string `cty:"commit"`
	BuildNumber   string `cty:"build_number"`
	ChangeID      string `cty:"change_id"`
	PrimaryBranch string `cty:"primary_branch"`
}

// RunFromEnv reads the run context from the usual CI environment variables.
// The primary branch is not part of the environment and must be set by the
// caller.
func RunFromEnv(getenv func(string) string) Run {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Run{
		Branch:      getenv("BRANCH_NAME"),
		Tag:         getenv("TAG_NAME"),
		Commit:      getenv("GIT_COMMIT"),
		BuildNumber: getenv("BUILD_NUMBER"),
		ChangeID:    getenv("CHANGE_ID"),
	}
}

// Override returns a copy of r with every non-empty field of o applied.
func (r Run) Override(o Run) Run {
	r.Branch = cmp.Or(o.Branch, r.Branch)
	r.Tag = cmp.Or(o.Tag, r.Tag)
	r.Commit = cmp.Or(o.Commit, r.Commit)
	r.BuildNumber = cmp.Or(o.BuildNumber, r.BuildNumber)
	r.ChangeID = cmp.Or(o.ChangeID, r.ChangeID)
	r.PrimaryBranch = cmp.Or(o.PrimaryBranch, r.PrimaryBranch)
	return r
}

// IsTag reports whether the run builds a release tag.
func (r Run) IsTag() bool { return r.Tag != "" }

// IsPrimaryBranch reports whether the run builds the primary branch. Tag
// builds and pull requests never count as the primary branch.
func (r Run) IsPrimaryBranch() bool {
	return !r.IsTag() && r.ChangeID == "" && r.PrimaryBranch != "" && r.Branch == r.PrimaryBranch
}

// Channel is the deployment tier of the run.
func (r Run) Channel() string {
	switch {
	case r.IsTag():
		return ChannelProd
	case r.IsPrimaryBranch():
		return ChannelStaging
	default:
		return ChannelDev
	}
}

// ImageVersion is the tag of a release run and a pre-release version built
// from the build number otherwise.
func (r Run) ImageVersion() string {
	if r.IsTag() {
		return r.Tag
	}
	return "0.0.0-" + cmp.Or(r.BuildNumber, "0")
}
