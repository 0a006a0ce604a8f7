// Package runinfo describes the environment an optimizer session ran in, so
// reports from CI jobs can be traced back to the build that produced them.
package runinfo

import (
	"os"
	"regexp"
	"strings"
)

var pullRefPattern = regexp.MustCompile(`^refs/pull/([0-9]+)/`)

// Info is the CI metadata attached to a session summary.
type Info struct {
	CI          bool   `json:"ci,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Commit      string `json:"commit,omitempty"`
	Job         string `json:"job,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	PullRequest string `json:"pull_request,omitempty"`
	BuildURL    string `json:"build_url,omitempty"`
}

// provider maps a CI system's environment onto Info fields.
type provider struct {
	name   string
	marker string
	// anyValue accepts any non-empty marker, not only a truthy flag.
	anyValue bool
	fields   map[*string][]string
}

func (p provider) active(get func(...string) string) bool {
	v := get(p.marker)
	if p.anyValue {
		return v != ""
	}
	return truthy(v)
}

// FromEnv reads run metadata from the environment. SQLOPT_CI_* variables
// override whatever the CI provider exposes. It returns nil outside CI when
// nothing is set.
func FromEnv() *Info {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) *Info {
	get := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := lookup(key); ok {
				if v = strings.TrimSpace(v); v != "" {
					return v
				}
			}
		}
		return ""
	}

	var info Info
	for _, p := range providers(&info) {
		if !p.active(get) {
			continue
		}
		info.CI = true
		info.Provider = p.name
		for dst, keys := range p.fields {
			*dst = get(keys...)
		}
		break
	}
	if info.Provider == "github_actions" {
		if info.PullRequest == "" {
			info.PullRequest = pullRequestFromRef(get("GITHUB_REF"))
		}
		if info.Repository != "" && info.RunID != "" {
			server := strings.TrimRight(get("GITHUB_SERVER_URL"), "/")
			if server == "" {
				server = "https://github.com"
			}
			info.BuildURL = server + "/" + info.Repository + "/actions/runs/" + info.RunID
		}
	}
	if truthy(get("CI")) {
		info.CI = true
	}

	explicit := false
	for dst, key := range map[*string]string{
		&info.Provider:    "SQLOPT_CI_PROVIDER",
		&info.Repository:  "SQLOPT_CI_REPOSITORY",
		&info.Branch:      "SQLOPT_CI_BRANCH",
		&info.Commit:      "SQLOPT_CI_COMMIT",
		&info.Job:         "SQLOPT_CI_JOB",
		&info.RunID:       "SQLOPT_CI_RUN_ID",
		&info.PullRequest: "SQLOPT_CI_PULL_REQUEST",
		&info.BuildURL:    "SQLOPT_CI_BUILD_URL",
	} {
		if v := get(key); v != "" {
			*dst = v
			explicit = true
		}
	}
	if explicit {
		info.CI = true
	}
	if v := get("SQLOPT_CI"); v != "" {
		info.CI = truthy(v)
	}

	info.Provider = strings.ToLower(info.Provider)
	info.Branch = strings.TrimPrefix(strings.TrimPrefix(info.Branch, "refs/heads/"), "origin/")
	if info.CI && info.Provider == "" {
		info.Provider = "generic"
	}
	if info == (Info{}) {
		return nil
	}
	return &info
}

func providers(info *Info) []provider {
	return []provider{
		{name: "github_actions", marker: "GITHUB_ACTIONS", fields: map[*string][]string{
			&info.Repository:  {"GITHUB_REPOSITORY"},
			&info.Branch:      {"GITHUB_HEAD_REF", "GITHUB_REF_NAME"},
			&info.Commit:      {"GITHUB_SHA"},
			&info.Job:         {"GITHUB_JOB"},
			&info.RunID:       {"GITHUB_RUN_ID"},
			&info.PullRequest: {"GITHUB_PR_NUMBER"},
		}},
		{name: "gitlab_ci", marker: "GITLAB_CI", fields: map[*string][]string{
			&info.Repository: {"CI_PROJECT_PATH"},
			&info.Branch:     {"CI_COMMIT_REF_NAME"},
			&info.Commit:     {"CI_COMMIT_SHA"},
			&info.Job:        {"CI_JOB_NAME"},
			&info.RunID:      {"CI_PIPELINE_ID"},
			&info.BuildURL:   {"CI_JOB_URL"},
		}},
		{name: "buildkite", marker: "BUILDKITE", fields: map[*string][]string{
			&info.Repository:  {"BUILDKITE_REPO"},
			&info.Branch:      {"BUILDKITE_BRANCH"},
			&info.Commit:      {"BUILDKITE_COMMIT"},
			&info.Job:         {"BUILDKITE_LABEL"},
			&info.RunID:       {"BUILDKITE_BUILD_ID"},
			&info.PullRequest: {"BUILDKITE_PULL_REQUEST"},
			&info.BuildURL:    {"BUILDKITE_BUILD_URL"},
		}},
		{name: "jenkins", marker: "JENKINS_URL", anyValue: true, fields: map[*string][]string{
			&info.Branch:   {"BRANCH_NAME", "GIT_BRANCH"},
			&info.Commit:   {"GIT_COMMIT"},
			&info.Job:      {"JOB_NAME"},
			&info.RunID:    {"BUILD_ID", "BUILD_NUMBER"},
			&info.BuildURL: {"BUILD_URL"},
		}},
	}
}

// Details flattens the info for a report summary.
func (i *Info) Details() map[string]any {
	if i == nil {
		return nil
	}
	out := map[string]any{"ci": i.CI}
	for key, v := range map[string]string{
		"provider":     i.Provider,
		"repository":   i.Repository,
		"branch":       i.Branch,
		"commit":       i.Commit,
		"job":          i.Job,
		"run_id":       i.RunID,
		"pull_request": i.PullRequest,
		"build_url":    i.BuildURL,
	} {
		if v != "" {
			out[key] = v
		}
	}
	return out
}

func pullRequestFromRef(ref string) string {
	if m := pullRefPattern.FindStringSubmatch(strings.TrimSpace(ref)); len(m) > 1 {
		return m[1]
	}
	return ""
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
