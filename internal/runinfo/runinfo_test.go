package runinfo

import "testing"

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestFromLookup(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want *Info
	}{
		{name: "none", env: map[string]string{}, want: nil},
		{
			name: "github pull request",
			env: map[string]string{
				"GITHUB_ACTIONS":    "true",
				"GITHUB_REPOSITORY": "acme/shop",
				"GITHUB_HEAD_REF":   "feature/idx",
				"GITHUB_REF":        "refs/pull/108/merge",
				"GITHUB_SHA":        "deadbeef",
				"GITHUB_JOB":        "test",
				"GITHUB_RUN_ID":     "123",
			},
			want: &Info{
				CI: true, Provider: "github_actions", Repository: "acme/shop", Branch: "feature/idx",
				Commit: "deadbeef", Job: "test", RunID: "123", PullRequest: "108",
				BuildURL: "https://github.com/acme/shop/actions/runs/123",
			},
		},
		{
			name: "jenkins url marker",
			env:  map[string]string{"JENKINS_URL": "https://ci.local/", "GIT_BRANCH": "origin/main", "BUILD_NUMBER": "7"},
			want: &Info{CI: true, Provider: "jenkins", Branch: "main", RunID: "7"},
		},
		{
			name: "generic ci",
			env:  map[string]string{"CI": "1"},
			want: &Info{CI: true, Provider: "generic"},
		},
		{
			name: "overrides",
			env:  map[string]string{"GITLAB_CI": "true", "CI_COMMIT_SHA": "abc", "SQLOPT_CI_COMMIT": "def", "SQLOPT_CI_BRANCH": "refs/heads/dev"},
			want: &Info{CI: true, Provider: "gitlab_ci", Commit: "def", Branch: "dev"},
		},
		{
			name: "explicit off",
			env:  map[string]string{"SQLOPT_CI": "false", "SQLOPT_CI_COMMIT": "abc"},
			want: &Info{Commit: "abc"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fromLookup(lookupFrom(tc.env))
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("unexpected info %+v", got)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("unexpected info %+v, want %+v", *got, *tc.want)
			}
		})
	}
}

func TestDetails(t *testing.T) {
	var nilInfo *Info
	if nilInfo.Details() != nil {
		t.Fatalf("unexpected details for nil info")
	}
	d := (&Info{CI: true, Provider: "generic", Commit: "abc"}).Details()
	if len(d) != 3 || d["commit"] != "abc" || d["ci"] != true {
		t.Fatalf("unexpected details %v", d)
	}
}
