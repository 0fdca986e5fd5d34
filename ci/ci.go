// Package ci derives the repository and job identifiers used to query the
// flaky-test service from CI environment variables.
package ci

import (
	"os"
	"strings"

	"github.com/aponysus/rerun/controlplane"
)

const (
	CircleCIJobPrefix  = "ci/circleci:"
	BuildkiteJobPrefix = "buildkite/"
	GitHubJobPrefix    = "github/"
)

// Environment variables read for the remote lookup.
const (
	EnvAPIURL   = "AVIATOR_API_URL"
	EnvAPIToken = "AVIATOR_API_TOKEN"
)

// Provider names the CI system a Query was derived from.
type Provider string

const (
	ProviderNone      Provider = ""
	ProviderCircleCI  Provider = "circleci"
	ProviderBuildkite Provider = "buildkite"
	ProviderGitHub    Provider = "github"
)

// Env is the detected CI environment.
type Env struct {
	Provider Provider
	Query    controlplane.Query
	APIURL   string
	APIToken string
}

// Detected reports whether a supported CI provider was found.
func (e Env) Detected() bool { return e.Provider != ProviderNone }

// Detect reads the process environment.
func Detect() Env {
	return DetectFrom(os.Getenv)
}

// DetectFrom derives the environment through getenv. When several providers
// are present the last one checked wins: CircleCI, then Buildkite, then
// GitHub Actions.
func DetectFrom(getenv func(string) string) Env {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	var env Env

	if job := getenv("CIRCLE_JOB"); job != "" {
		env.Provider = ProviderCircleCI
		env.Query = controlplane.Query{
			RepoName: getenv("CIRCLE_PROJECT_USERNAME") + "/" + getenv("CIRCLE_PROJECT_REPONAME"),
			JobName:  CircleCIJobPrefix + job,
		}
	}
	if slug := getenv("BUILDKITE_PIPELINE_SLUG"); slug != "" {
		env.Provider = ProviderBuildkite
		env.Query = controlplane.Query{
			RepoName: repoFromGitURL(getenv("BUILDKITE_REPO")),
			JobName:  BuildkiteJobPrefix + slug,
		}
	}
	if repo := getenv("GITHUB_REPOSITORY"); repo != "" && getenv("GITHUB_ACTIONS") == "true" {
		env.Provider = ProviderGitHub
		env.Query = controlplane.Query{
			RepoName: repo,
			JobName:  GitHubJobPrefix + getenv("GITHUB_JOB"),
		}
	}

	env.APIURL = getenv(EnvAPIURL)
	if env.APIURL == "" {
		env.APIURL = controlplane.DefaultAPIURL
	}
	env.APIToken = getenv(EnvAPIToken)
	return env
}

// repoFromGitURL turns "git@github.com:owner/repo.git" into "owner/repo".
// https remotes are accepted as well.
func repoFromGitURL(u string) string {
	u = strings.TrimSpace(u)
	for _, prefix := range []string{"git@github.com:", "https://github.com/", "ssh://git@github.com/"} {
		if strings.HasPrefix(u, prefix) {
			u = strings.TrimPrefix(u, prefix)
			break
		}
	}
	return strings.TrimSuffix(u, ".git")
}
