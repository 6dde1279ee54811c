package mdu

import (
	"net/url"
	"strings"

	"github.com/teranos/drover/material"
)

// PostCommitHook selects the materials a post-commit notification refers to
type PostCommitHook interface {
	// Type is the value of the "type" parameter this hook handles
	Type() string
	// Validate reports whether params carry what Prune needs
	Validate(params map[string]string) bool
	// Prune keeps the materials params refer to
	Prune(params map[string]string, materials []material.Material) []material.Material
}

const (
	ParamType          = "type"
	ParamRepositoryURL = "repository_url"
	ParamBranch        = "branch"
	ParamUUID          = "uuid"
)

// GitHook matches git materials by repository url, and by branch when given
type GitHook struct{}

func (GitHook) Type() string { return string(material.KindGit) }

func (GitHook) Validate(params map[string]string) bool {
	return strings.TrimSpace(params[ParamRepositoryURL]) != ""
}

func (GitHook) Prune(params map[string]string, materials []material.Material) []material.Material {
	want := normalizeURL(params[ParamRepositoryURL])
	branch := strings.TrimSpace(params[ParamBranch])

	var out []material.Material
	for _, m := range materials {
		if m.Kind != material.KindGit {
			continue
		}
		if normalizeURL(m.URL) != want {
			continue
		}
		if branch != "" && m.EffectiveBranch() != branch {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SvnHook matches svn materials by repository uuid or url
type SvnHook struct{}

func (SvnHook) Type() string { return string(material.KindSvn) }

func (SvnHook) Validate(params map[string]string) bool {
	return strings.TrimSpace(params[ParamUUID]) != "" ||
		strings.TrimSpace(params[ParamRepositoryURL]) != ""
}

func (SvnHook) Prune(params map[string]string, materials []material.Material) []material.Material {
	uuid := strings.TrimSpace(params[ParamUUID])
	want := normalizeURL(params[ParamRepositoryURL])

	var out []material.Material
	for _, m := range materials {
		if m.Kind != material.KindSvn {
			continue
		}
		switch {
		case uuid != "" && m.Attributes["uuid"] == uuid:
			out = append(out, m)
		case uuid == "" && normalizeURL(m.URL) == want:
			out = append(out, m)
		}
	}
	return out
}

// normalizeURL drops credentials, a trailing slash and a ".git" suffix, and
// lowercases scheme and host, so that equivalent remotes compare equal
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	trim := func(s string) string {
		s = strings.TrimRight(s, "/")
		return strings.TrimSuffix(s, ".git")
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// scp-like git remotes (user@host:path) and local paths
		if at := strings.Index(raw, "@"); at >= 0 && !strings.Contains(raw[:at], "/") {
			raw = raw[at+1:]
		}
		return trim(raw)
	}
	u.User = nil
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = trim(u.Path)
	return u.String()
}
