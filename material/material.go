// Package material models change sources a pipeline can trigger from and
// their stable fingerprints.
package material

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/teranos/drover/errors"
)

// Kind identifies the class of a material
type Kind string

const (
	KindGit          Kind = "git"
	KindSvn          Kind = "svn"
	KindHg           Kind = "hg"
	KindP4           Kind = "p4"
	KindTfs          Kind = "tfs"
	KindDependency   Kind = "dependency"
	KindPackage      Kind = "package"
	KindPluggableSCM Kind = "plugin"
)

// DefaultGitBranch is used for git materials configured without a branch
const DefaultGitBranch = "master"

var kinds = map[Kind]bool{
	KindGit: true, KindSvn: true, KindHg: true, KindP4: true, KindTfs: true,
	KindDependency: true, KindPackage: true, KindPluggableSCM: true,
}

// ParseKind validates a kind name
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !kinds[k] {
		return "", errors.NewInvalidRequestError("unknown material kind %q", s)
	}
	return k, nil
}

// IsSCM reports whether the kind is a version-control system polled directly
func (k Kind) IsSCM() bool {
	switch k {
	case KindGit, KindSvn, KindHg, KindP4, KindTfs:
		return true
	}
	return false
}

// Material is a change source. Fingerprint is derived from the identifying
// attributes only; Name and AutoUpdate may change without changing identity.
type Material struct {
	Kind Kind `yaml:"type" json:"type"`

	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`

	// Dependency materials
	UpstreamPipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	UpstreamStage    string `yaml:"stage,omitempty" json:"stage,omitempty"`

	// Package and pluggable materials, and extra identity such as an svn repository uuid
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`

	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	AutoUpdate bool   `yaml:"auto_update" json:"auto_update"`
}

// identity returns the sorted key=value pairs that define the material
func (m Material) identity() []string {
	pairs := map[string]string{
		"url":               strings.TrimSpace(m.URL),
		"branch":            strings.TrimSpace(m.Branch),
		"upstream_pipeline": strings.TrimSpace(m.UpstreamPipeline),
		"upstream_stage":    strings.TrimSpace(m.UpstreamStage),
	}
	if m.Kind == KindGit && pairs["branch"] == "" {
		pairs["branch"] = DefaultGitBranch
	}
	for k, v := range m.Attributes {
		pairs["attr."+k] = v
	}

	out := make([]string, 0, len(pairs))
	for k, v := range pairs {
		if v == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Fingerprint is the hex SHA-256 over the kind and identifying attributes
func (m Material) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "kind=%s\n", m.Kind)
	for _, pair := range m.identity() {
		fmt.Fprintf(h, "%s\n", pair)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EffectiveBranch returns the branch after defaults are applied
func (m Material) EffectiveBranch() string {
	if m.Kind == KindGit && strings.TrimSpace(m.Branch) == "" {
		return DefaultGitBranch
	}
	return m.Branch
}

// DisplayName is the short label used in health messages and CLI output
func (m Material) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	if m.Kind == KindDependency {
		return m.UpstreamPipeline + "/" + m.UpstreamStage
	}
	if m.URL != "" {
		return m.URL
	}
	return string(m.Kind)
}

// LongDescription includes every identifying attribute
func (m Material) LongDescription() string {
	switch m.Kind {
	case KindDependency:
		return fmt.Sprintf("Pipeline: %s, Stage: %s", m.UpstreamPipeline, m.UpstreamStage)
	case KindGit:
		return fmt.Sprintf("URL: %s, Branch: %s", m.URL, m.EffectiveBranch())
	case KindPackage, KindPluggableSCM:
		keys := make([]string, 0, len(m.Attributes))
		for k := range m.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+m.Attributes[k])
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("URL: %s", m.URL)
	}
}

// Validate checks the attributes required for the kind
func (m Material) Validate() error {
	if !kinds[m.Kind] {
		return errors.NewInvalidRequestError("unknown material kind %q", m.Kind)
	}
	switch {
	case m.Kind == KindDependency:
		if m.UpstreamPipeline == "" || m.UpstreamStage == "" {
			return errors.NewInvalidRequestError("dependency material requires pipeline and stage")
		}
	case m.Kind.IsSCM():
		if strings.TrimSpace(m.URL) == "" {
			return errors.NewInvalidRequestError("%s material requires a url", m.Kind)
		}
	default:
		if len(m.Attributes) == 0 {
			return errors.NewInvalidRequestError("%s material requires attributes", m.Kind)
		}
	}
	return nil
}
