package updater

import (
	"context"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/material"
)

// GitUpdater reads the head commit of a git material's branch. Local
// repositories are opened in place; remote ones are listed and, when the head
// moved, shallow-cloned into memory to read the commit.
type GitUpdater struct {
	// Known returns the last recorded modification. When the remote head
	// still matches it the clone is skipped and that modification is reported
	// as the latest, so the check counts as a success. Optional.
	Known func(ctx context.Context, fingerprint string) (material.Modification, bool)
}

// Latest returns the head commit of the material's branch
func (g GitUpdater) Latest(ctx context.Context, m material.Material) (material.Modification, error) {
	if m.Kind != material.KindGit {
		return material.Modification{}, errors.NewInvalidRequestError("git updater cannot update %s material", m.Kind)
	}
	branch := plumbing.NewBranchReferenceName(m.EffectiveBranch())

	if path, ok := localPath(m.URL); ok {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return material.Modification{}, errors.Wrapf(err, "failed to open repository %s", path)
		}
		return headOf(repo, branch)
	}

	head, err := g.remoteHead(ctx, m.URL, branch)
	if err != nil {
		return material.Modification{}, err
	}
	if mod, ok := g.known(ctx, m, head); ok {
		return mod, nil
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:           m.URL,
		ReferenceName: branch,
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return material.Modification{}, errors.Wrapf(err, "failed to fetch %s", m.URL)
	}
	return headOf(repo, branch)
}

// known returns the recorded modification when it is still the remote head
func (g GitUpdater) known(ctx context.Context, m material.Material, head plumbing.Hash) (material.Modification, bool) {
	if g.Known == nil {
		return material.Modification{}, false
	}
	mod, ok := g.Known(ctx, m.Fingerprint())
	if !ok || mod.Revision != head.String() {
		return material.Modification{}, false
	}
	return mod, true
}

func (g GitUpdater) remoteHead(ctx context.Context, url string, branch plumbing.ReferenceName) (plumbing.Hash, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	})
	refs, err := remote.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "failed to list refs of %s", url)
	}
	for _, ref := range refs {
		if ref.Name() == branch {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, errors.WithDetailf(
		errors.NewNotFoundError("branch %s", branch.Short()),
		"Repository: %s", url)
}

func headOf(repo *git.Repository, branch plumbing.ReferenceName) (material.Modification, error) {
	ref, err := repo.Reference(branch, true)
	if err != nil {
		return material.Modification{}, errors.Wrapf(err, "failed to resolve %s", branch.Short())
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return material.Modification{}, errors.Wrapf(err, "failed to read commit %s", ref.Hash())
	}
	return modificationOf(commit), nil
}

func modificationOf(c *object.Commit) material.Modification {
	return material.Modification{
		Revision:    c.Hash.String(),
		CommittedAt: c.Committer.When.UTC(),
		Author:      c.Author.Name + " <" + c.Author.Email + ">",
		Comment:     strings.TrimSpace(c.Message),
	}
}

// localPath reports whether url names a repository on this host
func localPath(url string) (string, bool) {
	if p, ok := strings.CutPrefix(url, "file://"); ok {
		return p, true
	}
	if strings.Contains(url, "://") || strings.HasPrefix(url, "git@") {
		return "", false
	}
	if _, err := os.Stat(url); err == nil {
		return url, true
	}
	return "", false
}
