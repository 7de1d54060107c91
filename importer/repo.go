package importer

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GetRepo opens the repository at path, cloning remote into it (bare) when
// it does not exist yet.
func GetRepo(remote, path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, err
	}

	repo, err = git.PlainClone(path, true, &git.CloneOptions{
		URL:      remote,
		Progress: nil,
	})

	return repo, err
}

func UpdateRepo(repo *git.Repository) error {
	err := repo.Fetch(&git.FetchOptions{
		RefSpecs: []config.RefSpec{config.RefSpec("+refs/heads/*:refs/heads/*")},
	})

	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// TreeSource serves fixtures from a git tree.
type TreeSource struct {
	tree *object.Tree
	// Dir is the directory inside the tree holding the fixtures.
	Dir string
}

// HeadSource returns the fixtures of the commit HEAD points to.
func HeadSource(repo *git.Repository, dir string) (*TreeSource, error) {
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("could not read HEAD: %w", err)
	}

	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("could not read commit object: %w", err)
	}

	tree, err := repo.TreeObject(commit.TreeHash)
	if err != nil {
		return nil, fmt.Errorf("could not read tree object: %w", err)
	}

	return &TreeSource{tree: tree, Dir: dir}, nil
}

func (t *TreeSource) Open(name string) (io.ReadCloser, error) {
	path := name
	if t.Dir != "" && t.Dir != "." {
		path = t.Dir + "/" + name
	}

	file, err := t.tree.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFixtureNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read %s from tree: %w", path, err)
	}

	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("could not create reader for blob: %w", err)
	}
	return reader, nil
}
