package store

import (
	"context"
	"errors"

	"github.com/simplesurance/gobors/internal/borserr"
)

// GetTreeState returns the tree-close gate of repo.
// If the tree was never closed an open TreeState is returned.
func (t *Tx) GetTreeState(ctx context.Context, repo string) (*TreeState, error) {
	var ts TreeState

	err := t.get(ctx, "get tree state", &ts,
		"SELECT repo, treeclosed, COALESCE(treeclosed_src, '') AS treeclosed_src FROM repos WHERE repo = ?",
		repo,
	)
	if err != nil {
		if errors.Is(err, borserr.ErrNotFound) {
			return &TreeState{Repo: repo}, nil
		}

		return nil, err
	}

	return &ts, nil
}

// SetTreeState closes the tree for pull requests with a priority <=
// priority. A priority of 0 opens the tree.
func (t *Tx) SetTreeState(ctx context.Context, repo string, priority int, source string) error {
	_, err := t.exec(ctx, "delete tree state", "DELETE FROM repos WHERE repo = ?", repo)
	if err != nil {
		return err
	}

	if priority <= 0 {
		return nil
	}

	_, err = t.exec(ctx, "insert tree state",
		"INSERT INTO repos (repo, treeclosed, treeclosed_src) VALUES (?, ?, ?)",
		repo, priority, nullStr(source),
	)

	return err
}
