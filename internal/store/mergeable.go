package store

import (
	"context"
	"errors"

	"github.com/simplesurance/gobors/internal/borserr"
)

// SetMergeable records if a pull request can be merged into its base
// branch without conflicts.
func (t *Tx) SetMergeable(ctx context.Context, repo string, num int, mergeable bool) error {
	_, err := t.exec(ctx, "set mergeable",
		`INSERT INTO mergeable (repo, num, mergeable) VALUES (?, ?, ?)
		ON CONFLICT (repo, num) DO UPDATE SET mergeable = excluded.mergeable`,
		repo, num, boolToInt(mergeable),
	)

	return err
}

// GetMergeable returns the cached mergeability of a pull request.
// known is false when nothing is cached.
func (t *Tx) GetMergeable(ctx context.Context, repo string, num int) (mergeable, known bool, err error) {
	var val int

	err = t.get(ctx, "get mergeable", &val,
		"SELECT mergeable FROM mergeable WHERE repo = ? AND num = ?",
		repo, num,
	)
	if err != nil {
		if errors.Is(err, borserr.ErrNotFound) {
			return false, false, nil
		}

		return false, false, err
	}

	return val != 0, true, nil
}

// ClearMergeable removes the cached mergeability of a pull request.
func (t *Tx) ClearMergeable(ctx context.Context, repo string, num int) error {
	_, err := t.exec(ctx, "clear mergeable",
		"DELETE FROM mergeable WHERE repo = ? AND num = ?",
		repo, num,
	)

	return err
}

// ClearMergeableForBase removes the cached mergeability of all pull
// requests that target baseRef.
func (t *Tx) ClearMergeableForBase(ctx context.Context, repo, baseRef string) (int64, error) {
	return t.exec(ctx, "clear mergeable for base branch",
		`DELETE FROM mergeable WHERE repo = ? AND num IN (
			SELECT num FROM pull WHERE repo = ? AND base_ref = ?
		)`,
		repo, repo, baseRef,
	)
}
