package store

import (
	"context"
	"time"
)

const buildResultColumns = "repo, num, builder, merge_sha, res, url, updated_at"

// InsertPendingResults creates pending results for the builders for a
// pull request in an integration attempt.
// Existing results are not changed.
func (t *Tx) InsertPendingResults(ctx context.Context, repo string, num int, mergeSHA string, builders []string, now time.Time) error {
	for _, b := range builders {
		_, err := t.exec(ctx, "insert pending build result",
			`INSERT INTO build_results (`+buildResultColumns+`)
			VALUES (?, ?, ?, ?, ?, '', ?)
			ON CONFLICT (repo, num, builder, merge_sha) DO NOTHING`,
			repo, num, b, mergeSHA, string(ResultPending), now.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// GetBuildResult returns the result of builder for the pull request and
// merge commit.
// If it does not exist borserr.ErrNotFound is returned.
func (t *Tx) GetBuildResult(ctx context.Context, repo string, num int, builder, mergeSHA string) (*BuildResult, error) {
	var res BuildResult

	err := t.get(ctx, "get build result", &res,
		"SELECT "+buildResultColumns+" FROM build_results WHERE repo = ? AND num = ? AND builder = ? AND merge_sha = ?",
		repo, num, builder, mergeSHA,
	)
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// UpsertBuildResult stores res, an existing result for the same builder
// and merge commit is replaced.
func (t *Tx) UpsertBuildResult(ctx context.Context, res *BuildResult) error {
	_, err := t.exec(ctx, "upsert build result",
		`INSERT INTO build_results (`+buildResultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo, num, builder, merge_sha) DO UPDATE SET
			res = excluded.res,
			url = excluded.url,
			updated_at = excluded.updated_at`,
		res.Repo, res.Number, res.Builder, res.MergeSHA, string(res.Result), res.URL, res.UpdatedAt.UTC(),
	)

	return err
}

// ListBuildResults returns all builder results for a pull request and merge
// commit, ordered by builder name.
func (t *Tx) ListBuildResults(ctx context.Context, repo string, num int, mergeSHA string) ([]*BuildResult, error) {
	var result []*BuildResult

	err := t.selectAll(ctx, "list build results", &result,
		"SELECT "+buildResultColumns+" FROM build_results WHERE repo = ? AND num = ? AND merge_sha = ? ORDER BY builder",
		repo, num, mergeSHA,
	)

	return result, err
}
