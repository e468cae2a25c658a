package store

import (
	"context"
)

const pullColumns = `repo, num, status,
	COALESCE(merge_sha, '') AS merge_sha,
	COALESCE(title, '') AS title,
	COALESCE(body, '') AS body,
	COALESCE(head_sha, '') AS head_sha,
	COALESCE(head_ref, '') AS head_ref,
	COALESCE(base_ref, '') AS base_ref,
	COALESCE(assignee, '') AS assignee,
	COALESCE(approved_by, '') AS approved_by,
	COALESCE(priority, 0) AS priority,
	COALESCE(try_, 0) AS try_,
	COALESCE(rollup, 0) AS rollup,
	COALESCE(squash, 0) AS squash,
	COALESCE(delegate, '') AS delegate,
	queued_at,
	testing_since,
	COALESCE(attempt_id, '') AS attempt_id`

// pullOrder is the queue order: higher priority first, then earlier
// queued, then lower pull request number.
const pullOrder = ` ORDER BY COALESCE(priority, 0) DESC,
	CASE WHEN queued_at IS NULL THEN 1 ELSE 0 END,
	queued_at ASC,
	num ASC`

// GetPullRequest returns the pull request with the number num.
// If it does not exist borserr.ErrNotFound is returned.
func (t *Tx) GetPullRequest(ctx context.Context, repo string, num int) (*PullRequest, error) {
	var pr PullRequest

	err := t.get(
		ctx, "get pull request", &pr,
		"SELECT "+pullColumns+" FROM pull WHERE repo = ? AND num = ?",
		repo, num,
	)
	if err != nil {
		return nil, err
	}

	return &pr, nil
}

// UpsertPullRequest inserts pr or replaces all fields of the existing
// record.
func (t *Tx) UpsertPullRequest(ctx context.Context, pr *PullRequest) error {
	_, err := t.exec(ctx, "upsert pull request", `INSERT INTO pull (
			repo, num, status, merge_sha, title, body, head_sha, head_ref,
			base_ref, assignee, approved_by, priority, try_, rollup, squash,
			delegate, queued_at, testing_since, attempt_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo, num) DO UPDATE SET
			status = excluded.status,
			merge_sha = excluded.merge_sha,
			title = excluded.title,
			body = excluded.body,
			head_sha = excluded.head_sha,
			head_ref = excluded.head_ref,
			base_ref = excluded.base_ref,
			assignee = excluded.assignee,
			approved_by = excluded.approved_by,
			priority = excluded.priority,
			try_ = excluded.try_,
			rollup = excluded.rollup,
			squash = excluded.squash,
			delegate = excluded.delegate,
			queued_at = excluded.queued_at,
			testing_since = excluded.testing_since,
			attempt_id = excluded.attempt_id`,
		pr.Repo,
		pr.Number,
		string(pr.Status),
		nullStr(pr.MergeSHA),
		pr.Title,
		pr.Body,
		pr.HeadSHA,
		pr.HeadRef,
		pr.BaseRef,
		nullStr(pr.Assignee),
		nullStr(pr.ApprovedBy),
		pr.Priority,
		boolToInt(pr.IsTry),
		pr.Rollup,
		boolToInt(pr.Squash),
		nullStr(pr.Delegate),
		nullTime(pr.QueuedAt),
		nullTime(pr.TestingSince),
		nullStr(pr.AttemptID),
	)

	return err
}

// ListPullRequests returns the pull requests of repo in queue order.
// If statuses are passed, only pull requests in one of the statuses are
// returned.
func (t *Tx) ListPullRequests(ctx context.Context, repo string, statuses ...Status) ([]*PullRequest, error) {
	const op = "list pull requests"
	var result []*PullRequest

	if len(statuses) == 0 {
		err := t.selectAll(ctx, op, &result, "SELECT "+pullColumns+" FROM pull WHERE repo = ?"+pullOrder, repo)
		return result, err
	}

	q, args, err := in(op, "SELECT "+pullColumns+" FROM pull WHERE repo = ? AND status IN (?)"+pullOrder, repo, statusStrings(statuses))
	if err != nil {
		return nil, err
	}

	err = t.selectAll(ctx, op, &result, q, args...)
	return result, err
}

// ListPullRequestsByAttempt returns the pull requests that are members of
// the integration attempt with the given id.
func (t *Tx) ListPullRequestsByAttempt(ctx context.Context, repo, attemptID string) ([]*PullRequest, error) {
	var result []*PullRequest

	err := t.selectAll(
		ctx, "list pull requests by attempt", &result,
		"SELECT "+pullColumns+" FROM pull WHERE repo = ? AND attempt_id = ?"+pullOrder,
		repo, attemptID,
	)

	return result, err
}

// ListPullRequestsByMergeSHA returns the pull requests whose current or
// last integration attempt has the merge commit sha.
func (t *Tx) ListPullRequestsByMergeSHA(ctx context.Context, repo, sha string) ([]*PullRequest, error) {
	var result []*PullRequest

	err := t.selectAll(
		ctx, "list pull requests by merge sha", &result,
		"SELECT "+pullColumns+" FROM pull WHERE repo = ? AND merge_sha = ?"+pullOrder,
		repo, sha,
	)

	return result, err
}

// ListPullRequestsByBase returns the pull requests of repo that target the
// base branch.
func (t *Tx) ListPullRequestsByBase(ctx context.Context, repo, baseRef string) ([]*PullRequest, error) {
	var result []*PullRequest

	err := t.selectAll(
		ctx, "list pull requests by base branch", &result,
		"SELECT "+pullColumns+" FROM pull WHERE repo = ? AND base_ref = ?"+pullOrder,
		repo, baseRef,
	)

	return result, err
}
