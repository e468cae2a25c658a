package github

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/githubclt"
	"github.com/simplesurance/gobors/internal/logfields"
)

// DryGithubClient is a github-client that does not do any changes on github.
// All operations that could cause a change are simulated and always succeed.
// All all other operations are forwarded to a wrapped GithubClient.
type DryGithubClient struct {
	clt    GithubClient
	logger *zap.Logger
}

func NewDryGithubClient(clt GithubClient, logger *zap.Logger) *DryGithubClient {
	return &DryGithubClient{
		clt:    clt,
		logger: logger.Named("dry_github_client"),
	}
}

func (c *DryGithubClient) CreateIssueComment(_ context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	c.logger.Info("simulated creating of github issue comment, no comment created on github",
		logfields.Repository(owner+"/"+repo),
		logfields.PullRequest(issueOrPRNr),
		zap.String("comment", comment),
	)
	return nil
}

func (c *DryGithubClient) AddLabel(_ context.Context, owner, repo string, num int, label string) error {
	c.logger.Info("simulated adding label",
		logfields.Repository(owner+"/"+repo),
		logfields.PullRequest(num),
		logfields.Label(label),
	)
	return nil
}

func (*DryGithubClient) RemoveLabel(context.Context, string, string, int, string) error {
	return nil
}

func (c *DryGithubClient) ListLabels(ctx context.Context, owner, repo string, num int) ([]string, error) {
	return c.clt.ListLabels(ctx, owner, repo, num)
}

func (c *DryGithubClient) CreateCommitStatus(_ context.Context, owner, repo, sha, state, _, _ string) error {
	c.logger.Info("simulated creating commit status",
		logfields.Repository(owner+"/"+repo),
		logfields.Commit(sha),
		zap.String("state", state),
	)
	return nil
}

func (c *DryGithubClient) Mergeable(ctx context.Context, owner, repo string, num int) (bool, error) {
	return c.clt.Mergeable(ctx, owner, repo, num)
}

// BuildMergeCommit simulates creating a merge commit, the head of the last
// pull request is returned as merge commit.
func (c *DryGithubClient) BuildMergeCommit(_ context.Context, owner, repo, baseBranch, branch string, heads []*githubclt.MergeHead, _ bool, _ string) (string, error) {
	sha := heads[len(heads)-1].SHA
	c.logger.Info("simulated creating merge commit, returning head of last pull request",
		logfields.Repository(owner+"/"+repo),
		logfields.BaseBranch(baseBranch),
		zap.String("git.branch", branch),
		logfields.MergeSHA(sha),
	)
	return sha, nil
}

func (c *DryGithubClient) FastForward(_ context.Context, owner, repo, baseBranch, sha string) error {
	c.logger.Info("simulated updating base branch",
		logfields.Repository(owner+"/"+repo),
		logfields.BaseBranch(baseBranch),
		logfields.MergeSHA(sha),
	)
	return nil
}

func (c *DryGithubClient) CommitStatuses(ctx context.Context, owner, repo, sha string) ([]*githubclt.CIJobStatus, error) {
	return c.clt.CommitStatuses(ctx, owner, repo, sha)
}
