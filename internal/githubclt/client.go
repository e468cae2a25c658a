// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "github_client"

var ErrPullRequestIsClosed = errors.New("pull request is closed")

// New returns a new github api client.
func New(oauthAPItoken string) *Client {
	httpClient := newHTTPClient(oauthAPItoken)
	return &Client{
		restClt:    github.NewClient(httpClient),
		graphQLClt: githubv4.NewClient(httpClient),
		logger:     zap.L().Named(loggerName),
	}
}

// NewEnterprise returns a client for a GitHub Enterprise server or a test
// server. baseURL is the URL of the REST API, graphQLURL the one of the
// GraphQL API.
func NewEnterprise(baseURL, graphQLURL string, httpClient *http.Client) (*Client, error) {
	restClt, err := github.NewClient(httpClient).WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		restClt:    restClt,
		graphQLClt: githubv4.NewEnterpriseClient(graphQLURL, httpClient),
		logger:     zap.L().Named(loggerName),
	}, nil
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// Client is an github API client.
// All methods return a borserr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

// CreateIssueComment creates a comment in a issue or pull request
func (clt *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error {
	_, _, err := clt.restClt.Issues.CreateComment(ctx, owner, repo, issueOrPRNr, &github.IssueComment{Body: &comment})
	return clt.wrapRetryableErrors(err)
}

// AddLabel adds a label to Pull-Request or Issue.
func (clt *Client) AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	if label == "" {
		// by default github removes all labels when none is provided,
		// we do not need this functionality, as safe guard fail if
		// because of a bug an empty label value is passed:
		return errors.New("provided label is empty")
	}
	_, _, err := clt.restClt.Issues.AddLabelsToIssue(ctx, owner, repo, pullRequestOrIssueNumber, []string{label})
	return clt.wrapRetryableErrors(err)
}

// RemoveLabel removes a label from a Pull-Request or issue.
// If the issue or PR does not have the label, the operation succeeds.
func (clt *Client) RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error {
	_, err := clt.restClt.Issues.RemoveLabelForIssue(
		ctx,
		owner,
		repo,
		pullRequestOrIssueNumber,
		label,
	)
	if err == nil {
		return nil
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusNotFound {
		clt.logger.Debug("removing label returned a not found response, interpreting it as success",
			logfields.Repository(owner+"/"+repo),
			logfields.PullRequest(pullRequestOrIssueNumber),
			logfields.Label(label),
			logfields.Event("github_remove_label_returned_not_found"),
			zap.Error(err),
		)

		return nil
	}

	return clt.wrapRetryableErrors(err)
}

// ListLabels returns the names of the labels of an issue or pull request.
func (clt *Client) ListLabels(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int) ([]string, error) {
	var result []string

	opts := github.ListOptions{PerPage: 100}
	for {
		labels, resp, err := clt.restClt.Issues.ListLabelsByIssue(ctx, owner, repo, pullRequestOrIssueNumber, &opts)
		if err != nil {
			return nil, clt.wrapRetryableErrors(err)
		}

		for _, l := range labels {
			result = append(result, l.GetName())
		}

		if resp.NextPage == 0 {
			return result, nil
		}

		opts.Page = resp.NextPage
	}
}

// CreateCommitStatus sets a commit status with the given context for the
// commit sha.
func (clt *Client) CreateCommitStatus(ctx context.Context, owner, repo, sha, state, statusContext, description string) error {
	_, _, err := clt.restClt.Repositories.CreateStatus(ctx, owner, repo, sha, &github.RepoStatus{
		State:       &state,
		Context:     &statusContext,
		Description: &description,
	})
	return clt.wrapRetryableErrors(err)
}

// Mergeable returns if the pull request can be merged into its base branch
// without conflicts.
// If GitHub did not compute the mergeability yet, a retryable error is
// returned.
// If the PR is closed ErrPullRequestIsClosed is returned.
func (clt *Client) Mergeable(ctx context.Context, owner, repo string, pullRequestNumber int) (bool, error) {
	pr, _, err := clt.restClt.PullRequests.Get(ctx, owner, repo, pullRequestNumber)
	if err != nil {
		return false, clt.wrapRetryableErrors(err)
	}

	if pr.GetState() == "closed" {
		return false, ErrPullRequestIsClosed
	}

	if pr.Mergeable == nil {
		return false, borserr.NewRetryableAnytimeError(errors.New("github did not compute the mergeable state yet"))
	}

	return pr.GetMergeable(), nil
}

// IsCollaborator returns true if user is a collaborator of the repository.
func (clt *Client) IsCollaborator(ctx context.Context, owner, repo, user string) (bool, error) {
	isCollab, _, err := clt.restClt.Repositories.IsCollaborator(ctx, owner, repo, user)
	if err != nil {
		return false, clt.wrapRetryableErrors(err)
	}

	return isCollab, nil
}

// MergeHead is a commit that is merged into an integration branch.
type MergeHead struct {
	SHA           string
	CommitMessage string
}

// BuildMergeCommit resets branch to the current head of baseBranch and
// merges the heads in order into it.
// It returns the SHA of the resulting commit.
// When squash is true, the result is replaced by a single commit with the
// same tree whose only parent is the base commit, squashMsg is used as its
// commit message.
// If a head can not be merged because of a merge conflict a
// *borserr.ConflictError is returned.
func (clt *Client) BuildMergeCommit(ctx context.Context, owner, repo, baseBranch, branch string, heads []*MergeHead, squash bool, squashMsg string) (string, error) {
	if len(heads) == 0 {
		return "", errors.New("no heads to merge provided")
	}

	baseSHA, err := clt.branchHead(ctx, owner, repo, baseBranch)
	if err != nil {
		return "", fmt.Errorf("retrieving head of base branch %q failed: %w", baseBranch, err)
	}

	if err := clt.setBranch(ctx, owner, repo, branch, baseSHA); err != nil {
		return "", fmt.Errorf("resetting branch %q to %s failed: %w", branch, baseSHA, err)
	}

	logger := clt.logger.With(
		logfields.Repository(owner+"/"+repo),
		logfields.BaseBranch(baseBranch),
		zap.String("git.branch", branch),
	)

	headSHA := baseSHA
	for _, h := range heads {
		msg := h.CommitMessage
		commit, _, err := clt.restClt.Repositories.Merge(ctx, owner, repo, &github.RepositoryMergeRequest{
			Base:          &branch,
			Head:          &h.SHA,
			CommitMessage: &msg,
		})
		if err != nil {
			var respErr *github.ErrorResponse
			if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusConflict {
				return "", &borserr.ConflictError{Err: fmt.Errorf("merging %s into %s failed: %w", h.SHA, branch, err)}
			}

			return "", clt.wrapRetryableErrors(err)
		}

		// github responds with 204 and an empty body if head is
		// already contained in base
		if commit.GetSHA() == "" {
			logger.Debug("commit is already part of branch, nothing merged",
				logfields.Event("github_merge_nothing_to_merge"),
				logfields.Commit(h.SHA),
			)
			continue
		}

		headSHA = commit.GetSHA()
	}

	if !squash {
		return headSHA, nil
	}

	squashed, err := clt.squash(ctx, owner, repo, branch, baseSHA, headSHA, squashMsg)
	if err != nil {
		return "", fmt.Errorf("squashing %s failed: %w", headSHA, err)
	}

	return squashed, nil
}

func (clt *Client) squash(ctx context.Context, owner, repo, branch, baseSHA, sha, msg string) (string, error) {
	commit, _, err := clt.restClt.Git.GetCommit(ctx, owner, repo, sha)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	newCommit, _, err := clt.restClt.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: &msg,
		Tree:    commit.Tree,
		Parents: []*github.Commit{{SHA: &baseSHA}},
	}, nil)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	if err := clt.setBranch(ctx, owner, repo, branch, newCommit.GetSHA()); err != nil {
		return "", err
	}

	return newCommit.GetSHA(), nil
}

// FastForward updates baseBranch to sha.
// The operation fails if sha is not a descendant of the current head of
// baseBranch.
func (clt *Client) FastForward(ctx context.Context, owner, repo, baseBranch, sha string) error {
	ref := "heads/" + baseBranch
	_, _, err := clt.restClt.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &sha},
	}, false)
	if err != nil {
		var respErr *github.ErrorResponse
		if errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode == http.StatusUnprocessableEntity {
			if strings.Contains(strings.ToLower(respErr.Message), "fast forward") {
				return fmt.Errorf("%s is not a fast-forward of %s: %w", sha, baseBranch, err)
			}
		}

		return clt.wrapRetryableErrors(err)
	}

	return nil
}

func (clt *Client) branchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, _, err := clt.restClt.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		return "", clt.wrapRetryableErrors(err)
	}

	if ref.GetObject().GetSHA() == "" {
		return "", errors.New("github returned a reference with an empty object sha")
	}

	return ref.GetObject().GetSHA(), nil
}

// setBranch force updates branch to sha, the branch is created if it does
// not exist.
func (clt *Client) setBranch(ctx context.Context, owner, repo, branch, sha string) error {
	ref := "heads/" + branch
	_, _, err := clt.restClt.Git.UpdateRef(ctx, owner, repo, &github.Reference{
		Ref:    &ref,
		Object: &github.GitObject{SHA: &sha},
	}, true)
	if err == nil {
		return nil
	}

	var respErr *github.ErrorResponse
	if !errors.As(err, &respErr) || respErr.Response == nil || respErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return clt.wrapRetryableErrors(err)
	}

	fullRef := "refs/heads/" + branch
	_, _, err = clt.restClt.Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    &fullRef,
		Object: &github.GitObject{SHA: &sha},
	})
	return clt.wrapRetryableErrors(err)
}

type PRIterator interface {
	Next() (*github.PullRequest, error)
}

type PRIter struct {
	clt *Client

	ctx   context.Context
	owner string
	repo  string

	filterState   string
	sortBy        string
	sortDirection string

	unseen []*github.PullRequest

	nextPage int
	finished bool
}

// Next returns the next pullRequest.
// When the last result was returned a nil PullRequest is returned.
func (it *PRIter) Next() (*github.PullRequest, error) {
	if len(it.unseen) > 0 {
		result := it.unseen[0]
		it.unseen = it.unseen[1:]

		return result, nil
	}

	if it.finished {
		return nil, nil
	}

	prs, resp, err := it.clt.restClt.PullRequests.List(it.ctx, it.owner, it.repo, &github.PullRequestListOptions{
		State:     it.filterState,
		Sort:      it.sortBy,
		Direction: it.sortDirection,
		ListOptions: github.ListOptions{
			Page:    it.nextPage,
			PerPage: 100,
		},
	})
	if err != nil {
		return nil, it.clt.wrapRetryableErrors(err)
	}

	if resp.NextPage == 0 || len(prs) == 0 {
		it.finished = true
	} else {
		it.nextPage = resp.NextPage
	}

	it.unseen = prs

	return it.Next()
}

// ListPullRequests returns an iterator for receiving all pull requests.
// The parameters state, sort, sortDirection expect the same values then their pendants in the struct github.PullRequestListOptions.
func (clt *Client) ListPullRequests(ctx context.Context, owner, repo, state, sort, sortDirection string) PRIterator { // interface is returned to make the method mockable
	return &PRIter{
		clt:           clt,
		ctx:           ctx,
		owner:         owner,
		repo:          repo,
		sortBy:        sort,
		sortDirection: sortDirection,
		filterState:   state,
		nextPage:      1,
	}
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return borserr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.AbuseRateLimitError:
		if v.RetryAfter != nil {
			return borserr.NewRetryableError(err, time.Now().Add(*v.RetryAfter))
		}
		return borserr.NewRetryableAnytimeError(err)

	case *github.ErrorResponse:
		if v.Response != nil && v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return borserr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return borserr.NewRetryableAnytimeError(err)
	}

	return err
}
