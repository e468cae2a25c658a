// Package github implements the side effects of the merge queue via the
// GitHub API and the configured CI trigger requests.
package github

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/action/httprequest"
	"github.com/simplesurance/gobors/internal/githubclt"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

const loggerName = "action.github"

// maxStatusDescriptionLen is the maximum length of a commit status
// description that GitHub accepts.
const maxStatusDescriptionLen = 140

//go:generate mockgen -package mocks -destination mocks/githubclient.go . GithubClient

// GithubClient is the subset of githubclt.Client methods that the Executor
// uses.
type GithubClient interface {
	CreateIssueComment(ctx context.Context, owner, repo string, issueOrPRNr int, comment string) error
	AddLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int, label string) error
	ListLabels(ctx context.Context, owner, repo string, pullRequestOrIssueNumber int) ([]string, error)
	CreateCommitStatus(ctx context.Context, owner, repo, sha, state, statusContext, description string) error
	Mergeable(ctx context.Context, owner, repo string, pullRequestNumber int) (bool, error)
	BuildMergeCommit(ctx context.Context, owner, repo, baseBranch, branch string, heads []*githubclt.MergeHead, squash bool, squashMsg string) (string, error)
	FastForward(ctx context.Context, owner, repo, baseBranch, sha string) error
	CommitStatuses(ctx context.Context, owner, repo, sha string) ([]*githubclt.CIJobStatus, error)
}

type trigger struct {
	start  *httprequest.Config
	cancel *httprequest.Config
}

// Executor runs the merge queue side effects on GitHub.
type Executor struct {
	clt      GithubClient
	botName  string
	triggers map[string][]*trigger
	logger   *zap.Logger
}

var (
	_ action.Executor = &Executor{}
	_ GithubClient    = &githubclt.Client{}
	_ GithubClient    = &DryGithubClient{}
)

// NewExecutor returns an Executor for the repositories in pol.
// botName is used as context of the commit statuses.
func NewExecutor(clt GithubClient, botName string, pol *policy.Policy) (*Executor, error) {
	e := Executor{
		clt:      clt,
		botName:  botName,
		triggers: map[string][]*trigger{},
		logger:   zap.L().Named(loggerName),
	}

	for _, repo := range pol.Repositories {
		for _, t := range repo.Triggers {
			start, cancel, err := httprequest.NewTriggerConfigs(t)
			if err != nil {
				return nil, fmt.Errorf("repository %s: %w", repo, err)
			}

			e.triggers[repo.FullName()] = append(e.triggers[repo.FullName()], &trigger{start: start, cancel: cancel})
		}
	}

	return &e, nil
}

func commitMessage(lane policy.Lane, m *action.IntegrationMember) string {
	if lane == policy.LaneTry {
		return fmt.Sprintf("Try #%d:\n\n%s", m.Number, m.Title)
	}

	return fmt.Sprintf("Auto merge of #%d - %s, r=%s\n\n%s", m.Number, m.HeadRef, m.ApprovedBy, m.Title)
}

func (e *Executor) BuildIntegration(ctx context.Context, req *action.IntegrationRequest) (*action.IntegrationResult, error) {
	if len(req.Members) == 0 {
		return nil, errors.New("integration request has no members")
	}

	if req.Squash && len(req.Members) != 1 {
		return nil, errors.New("squashing is only supported for a single pull request")
	}

	heads := make([]*githubclt.MergeHead, 0, len(req.Members))
	for _, m := range req.Members {
		heads = append(heads, &githubclt.MergeHead{
			SHA:           m.HeadSHA,
			CommitMessage: commitMessage(req.Lane, m),
		})
	}

	branch := req.Repository.Branch(req.Lane)
	mergeSHA, err := e.clt.BuildMergeCommit(
		ctx,
		req.Repository.Owner, req.Repository.Name,
		req.BaseRef, branch,
		heads,
		req.Squash, heads[0].CommitMessage,
	)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("merge commit created",
		logfields.Event("merge_commit_created"),
		logfields.Repository(req.Repository.FullName()),
		logfields.AttemptID(req.AttemptID),
		logfields.MergeSHA(mergeSHA),
		logfields.Lane(string(req.Lane)),
	)

	return &action.IntegrationResult{MergeSHA: mergeSHA}, nil
}

// StartBuilds runs the start requests of the triggers of the expected
// builders. Repositories that do not use the builders CI kind are skipped,
// their CI reacts to the push of the integration branch.
func (e *Executor) StartBuilds(ctx context.Context, req *action.BuildRequest) error {
	if req.Repository.CI.Kind != policy.CIBuilders {
		return nil
	}

	data := templateData(req.Repository, req.AttemptID, req.Lane, req.BaseRef, req.MergeSHA, req.Members)
	expected := req.Repository.CI.Expected(req.Lane)
	for _, t := range e.triggers[req.Repository.FullName()] {
		if !expected.Contains(t.start.Builder()) {
			continue
		}

		if err := e.runTemplated(ctx, t.start, data); err != nil {
			return fmt.Errorf("triggering build on %s failed: %w", t.start.Builder(), err)
		}
	}

	return nil
}

func (e *Executor) CancelBuild(ctx context.Context, req *action.CancelRequest) error {
	if req.MergeSHA == "" {
		return nil
	}

	data := templateData(req.Repository, req.AttemptID, req.Lane, "", req.MergeSHA, nil)
	var errs []error
	for _, t := range e.triggers[req.Repository.FullName()] {
		if t.cancel == nil {
			continue
		}

		if err := e.runTemplated(ctx, t.cancel, data); err != nil {
			errs = append(errs, fmt.Errorf("canceling build on %s failed: %w", t.cancel.Builder(), err))
		}
	}

	return errors.Join(errs...)
}

func (e *Executor) runTemplated(ctx context.Context, cfg *httprequest.Config, data *httprequest.TemplateData) error {
	d := *data
	d.Builder = cfg.Builder()

	runner, err := cfg.Template(&d)
	if err != nil {
		return err
	}

	e.logger.Debug("running http request",
		append(runner.LogFields(), logfields.Event("http_request_running"))...,
	)

	return runner.Run(ctx)
}

func templateData(repo *policy.Repository, attemptID string, lane policy.Lane, baseRef, mergeSHA string, members []*action.IntegrationMember) *httprequest.TemplateData {
	numbers := make([]int, 0, len(members))
	for _, m := range members {
		numbers = append(numbers, m.Number)
	}

	return &httprequest.TemplateData{
		Repository: repo.FullName(),
		Owner:      repo.Owner,
		Name:       repo.Name,
		AttemptID:  attemptID,
		Lane:       string(lane),
		Branch:     repo.Branch(lane),
		BaseRef:    baseRef,
		MergeSHA:   mergeSHA,
		Numbers:    numbers,
	}
}

func (e *Executor) PushToBase(ctx context.Context, req *action.PushRequest) error {
	return e.clt.FastForward(ctx, req.Repository.Owner, req.Repository.Name, req.BaseRef, req.MergeSHA)
}

func (e *Executor) Notify(ctx context.Context, n *action.Notification) error {
	repo := n.Repository

	if n.Message != "" {
		err := e.clt.CreateIssueComment(ctx, repo.Owner, repo.Name, n.Number, n.Message)
		if err != nil {
			return fmt.Errorf("creating comment failed: %w", err)
		}
	}

	if n.Event != "" {
		if err := e.applyLabels(ctx, repo, n.Number, n.Event); err != nil {
			return err
		}
	}

	if n.CommitState != "" && n.HeadSHA != "" {
		err := e.clt.CreateCommitStatus(
			ctx,
			repo.Owner, repo.Name,
			n.HeadSHA,
			string(n.CommitState),
			e.botName,
			statusDescription(n.Message),
		)
		if err != nil {
			return fmt.Errorf("creating commit status failed: %w", err)
		}
	}

	return nil
}

func statusDescription(msg string) string {
	msg, _, _ = strings.Cut(msg, "\n")
	if len(msg) > maxStatusDescriptionLen {
		return msg[:maxStatusDescriptionLen-3] + "..."
	}

	return msg
}

func (e *Executor) applyLabels(ctx context.Context, repo *policy.Repository, num int, ev policy.LabelEvent) error {
	change, exists := repo.LabelChange(ev)
	if !exists {
		return nil
	}

	current, err := e.clt.ListLabels(ctx, repo.Owner, repo.Name, num)
	if err != nil {
		return fmt.Errorf("listing labels failed: %w", err)
	}

	add, remove := change.Apply(current)
	for _, lbl := range add {
		if err := e.clt.AddLabel(ctx, repo.Owner, repo.Name, num, lbl); err != nil {
			return fmt.Errorf("adding label %q failed: %w", lbl, err)
		}
	}

	for _, lbl := range remove {
		if err := e.clt.RemoveLabel(ctx, repo.Owner, repo.Name, num, lbl); err != nil {
			return fmt.Errorf("removing label %q failed: %w", lbl, err)
		}
	}

	return nil
}

func (e *Executor) HeadStatuses(ctx context.Context, repo *policy.Repository, sha string) ([]*action.CIStatus, error) {
	statuses, err := e.clt.CommitStatuses(ctx, repo.Owner, repo.Name, sha)
	if err != nil {
		return nil, err
	}

	result := make([]*action.CIStatus, 0, len(statuses))
	for _, s := range statuses {
		result = append(result, &action.CIStatus{
			Name:   s.Name,
			Result: ToResult(s.Status),
		})
	}

	return result, nil
}

// ToResult converts a GitHub CI status to a build result.
func ToResult(s githubclt.CIStatus) store.Result {
	switch s {
	case githubclt.CIStatusSuccess:
		return store.ResultSuccess
	case githubclt.CIStatusFailure:
		return store.ResultFailure
	case githubclt.CIStatusError:
		return store.ResultError
	default:
		return store.ResultPending
	}
}

func (e *Executor) Mergeable(ctx context.Context, repo *policy.Repository, num int) (bool, error) {
	return e.clt.Mergeable(ctx, repo.Owner, repo.Name, num)
}
