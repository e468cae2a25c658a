package mergeq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/command"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	github_prov "github.com/simplesurance/gobors/internal/provider/github"
	"github.com/simplesurance/gobors/internal/store"
)

// WebhookEventTypes are the GitHub webhook event types that EventLoop
// processes.
var WebhookEventTypes = []string{
	"pull_request",
	"issue_comment",
	"status",
	"check_run",
	"push",
}

// EventLoop translates GitHub webhook events from ch into merge queue
// operations. It returns when ch is closed.
func (c *Coordinator) EventLoop(ch <-chan *github_prov.Event) {
	c.logger.Info("github event loop started", logfields.Event("event_loop_started"))

	for event := range ch {
		ctx := context.Background()
		logger := c.logger.With(event.LogFields...)

		logger.Debug("event received")
		metrics.ProcessedEventsInc()

		switch ev := event.Event.(type) {
		case *github.PullRequestEvent:
			c.processPullRequestEvent(ctx, logger, ev)

		case *github.IssueCommentEvent:
			c.processIssueCommentEvent(ctx, logger, ev)

		case *github.StatusEvent:
			c.processStatusEvent(ctx, logger, ev)

		case *github.CheckRunEvent:
			c.processCheckRunEvent(ctx, logger, ev)

		case *github.PushEvent:
			c.processPushEvent(ctx, logger, ev)

		default:
			logger.Debug("event ignored", logEventEventIgnored)
		}
	}

	c.logger.Info("github event loop terminated", logfields.Event("event_loop_terminated"))
}

// monitoredRepo returns the policy of the repository repoFullName or nil if
// it is not monitored.
func (c *Coordinator) monitoredRepo(logger *zap.Logger, repoFullName string) *policy.Repository {
	q, err := c.queue(repoFullName)
	if err != nil {
		logger.Debug(
			"event is for repository that is not monitored",
			logEventEventIgnored,
			logfields.Repository(repoFullName),
		)

		return nil
	}

	return q.repo
}

// logOpErr logs the error of an operation that was triggered by an event.
// Rejections are expected for events and logged with debug priority.
func logOpErr(logger *zap.Logger, msg string, err error) {
	if err == nil {
		return
	}

	if borserr.IsRejection(err) || errors.Is(err, ErrStopped) {
		logger.Debug(msg, logEventEventIgnored, zap.Error(err))
		return
	}

	logger.Warn(msg, logEventOperationFailed, zap.Error(err))
}

func (c *Coordinator) processPullRequestEvent(ctx context.Context, logger *zap.Logger, ev *github.PullRequestEvent) {
	repo := c.monitoredRepo(logger, ev.GetRepo().GetFullName())
	if repo == nil {
		return
	}

	pr := ev.GetPullRequest()
	logger = logger.With(
		logfields.Repository(repo.FullName()),
		logfields.PullRequest(pr.GetNumber()),
		zap.String("github.pull_request_event.action", ev.GetAction()),
	)

	switch ev.GetAction() {
	case "opened", "reopened", "synchronize", "edited", "closed", "assigned", "unassigned":
	default:
		logger.Debug("event ignored, action is irrelevant", logEventEventIgnored)
		return
	}

	err := c.ObservePullRequest(ctx, pullRequestInfo(repo, pr))
	logOpErr(logger, "processing pull request event failed", err)
}

func pullRequestInfo(repo *policy.Repository, pr *github.PullRequest) *PullRequestInfo {
	return &PullRequestInfo{
		Repo:     repo.FullName(),
		Number:   pr.GetNumber(),
		Title:    pr.GetTitle(),
		Body:     pr.GetBody(),
		HeadSHA:  pr.GetHead().GetSHA(),
		HeadRef:  pr.GetHead().GetRef(),
		BaseRef:  pr.GetBase().GetRef(),
		Assignee: pr.GetAssignee().GetLogin(),
		Closed:   pr.GetState() == "closed",
		Merged:   pr.GetMerged(),
	}
}

func (c *Coordinator) processIssueCommentEvent(ctx context.Context, logger *zap.Logger, ev *github.IssueCommentEvent) {
	repo := c.monitoredRepo(logger, ev.GetRepo().GetFullName())
	if repo == nil {
		return
	}

	if ev.GetAction() != "created" {
		logger.Debug("event ignored, comment was not created", logEventEventIgnored)
		return
	}

	if !ev.GetIssue().IsPullRequest() {
		logger.Debug("event ignored, comment is not on a pull request", logEventEventIgnored)
		return
	}

	actor := ev.GetComment().GetUser().GetLogin()
	if strings.EqualFold(actor, c.botName) {
		return
	}

	num := ev.GetIssue().GetNumber()
	logger = logger.With(
		logfields.Repository(repo.FullName()),
		logfields.PullRequest(num),
		logfields.Actor(actor),
	)

	cmds, err := command.Parse(c.botName, ev.GetComment().GetBody())
	if err != nil {
		logger.Debug("parsing commands failed", logEventRejected, zap.Error(err))
		c.replyRejection(repo, num, actor, err)
		return
	}

	if len(cmds) == 0 {
		return
	}

	logger.Info("commands received", zap.Stringer("mergeq.commands", commandList(cmds)))

	err = c.ApplyCommands(ctx, &CommentCommands{
		Repo:         repo.FullName(),
		Number:       num,
		Actor:        actor,
		Author:       ev.GetIssue().GetUser().GetLogin(),
		URL:          ev.GetComment().GetHTMLURL(),
		Collaborator: c.isCollaborator(ctx, logger, repo, actor),
		Commands:     cmds,
	})
	if err != nil {
		logOpErr(logger, "applying commands failed", err)

		if borserr.IsRejection(err) {
			c.replyRejection(repo, num, actor, err)
		}
	}
}

// isCollaborator returns true if actor is a collaborator of repo and
// collaborators are authorized for it.
func (c *Coordinator) isCollaborator(ctx context.Context, logger *zap.Logger, repo *policy.Repository, actor string) bool {
	if !repo.AuthCollaborators || c.collaborators == nil {
		return false
	}

	// reviewers are authorized without asking GitHub
	if repo.Reviewers.Contains(strings.ToLower(actor)) {
		return false
	}

	isCollab, err := c.collaborators.IsCollaborator(ctx, repo.Owner, repo.Name, actor)
	if err != nil {
		logger.Warn(
			"checking if actor is a collaborator failed, treating actor as non-collaborator",
			logfields.Event("github_collaborator_check_failed"),
			zap.Error(err),
		)
		return false
	}

	return isCollab
}

type commandList []*command.Command

func (l commandList) String() string {
	strs := make([]string, 0, len(l))
	for _, c := range l {
		strs = append(strs, c.String())
	}

	return strings.Join(strs, " ")
}

// replyRejection posts the reason why commands were rejected as comment.
func (c *Coordinator) replyRejection(repo *policy.Repository, num int, actor string, err error) {
	q, qErr := c.queue(repo.FullName())
	if qErr != nil {
		return
	}

	n := action.Notification{
		Repository: repo,
		Number:     num,
		Message:    fmt.Sprintf("@%s, your command was rejected: %s", actor, err),
	}

	c.dispatch(q, []*effect{{
		name: "reply_rejection",
		logF: prLogFields(repo.FullName(), num),
		run: func(ctx context.Context) error {
			return c.executor.Notify(ctx, &n)
		},
	}})
}

var statusEventResults = map[string]store.Result{
	"pending": store.ResultPending,
	"success": store.ResultSuccess,
	"failure": store.ResultFailure,
	"error":   store.ResultError,
}

func (c *Coordinator) processStatusEvent(ctx context.Context, logger *zap.Logger, ev *github.StatusEvent) {
	repo := c.monitoredRepo(logger, ev.GetRepo().GetFullName())
	if repo == nil {
		return
	}

	if repo.CI.Kind != policy.CIStatuses {
		logger.Debug("event ignored, repository does not use commit statuses", logEventEventIgnored)
		return
	}

	res, exist := statusEventResults[ev.GetState()]
	if !exist {
		logger.Debug(
			"ignoring event with unknown status",
			logEventEventIgnored,
			zap.String("github.status_event.state", ev.GetState()),
		)
		return
	}

	err := c.ReportBuildResult(ctx, &BuildReport{
		Repo:     repo.FullName(),
		Builder:  ev.GetContext(),
		MergeSHA: ev.GetSHA(),
		Result:   res,
		URL:      ev.GetTargetURL(),
	})
	logOpErr(logger, "processing status event failed", err)
}

// checkRunResult converts the status and conclusion of a check run.
func checkRunResult(run *github.CheckRun) (store.Result, bool) {
	if run.GetStatus() != "completed" {
		return store.ResultPending, true
	}

	switch run.GetConclusion() {
	case "success", "neutral", "skipped":
		return store.ResultSuccess, true
	case "failure", "timed_out", "stale", "action_required":
		return store.ResultFailure, true
	case "cancelled":
		return store.ResultInterrupted, true
	case "startup_failure":
		return store.ResultError, true
	default:
		return "", false
	}
}

func (c *Coordinator) processCheckRunEvent(ctx context.Context, logger *zap.Logger, ev *github.CheckRunEvent) {
	repo := c.monitoredRepo(logger, ev.GetRepo().GetFullName())
	if repo == nil {
		return
	}

	if repo.CI.Kind != policy.CIChecks {
		logger.Debug("event ignored, repository does not use check runs", logEventEventIgnored)
		return
	}

	run := ev.GetCheckRun()
	res, ok := checkRunResult(run)
	if !ok {
		logger.Debug(
			"ignoring check run with unknown conclusion",
			logEventEventIgnored,
			zap.String("github.check_run.conclusion", run.GetConclusion()),
		)
		return
	}

	err := c.ReportBuildResult(ctx, &BuildReport{
		Repo:     repo.FullName(),
		Builder:  run.GetName(),
		MergeSHA: run.GetHeadSHA(),
		Result:   res,
		URL:      run.GetHTMLURL(),
	})
	logOpErr(logger, "processing check run event failed", err)
}

func branchRefToRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func (c *Coordinator) processPushEvent(ctx context.Context, logger *zap.Logger, ev *github.PushEvent) {
	repo := c.monitoredRepo(logger, ev.GetRepo().GetFullName())
	if repo == nil {
		return
	}

	if !strings.HasPrefix(ev.GetRef(), "refs/heads/") {
		logger.Debug("event ignored, ref is not a branch", logEventEventIgnored)
		return
	}

	branch := branchRefToRef(ev.GetRef())
	if branch == repo.AutoBranch || branch == repo.TryBranch {
		logger.Debug("event ignored, push to integration branch", logEventEventIgnored)
		return
	}

	logger = logger.With(logfields.Repository(repo.FullName()), logfields.BaseBranch(branch))

	err := c.BaseBranchChanged(ctx, repo.FullName(), branch)
	logOpErr(logger, "processing push event failed", err)
}
