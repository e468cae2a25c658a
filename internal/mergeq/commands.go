package mergeq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/action"
	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/command"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

// ApproveRequest is an approval of a pull request.
type ApproveRequest struct {
	Repo   string
	Number int
	Actor  string
	// Approver is the user in whose name the pull request is approved,
	// defaults to Actor.
	Approver string
	// HeadSHA restricts the approval to a head commit, it can be a
	// prefix of the commit ID.
	HeadSHA  string
	Priority *int
	Delegate string
}

func (tr *transition) validatePriority(p int) error {
	if p > tr.c.policy.MaxPriority {
		return borserr.NewValidationError("priority %d exceeds the maximum priority %d", p, tr.c.policy.MaxPriority)
	}

	return nil
}

func (tr *transition) authorizedPR(num int, actor string, level policy.AuthLevel) (*store.PullRequest, error) {
	pr, err := tr.getPR(num)
	if err != nil {
		return nil, err
	}

	if err := tr.authorize(actor, pr.Delegate, level); err != nil {
		return nil, err
	}

	return pr, nil
}

type collaboratorCtxKey struct{}

// withCollaborator marks the actor of operations running with the returned
// context as collaborator of the repository.
func withCollaborator(ctx context.Context) context.Context {
	return context.WithValue(ctx, collaboratorCtxKey{}, true)
}

func isCollaborator(ctx context.Context) bool {
	v, _ := ctx.Value(collaboratorCtxKey{}).(bool)
	return v
}

func (tr *transition) authorize(actor, delegate string, level policy.AuthLevel) error {
	return tr.repo.Authorize(actor, delegate, isCollaborator(tr.ctx), level)
}

func (tr *transition) logCommand(pr *store.PullRequest, cmd, actor string, fields ...zap.Field) {
	tr.logger.Info(
		"command applied",
		append(fields,
			logfields.Event("command_applied"),
			logfields.PullRequest(pr.Number),
			logfields.Actor(actor),
			zap.String("mergeq.command", cmd),
		)...,
	)
}

func openPR(pr *store.PullRequest) error {
	if isTerminal(pr) {
		return borserr.NewValidationError("pull request #%d is %s", pr.Number, pr.Status)
	}

	return nil
}

// Approve approves a pull request for merging.
// The actor must be a reviewer or the delegate of the pull request.
func (c *Coordinator) Approve(ctx context.Context, req *ApproveRequest) error {
	return c.do(ctx, req.Repo, "approve", func(tr *transition) error {
		pr, err := tr.authorizedPR(req.Number, req.Actor, policy.AuthReviewer)
		if err != nil {
			return err
		}

		if err := openPR(pr); err != nil {
			return err
		}

		if req.Priority != nil {
			if err := tr.validatePriority(*req.Priority); err != nil {
				return err
			}
		}

		if req.HeadSHA != "" && !strings.HasPrefix(pr.HeadSHA, strings.ToLower(req.HeadSHA)) {
			return borserr.NewValidationError(
				"commit %s is not the head of the pull request, the head is %s",
				req.HeadSHA, shortSHA(pr.HeadSHA),
			)
		}

		approver := req.Approver
		if approver == "" {
			approver = req.Actor
		}

		pr.ApprovedBy = approver
		if req.Priority != nil {
			pr.Priority = *req.Priority
		}
		if req.Delegate != "" {
			pr.Delegate = req.Delegate
		}

		if pr.Status == store.StatusTryTesting || pr.Status == store.StatusTryRequested {
			if err := tr.cancelAttempt(pr, "pull request was approved"); err != nil {
				return err
			}
			tr.setStatus(pr, store.StatusPending)
		}

		tr.logCommand(pr, "approve", req.Actor, zap.String("mergeq.approved_by", approver), zap.Int("mergeq.priority", pr.Priority))

		if inFlight(pr) {
			return tr.save(pr)
		}

		now := tr.now
		pr.IsTry = false
		pr.QueuedAt = &now
		tr.setStatus(pr, store.StatusApproved)

		if err := tr.save(pr); err != nil {
			return err
		}

		tr.notify(pr, policy.LabelEventApproved, action.CommitStatePending,
			fmt.Sprintf("Commit %s has been approved by %s.", shortSHA(pr.HeadSHA), approver),
		)

		return nil
	})
}

// Reject removes the approval of a pull request, an outstanding auto
// attempt is cancelled.
func (c *Coordinator) Reject(ctx context.Context, repo string, num int, actor string) error {
	return c.do(ctx, repo, "reject", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthReviewer)
		if err != nil {
			return err
		}

		if err := openPR(pr); err != nil {
			return err
		}

		if pr.ApprovedBy == "" {
			return borserr.NewValidationError("pull request #%d is not approved", num)
		}

		if inFlight(pr) && !pr.IsTry {
			if err := tr.cancelAttempt(pr, "approval was removed"); err != nil {
				return err
			}
		}

		pr.ApprovedBy = ""

		if !pr.IsTry {
			pr.QueuedAt = nil
			tr.setStatus(pr, store.StatusPending)
		}

		tr.logCommand(pr, "reject", actor)

		if err := tr.save(pr); err != nil {
			return err
		}

		tr.notify(pr, policy.LabelEventRejected, "",
			fmt.Sprintf("Approval removed by %s.", actor),
		)

		return nil
	})
}

// Try requests a try build of an unapproved pull request.
func (c *Coordinator) Try(ctx context.Context, repo string, num int, actor string) error {
	return c.do(ctx, repo, "try", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthTry)
		if err != nil {
			return err
		}

		if err := openPR(pr); err != nil {
			return err
		}

		switch pr.Status {
		case store.StatusApproved:
			return borserr.NewValidationError("pull request #%d is approved, try builds are only run for unapproved pull requests", num)
		case store.StatusTryRequested:
			return borserr.NewValidationError("a try build for pull request #%d is already queued", num)
		}

		if inFlight(pr) {
			return borserr.NewValidationError("pull request #%d is being tested (%s)", num, pr.Status)
		}

		now := tr.now
		pr.IsTry = true
		pr.QueuedAt = &now
		tr.setStatus(pr, store.StatusTryRequested)

		tr.logCommand(pr, "try", actor)

		if err := tr.save(pr); err != nil {
			return err
		}

		tr.notify(pr, policy.LabelEventTry, "", fmt.Sprintf("Try build of %s queued.", shortSHA(pr.HeadSHA)))

		return nil
	})
}

// CancelTry cancels a queued or running try build.
func (c *Coordinator) CancelTry(ctx context.Context, repo string, num int, actor string) error {
	return c.do(ctx, repo, "cancel_try", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthTry)
		if err != nil {
			return err
		}

		if pr.Status != store.StatusTryRequested && pr.Status != store.StatusTryTesting {
			return borserr.NewValidationError("pull request #%d has no queued or running try build", num)
		}

		if err := tr.cancelAttempt(pr, "try build cancelled"); err != nil {
			return err
		}

		pr.IsTry = false
		pr.QueuedAt = nil
		tr.setStatus(pr, store.StatusPending)

		tr.logCommand(pr, "cancel_try", actor)

		if err := tr.save(pr); err != nil {
			return err
		}

		tr.comment(pr.Number, fmt.Sprintf("Try build cancelled by %s.", actor))

		return nil
	})
}

// Retry requeues a pull request whose last attempt failed, timed out or
// was interrupted. Every retry is recorded in the retry log.
func (c *Coordinator) Retry(ctx context.Context, repo string, num int, actor string) error {
	return c.do(ctx, repo, "retry", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthTry)
		if err != nil {
			return err
		}

		prev := pr.Status

		switch pr.Status {
		case store.StatusFailure, store.StatusTimedOut, store.StatusInterrupted:
			if pr.ApprovedBy == "" {
				return borserr.NewValidationError("pull request #%d is not approved anymore", num)
			}
			tr.setStatus(pr, store.StatusApproved)

		case store.StatusTryFailed:
			tr.setStatus(pr, store.StatusTryRequested)

		case store.StatusConflict:
			return borserr.NewValidationError("pull request #%d has a merge conflict, it must be resolved by pushing to the branch", num)

		default:
			return borserr.NewValidationError("pull request #%d can not be retried in status %s", num, pr.Status)
		}

		pr.MergeSHA = ""

		if err := tr.save(pr); err != nil {
			return err
		}

		if err := tr.appendRetryLog(num, actor, fmt.Sprintf("retry requested, previous status: %s", prev)); err != nil {
			return err
		}

		tr.logCommand(pr, "retry", actor, zap.String("mergeq.previous_status", string(prev)))

		return nil
	})
}

// Clean cancels an outstanding attempt of the pull request and clears its
// cached mergeable state. A cancelled pull request is requeued.
func (c *Coordinator) Clean(ctx context.Context, repo string, num int, actor string) error {
	return c.do(ctx, repo, "clean", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthTry)
		if err != nil {
			return err
		}

		if err := openPR(pr); err != nil {
			return err
		}

		if inFlight(pr) {
			if err := tr.cancelAttempt(pr, "clean requested"); err != nil {
				return err
			}

			if pr.IsTry {
				tr.setStatus(pr, store.StatusTryRequested)
			} else {
				tr.setStatus(pr, store.StatusApproved)
			}
		}

		pr.MergeSHA = ""

		if err := tr.tx.ClearMergeable(tr.ctx, tr.repoName(), num); err != nil {
			return err
		}

		tr.logCommand(pr, "clean", actor)

		return tr.save(pr)
	})
}

// SetPriority changes the priority of a pull request.
func (c *Coordinator) SetPriority(ctx context.Context, repo string, num int, actor string, priority int) error {
	return c.do(ctx, repo, "set_priority", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthTry)
		if err != nil {
			return err
		}

		if err := tr.validatePriority(priority); err != nil {
			return err
		}

		pr.Priority = priority
		tr.logCommand(pr, "set_priority", actor, zap.Int("mergeq.priority", priority))

		return tr.save(pr)
	})
}

// SetRollup changes the rollup tier of a pull request.
func (c *Coordinator) SetRollup(ctx context.Context, repo string, num int, actor string, rollup int) error {
	return c.do(ctx, repo, "set_rollup", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthTry)
		if err != nil {
			return err
		}

		if rollup < store.RollupNever || rollup > store.RollupAlways {
			return borserr.NewValidationError("invalid rollup value %d", rollup)
		}

		pr.Rollup = rollup
		tr.logCommand(pr, "set_rollup", actor, zap.Int("mergeq.rollup", rollup))

		return tr.save(pr)
	})
}

// SetSquash defines if the changes of a pull request are squashed into a
// single commit when it is merged.
func (c *Coordinator) SetSquash(ctx context.Context, repo string, num int, actor string, squash bool) error {
	return c.do(ctx, repo, "set_squash", func(tr *transition) error {
		pr, err := tr.authorizedPR(num, actor, policy.AuthTry)
		if err != nil {
			return err
		}

		pr.Squash = squash
		tr.logCommand(pr, "set_squash", actor, zap.Bool("mergeq.squash", squash))

		return tr.save(pr)
	})
}

// SetDelegate grants delegate reviewer rights on the pull request, an empty
// delegate removes them. Only reviewers can delegate.
func (c *Coordinator) SetDelegate(ctx context.Context, repo string, num int, actor, delegate string) error {
	return c.do(ctx, repo, "set_delegate", func(tr *transition) error {
		pr, err := tr.getPR(num)
		if err != nil {
			return err
		}

		if err := tr.authorize(actor, "", policy.AuthReviewer); err != nil {
			return err
		}

		pr.Delegate = delegate
		tr.logCommand(pr, "set_delegate", actor, zap.String("mergeq.delegate", delegate))

		if err := tr.save(pr); err != nil {
			return err
		}

		if delegate != "" {
			tr.comment(num, fmt.Sprintf("%s can now approve this pull request.", delegate))
		}

		return nil
	})
}

// CloseTree closes the tree of the repository for pull requests with a
// priority <= priority. Running attempts are not affected.
func (c *Coordinator) CloseTree(ctx context.Context, repo, actor string, priority int, source string) error {
	if priority <= 0 {
		return borserr.NewValidationError("tree close priority must be positive, got %d", priority)
	}

	return c.do(ctx, repo, "close_tree", func(tr *transition) error {
		if err := tr.authorize(actor, "", policy.AuthReviewer); err != nil {
			return err
		}

		if source == "" {
			source = actor
		}

		return tr.setTreeState(priority, source)
	})
}

// OpenTree opens the tree of the repository.
func (c *Coordinator) OpenTree(ctx context.Context, repo, actor string) error {
	return c.do(ctx, repo, "open_tree", func(tr *transition) error {
		if err := tr.authorize(actor, "", policy.AuthReviewer); err != nil {
			return err
		}

		return tr.setTreeState(0, "")
	})
}

// CommentCommands are the commands of a pull request comment.
type CommentCommands struct {
	Repo   string
	Number int
	Actor  string
	// Author is the author of the pull request, "delegate+" delegates
	// to it.
	Author string
	// URL links to the comment, it is recorded as tree close source.
	URL string
	// Collaborator is true if Actor is a collaborator of the repository.
	Collaborator bool
	Commands     []*command.Command
}

// ApplyCommands applies the commands of a comment in order. Each command is
// an own operation, a failing command does not prevent the following ones
// from being applied.
func (c *Coordinator) ApplyCommands(ctx context.Context, cc *CommentCommands) error {
	var errs []error

	if cc.Collaborator {
		ctx = withCollaborator(ctx)
	}

	for _, cmd := range cc.Commands {
		if err := c.applyCommand(ctx, cc, cmd); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cmd, err))
		}
	}

	return errors.Join(errs...)
}

func (c *Coordinator) applyCommand(ctx context.Context, cc *CommentCommands, cmd *command.Command) error {
	switch cmd.Kind {
	case command.KindApprove:
		req := ApproveRequest{
			Repo:     cc.Repo,
			Number:   cc.Number,
			Actor:    cc.Actor,
			Approver: cmd.Approver,
			HeadSHA:  cmd.HeadSHA,
		}
		if cmd.HasPriority {
			p := cmd.Priority
			req.Priority = &p
		}
		return c.Approve(ctx, &req)

	case command.KindReject:
		return c.Reject(ctx, cc.Repo, cc.Number, cc.Actor)

	case command.KindPriority:
		return c.SetPriority(ctx, cc.Repo, cc.Number, cc.Actor, cmd.Priority)

	case command.KindTry:
		return c.Try(ctx, cc.Repo, cc.Number, cc.Actor)

	case command.KindCancelTry:
		return c.CancelTry(ctx, cc.Repo, cc.Number, cc.Actor)

	case command.KindRetry:
		return c.Retry(ctx, cc.Repo, cc.Number, cc.Actor)

	case command.KindClean:
		return c.Clean(ctx, cc.Repo, cc.Number, cc.Actor)

	case command.KindRollup:
		return c.SetRollup(ctx, cc.Repo, cc.Number, cc.Actor, cmd.Rollup)

	case command.KindSquash:
		return c.SetSquash(ctx, cc.Repo, cc.Number, cc.Actor, cmd.Squash)

	case command.KindDelegate:
		delegate := cmd.Delegate
		if cmd.DelegateToAuthor {
			delegate = cc.Author
		}
		return c.SetDelegate(ctx, cc.Repo, cc.Number, cc.Actor, delegate)

	case command.KindTreeClosed:
		src := cc.URL
		if src == "" {
			src = fmt.Sprintf("%s in #%d", cc.Actor, cc.Number)
		}
		return c.CloseTree(ctx, cc.Repo, cc.Actor, cmd.TreeClosed, src)

	case command.KindTreeOpen:
		return c.OpenTree(ctx, cc.Repo, cc.Actor)

	default:
		return borserr.NewValidationError("unsupported command %q", cmd.Kind)
	}
}
