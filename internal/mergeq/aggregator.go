package mergeq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/set"
	"github.com/simplesurance/gobors/internal/store"
)

// BuildReport is the result of a builder for an integration attempt.
type BuildReport struct {
	Repo string
	// Number is the pull request number, when it is 0 the pull requests
	// are looked up by MergeSHA.
	Number   int
	Builder  string
	MergeSHA string
	Result   store.Result
	URL      string
}

func (r *BuildReport) validate() error {
	if r.Builder == "" {
		return borserr.NewValidationError("builder name is empty")
	}

	if r.MergeSHA == "" {
		return borserr.NewValidationError("merge commit is empty")
	}

	if !r.Result.IsValid() {
		return borserr.NewValidationError("unsupported build result %q", r.Result)
	}

	return nil
}

func (r *BuildReport) logFields() []zap.Field {
	return []zap.Field{
		logfields.Repository(r.Repo),
		logfields.PullRequest(r.Number),
		logfields.Builder(r.Builder),
		logfields.MergeSHA(r.MergeSHA),
		zap.String("ci.result", string(r.Result)),
	}
}

// ReportBuildResult records the result of a builder for the attempt that
// tested MergeSHA and finishes the attempt when the outcome is known.
// Reports for attempts that are not outstanding anymore are ignored.
// Replaying a report has no effect.
func (c *Coordinator) ReportBuildResult(ctx context.Context, report *BuildReport) error {
	if err := report.validate(); err != nil {
		return err
	}

	err := c.do(ctx, report.Repo, "report_build_result", func(tr *transition) error {
		members, err := tr.attemptMembersBySHA(report.Number, report.MergeSHA)
		if err != nil {
			var staleErr *borserr.StaleAttemptError
			if !errors.As(err, &staleErr) {
				return err
			}

			held, holdErr := tr.holdReport(report)
			if holdErr != nil {
				return holdErr
			}
			if held {
				return nil
			}

			return err
		}

		return tr.recordBuildResult(members, report)
	})

	return c.ignoreStale(report.Repo, err, report.logFields()...)
}

// holdReport keeps report until its merge commit is recorded if the merge
// commit of an attempt that report can belong to is being created.
// CI systems can report results for a merge commit as soon as it was
// pushed, before the merge commit is recorded.
func (tr *transition) holdReport(report *BuildReport) (bool, error) {
	q := tr.q

	if len(q.building) == 0 || q.heldCnt+len(tr.heldReports) >= maxHeldReports {
		return false, nil
	}

	if report.Number != 0 {
		pr, err := tr.tx.GetPullRequest(tr.ctx, tr.repoName(), report.Number)
		if err != nil {
			if errors.Is(err, borserr.ErrNotFound) {
				return false, nil
			}
			return false, err
		}

		if _, building := q.building[pr.AttemptID]; !building || !isTesting(pr) || pr.MergeSHA != "" {
			return false, nil
		}
	}

	tr.heldReports = append(tr.heldReports, report)

	tr.logger.Debug(
		"merge commit of build result is not known yet, holding result",
		append(report.logFields(), logfields.Event("build_result_held"))...,
	)

	return true, nil
}

// attemptMembersBySHA returns the members of the outstanding attempt that
// tests mergeSHA.
func (tr *transition) attemptMembersBySHA(num int, mergeSHA string) ([]*store.PullRequest, error) {
	var candidates []*store.PullRequest

	if num != 0 {
		pr, err := tr.tx.GetPullRequest(tr.ctx, tr.repoName(), num)
		if err != nil {
			if errors.Is(err, borserr.ErrNotFound) {
				return nil, stale(mergeSHA, fmt.Sprintf("pull request #%d is unknown", num))
			}
			return nil, err
		}

		if pr.AttemptID == "" {
			return nil, stale(mergeSHA, "no attempt was started for the pull request")
		}

		candidates, err = tr.tx.ListPullRequestsByAttempt(tr.ctx, tr.repoName(), pr.AttemptID)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		candidates, err = tr.tx.ListPullRequestsByMergeSHA(tr.ctx, tr.repoName(), mergeSHA)
		if err != nil {
			return nil, err
		}
	}

	members := make([]*store.PullRequest, 0, len(candidates))
	for _, pr := range candidates {
		if isTesting(pr) && pr.MergeSHA == mergeSHA {
			members = append(members, pr)
		}
	}

	if len(members) == 0 {
		return nil, stale(mergeSHA, "no attempt is testing the merge commit")
	}

	return members, nil
}

func (tr *transition) recordBuildResult(members []*store.PullRequest, report *BuildReport) error {
	lead := members[0]
	expected := tr.repo.CI.Expected(laneOf(lead))

	if !expected.Contains(report.Builder) {
		tr.logger.Debug(
			"ignoring result of builder that is not required",
			logfields.PullRequest(lead.Number),
			logfields.Builder(report.Builder),
		)
		return nil
	}

	for _, pr := range members {
		res, err := tr.tx.GetBuildResult(tr.ctx, tr.repoName(), pr.Number, report.Builder, report.MergeSHA)
		if err != nil {
			if !errors.Is(err, borserr.ErrNotFound) {
				return err
			}

			res = &store.BuildResult{
				Repo:     tr.repoName(),
				Number:   pr.Number,
				Builder:  report.Builder,
				MergeSHA: report.MergeSHA,
				Result:   store.ResultPending,
			}
		}

		if res.Result != store.ResultPending {
			tr.logger.Debug(
				"builder already reported a final result, ignoring report",
				logfields.PullRequest(pr.Number),
				logfields.Builder(report.Builder),
				zap.String("ci.recorded_result", string(res.Result)),
			)
			return nil
		}

		if report.Result != store.ResultPending {
			res.Result = report.Result
		}
		if report.URL != "" {
			res.URL = report.URL
		}
		res.UpdatedAt = tr.now

		if err := tr.tx.UpsertBuildResult(tr.ctx, res); err != nil {
			return err
		}
	}

	tr.logger.Info(
		"build result recorded",
		logfields.PullRequest(lead.Number),
		logfields.Builder(report.Builder),
		logfields.MergeSHA(report.MergeSHA),
		zap.String("ci.result", string(report.Result)),
	)

	if report.Result == store.ResultPending {
		return nil
	}

	return tr.evaluateAttempt(members, expected)
}

// evaluateAttempt finishes the attempt of members when its outcome is
// known.
// An interrupted or errored builder finishes the attempt without waiting
// for the other builders.
func (tr *transition) evaluateAttempt(members []*store.PullRequest, expected set.Set[string]) error {
	lead := members[0]

	results, err := tr.tx.ListBuildResults(tr.ctx, tr.repoName(), lead.Number, lead.MergeSHA)
	if err != nil {
		return err
	}

	byBuilder := make(map[string]*store.BuildResult, len(results))
	for _, r := range results {
		byBuilder[r.Builder] = r
	}

	var pending, failed, succeeded []string

	for _, builder := range set.Sorted(expected) {
		r, exist := byBuilder[builder]
		if !exist {
			pending = append(pending, builder)
			continue
		}

		switch r.Result {
		case store.ResultInterrupted:
			return tr.finishAttempt(members, store.StatusInterrupted,
				"builder was interrupted: "+describeResult(r),
			)

		case store.ResultError:
			if err := tr.finishAttempt(members, store.StatusFailure,
				"builder reported an error: "+describeResult(r),
			); err != nil {
				return err
			}
			return tr.countFailure(members)

		case store.ResultFailure:
			failed = append(failed, describeResult(r))

		case store.ResultSuccess:
			succeeded = append(succeeded, describeResult(r))

		default:
			pending = append(pending, builder)
		}
	}

	if len(pending) > 0 {
		tr.logger.Debug(
			"waiting for builders",
			logfields.PullRequest(lead.Number),
			zap.Strings("ci.pending_builders", pending),
		)
		return nil
	}

	if len(failed) > 0 {
		if err := tr.finishAttempt(members, store.StatusFailure,
			"failed builders: "+strings.Join(failed, ", "),
		); err != nil {
			return err
		}

		return tr.countFailure(members)
	}

	return tr.finishAttempt(members, store.StatusSuccess,
		"successful builders: "+strings.Join(succeeded, ", "),
	)
}

func (tr *transition) countFailure(members []*store.PullRequest) error {
	if laneOf(members[0]) != policy.LaneAuto {
		return nil
	}

	return tr.recordAutoFailure(members[len(members)-1])
}

func describeResult(r *store.BuildResult) string {
	if r.URL == "" {
		return r.Builder
	}

	return fmt.Sprintf("%s (%s)", r.Builder, r.URL)
}
