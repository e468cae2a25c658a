package githubclt

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// CIStatus abstracts the multiple result values of GitHub check runs and
// Commit statuses into a single value.
type CIStatus string

const (
	CIStatusSuccess CIStatus = "SUCCESS"
	CIStatusPending CIStatus = "PENDING"
	CIStatusFailure CIStatus = "FAILURE"
	CIStatusError   CIStatus = "ERROR"
)

// CIJobStatus is the status of a CI job.
// It represents the status of GitHub CheckRuns and Commit statuses.
type CIJobStatus struct {
	Name   string
	Status CIStatus
}

// CommitStatuses returns the results of all check runs and commit
// statuses that were reported for a commit, retrieved via the
// [status check rollup].
//
// [status check rollup]: https://docs.github.com/en/graphql/reference/objects#statuscheckrollup
func (clt *Client) CommitStatuses(ctx context.Context, owner, repo, sha string) ([]*CIJobStatus, error) {
	checkRuns, statusContexts, err := clt.statusCheckRollup(ctx, owner, repo, sha)
	if err != nil {
		return nil, clt.wrapGraphQLRetryableErrors(err)
	}

	return toCIJobStatuses(checkRuns, statusContexts)
}

func toCIJobStatuses(
	checkRuns []*queryCheckStatus,
	commitStatuses []*queryStatusContext,
) ([]*CIJobStatus, error) {
	result := make([]*CIJobStatus, 0, len(checkRuns)+len(commitStatuses))
	seen := make(map[string]*CIJobStatus, len(checkRuns)+len(commitStatuses))

	for _, run := range checkRuns {
		status, err := checkRunResultToCiStatus(run.Status, run.Conclusion)
		if err != nil {
			return nil, fmt.Errorf("converting checkRun %q CIstatus failed: %w", run.Name, err)
		}

		if entry, exists := seen[run.Name]; exists {
			entry.Status = status
			continue
		}

		entry := &CIJobStatus{Name: run.Name, Status: status}
		seen[run.Name] = entry
		result = append(result, entry)
	}

	for _, commitStatus := range commitStatuses {
		status, err := contextStatusStateToCIStatus(commitStatus.State)
		if err != nil {
			return nil, fmt.Errorf("converting %q status context to CIstatus failed: %w",
				commitStatus.Context, err)
		}

		if entry, exists := seen[commitStatus.Context]; exists {
			entry.Status = status
			continue
		}

		entry := &CIJobStatus{Name: commitStatus.Context, Status: status}
		seen[commitStatus.Context] = entry
		result = append(result, entry)
	}

	return result, nil
}

func checkRunResultToCiStatus(status githubv4.CheckStatusState, conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch status {
	case githubv4.CheckStatusStateInProgress,
		githubv4.CheckStatusStatePending,
		githubv4.CheckStatusStateQueued,
		githubv4.CheckStatusStateRequested,
		githubv4.CheckStatusStateWaiting:
		return CIStatusPending, nil

	case githubv4.CheckStatusStateCompleted:
		return checkConclusiontoCIStatus(conclusion)

	default:
		return "", fmt.Errorf("unsupported status value: %q", status)
	}
}

func checkConclusiontoCIStatus(conclusion githubv4.CheckConclusionState) (CIStatus, error) {
	switch conclusion {
	case githubv4.CheckConclusionStateFailure,
		githubv4.CheckConclusionStateStale,
		githubv4.CheckConclusionStateTimedOut:
		return CIStatusFailure, nil

	case githubv4.CheckConclusionStateCancelled,
		githubv4.CheckConclusionStateStartupFailure:
		return CIStatusError, nil

	case githubv4.CheckConclusionStateActionRequired:
		return CIStatusPending, nil

	case githubv4.CheckConclusionStateNeutral,
		githubv4.CheckConclusionStateSkipped,
		githubv4.CheckConclusionStateSuccess:
		return CIStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported conclusion value: %q", conclusion)
	}
}

func contextStatusStateToCIStatus(state githubv4.StatusState) (CIStatus, error) {
	switch state {
	case githubv4.StatusStateError:
		return CIStatusError, nil

	case githubv4.StatusStateFailure:
		return CIStatusFailure, nil

	case githubv4.StatusStateExpected,
		githubv4.StatusStatePending:
		return CIStatusPending, nil

	case githubv4.StatusStateSuccess:
		return CIStatusSuccess, nil

	default:
		return "", fmt.Errorf("unsupported status state value: %q", state)
	}
}

type queryCheckStatus struct {
	Name       string
	Conclusion githubv4.CheckConclusionState
	Status     githubv4.CheckStatusState
}

type queryStatusContext struct {
	State   githubv4.StatusState
	Context string
}

func (clt *Client) statusCheckRollup(ctx context.Context, owner, repo, sha string) ([]*queryCheckStatus, []*queryStatusContext, error) {
	type graphQLQueryCommitStatus struct {
		Repository struct {
			Object struct {
				Commit struct {
					StatusCheckRollup struct {
						Contexts struct {
							PageInfo struct {
								EndCursor   string
								HasNextPage bool
							}
							Edges []struct {
								Node struct {
									CheckRun      queryCheckStatus   `graphql:"... on CheckRun"`
									StatusContext queryStatusContext `graphql:"... on StatusContext"`
								}
							}
						} `graphql:"contexts(first: $contextsFirst, after: $contextsAfter)"`
					}
				} `graphql:"... on Commit"`
			} `graphql:"object(oid: $oid)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	var checkRuns []*queryCheckStatus
	var statusContexts []*queryStatusContext

	vars := map[string]any{
		"owner":         githubv4.String(owner),
		"name":          githubv4.String(repo),
		"oid":           githubv4.GitObjectID(sha),
		"contextsFirst": githubv4.Int(100),
		"contextsAfter": (*githubv4.String)(nil),
	}

	for {
		var q graphQLQueryCommitStatus

		err := clt.graphQLClt.Query(ctx, &q, vars)
		if err != nil {
			return nil, nil, err
		}

		rollup := q.Repository.Object.Commit.StatusCheckRollup
		for _, edge := range rollup.Contexts.Edges {
			node := edge.Node
			if node.CheckRun.Name != "" && node.StatusContext.Context != "" {
				return nil, nil, fmt.Errorf("internal error: node contains checkRun and context, expecting only one")
			}

			if node.CheckRun.Name != "" {
				checkRuns = append(checkRuns, &node.CheckRun)
				continue
			}

			if node.StatusContext.Context != "" {
				statusContexts = append(statusContexts, &node.StatusContext)
			}
		}

		pageInfo := rollup.Contexts.PageInfo
		if !pageInfo.HasNextPage {
			return checkRuns, statusContexts, nil
		}

		if pageInfo.EndCursor == "" {
			return nil, nil, fmt.Errorf("retrieving all contexts failed, HasNextPage is %t, expected non-empty EndCursor", pageInfo.HasNextPage)
		}

		vars["contextsAfter"] = githubv4.String(pageInfo.EndCursor)
	}
}
