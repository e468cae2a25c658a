// Package action defines the outbound side effects of the merge queue and
// the requests describing them.
//
// All Executor methods must be idempotent, they are retried on temporary
// errors and re-requested after a restart.
package action

import (
	"context"

	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/store"
)

//go:generate mockgen -package mocks -destination mocks/executor.go . Executor

// Executor performs the side effects requested by the merge queue.
// Errors wrapping borserr.RetryableError are retried.
type Executor interface {
	// BuildIntegration creates the merge commit of the attempt on the
	// integration branch of the lane.
	// If the merge commit can not be created because of a merge
	// conflict a *borserr.ConflictError is returned.
	BuildIntegration(ctx context.Context, req *IntegrationRequest) (*IntegrationResult, error)
	// StartBuilds triggers the builders that are expected for the lane
	// to test the recorded merge commit.
	StartBuilds(ctx context.Context, req *BuildRequest) error
	// CancelBuild cancels the builds of an invalidated attempt.
	CancelBuild(ctx context.Context, req *CancelRequest) error
	// PushToBase fast-forwards the base branch to the merge commit.
	PushToBase(ctx context.Context, req *PushRequest) error
	// Notify posts a comment, sets labels and a commit status.
	Notify(ctx context.Context, n *Notification) error
	// HeadStatuses returns the CI results reported for a commit.
	HeadStatuses(ctx context.Context, repo *policy.Repository, sha string) ([]*CIStatus, error)
	// Mergeable returns if a pull request can be merged into its base
	// branch without conflicts.
	Mergeable(ctx context.Context, repo *policy.Repository, num int) (bool, error)
}

// IntegrationMember is a pull request that is part of an integration
// attempt.
type IntegrationMember struct {
	Number     int
	HeadSHA    string
	HeadRef    string
	Title      string
	ApprovedBy string
}

// IntegrationRequest describes the merge commit that is built for an
// attempt. A rollup attempt has multiple members.
type IntegrationRequest struct {
	Repository *policy.Repository
	AttemptID  string
	Lane       policy.Lane
	BaseRef    string
	Members    []*IntegrationMember
	// Squash requests to squash the changes into a single commit, only
	// supported for attempts with a single member.
	Squash bool
}

// IntegrationResult is the outcome of building the merge commit.
type IntegrationResult struct {
	MergeSHA string
}

// BuildRequest describes the builds of a recorded merge commit.
type BuildRequest struct {
	Repository *policy.Repository
	AttemptID  string
	Lane       policy.Lane
	BaseRef    string
	MergeSHA   string
	Members    []*IntegrationMember
}

type CancelRequest struct {
	Repository *policy.Repository
	AttemptID  string
	MergeSHA   string
	Lane       policy.Lane
}

type PushRequest struct {
	Repository *policy.Repository
	AttemptID  string
	BaseRef    string
	MergeSHA   string
}

// Notification informs the participants of a pull request about a state
// change.
type Notification struct {
	Repository *policy.Repository
	Number     int
	HeadSHA    string
	// Event is empty for notifications that only post a comment.
	Event   policy.LabelEvent
	Message string
	// CommitState is the commit status that is set on HeadSHA, it is not
	// set when empty.
	CommitState CommitState
}

// CommitState is the state of the commit status reported for the head of
// a pull request.
type CommitState string

const (
	CommitStatePending CommitState = "pending"
	CommitStateSuccess CommitState = "success"
	CommitStateFailure CommitState = "failure"
	CommitStateError   CommitState = "error"
)

// CIStatus is a CI result reported for a commit.
type CIStatus struct {
	Name   string
	Result store.Result
}
