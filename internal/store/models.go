package store

import "time"

// Status is the lifecycle state of a pull request.
type Status string

const (
	StatusPending        Status = "pending"
	StatusApproved       Status = "approved"
	StatusTesting        Status = "testing"
	StatusSuccess        Status = "success"
	StatusQueuedForMerge Status = "queued_for_merge"
	StatusMerged         Status = "merged"
	StatusFailure        Status = "failure"
	StatusTimedOut       Status = "timed_out"
	StatusInterrupted    Status = "interrupted"
	StatusConflict       Status = "conflict"
	StatusTryRequested   Status = "try_requested"
	StatusTryTesting     Status = "try_testing"
	StatusTrySucceeded   Status = "try_succeeded"
	StatusTryFailed      Status = "try_failed"
	StatusClosed         Status = "closed"
)

// Result is the outcome of a single builder for an integration attempt.
type Result string

const (
	ResultPending     Result = "pending"
	ResultSuccess     Result = "success"
	ResultFailure     Result = "failure"
	ResultError       Result = "error"
	ResultInterrupted Result = "interrupted"
)

// IsValid returns true if r is one of the defined results.
func (r Result) IsValid() bool {
	switch r {
	case ResultPending, ResultSuccess, ResultFailure, ResultError, ResultInterrupted:
		return true
	default:
		return false
	}
}

// Rollup tiers of a pull request.
const (
	RollupNever  = -1
	RollupMaybe  = 0
	RollupAlways = 1
)

// PullRequest is the persisted state of a pull request.
type PullRequest struct {
	Repo       string `db:"repo"`
	Number     int    `db:"num"`
	Status     Status `db:"status"`
	MergeSHA   string `db:"merge_sha"`
	Title      string `db:"title"`
	Body       string `db:"body"`
	HeadSHA    string `db:"head_sha"`
	HeadRef    string `db:"head_ref"`
	BaseRef    string `db:"base_ref"`
	Assignee   string `db:"assignee"`
	ApprovedBy string `db:"approved_by"`
	Priority   int    `db:"priority"`
	IsTry      bool   `db:"try_"`
	Rollup     int    `db:"rollup"`
	Squash     bool   `db:"squash"`
	Delegate   string `db:"delegate"`
	// QueuedAt is the time the pull request was approved or a try build
	// was requested.
	QueuedAt     *time.Time `db:"queued_at"`
	TestingSince *time.Time `db:"testing_since"`
	// AttemptID identifies the current or last integration attempt, all
	// members of a rollup share it.
	AttemptID string `db:"attempt_id"`
}

// BuildResult is the result of one builder for one pull request in one
// integration attempt.
type BuildResult struct {
	Repo      string    `db:"repo"`
	Number    int       `db:"num"`
	Builder   string    `db:"builder"`
	MergeSHA  string    `db:"merge_sha"`
	Result    Result    `db:"res"`
	URL       string    `db:"url"`
	UpdatedAt time.Time `db:"updated_at"`
}

// TreeState is the tree-close gate of a repository.
// A ClosedPriority of 0 means the tree is open.
type TreeState struct {
	Repo           string `db:"repo"`
	ClosedPriority int    `db:"treeclosed"`
	Source         string `db:"treeclosed_src"`
}

// IsClosed returns true if the tree is closed.
func (t *TreeState) IsClosed() bool {
	return t.ClosedPriority > 0
}

// Blocks returns true if the closed tree prevents starting an integration
// attempt for a pull request with the given priority.
func (t *TreeState) Blocks(priority int) bool {
	return t.IsClosed() && priority <= t.ClosedPriority
}

// RetryLogEntry records a retry or a requeue of a pull request.
type RetryLogEntry struct {
	Repo    string    `db:"repo"`
	Number  int       `db:"num"`
	Time    time.Time `db:"time"`
	Source  string    `db:"src"`
	Message string    `db:"msg"`
}
