// Package mergeq implements the merge queue coordination engine.
//
// Every configured repository has its own queue with a single worker, all
// operations for a repository run serialized on it. An operation is
// executed in a single store transaction: the state of the affected pull
// requests is changed, afterwards the scheduler grants free integration
// slots. Side effects (creating merge commits, pushing to the base branch,
// comments, labels and commit statuses) are only started after the
// transaction was committed. Their results are fed back as new operations.
//
// Two lanes exist per repository: the auto lane, that tests and lands
// approved pull requests and the try lane, that only tests. At most one
// integration attempt is in flight per lane and repository. An attempt has
// one member or, when rollups are enabled, multiple members that share the
// same merge commit.
package mergeq
