package mergeq

import (
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/logfields"
	"github.com/simplesurance/gobors/internal/policy"
	"github.com/simplesurance/gobors/internal/routines"
)

// repoQueue serializes the operations of a repository.
type repoQueue struct {
	repo *policy.Repository

	// pool is a go-routine pool with a single worker, operations for
	// the repository are executed sequentially in the order they were
	// submitted.
	pool *routines.Pool

	// consecutiveFailures is the number of auto lane attempts that
	// failed in a row. It is only accessed from the pool worker.
	consecutiveFailures int

	// building maps the IDs of the attempts whose merge commit is being
	// created to their lane. A lane is not granted while the merge
	// commit of a previous attempt is created for it.
	building map[string]policy.Lane

	// held are build reports that arrived before their merge commit was
	// recorded, keyed by the merge commit. They are applied when the
	// merge commit is recorded and discarded when no merge commit is
	// being created anymore.
	held    map[string][]*BuildReport
	heldCnt int

	logger *zap.Logger
}

func newRepoQueue(repo *policy.Repository, logger *zap.Logger) *repoQueue {
	return &repoQueue{
		repo:     repo,
		pool:     routines.NewPool(1),
		building: map[string]policy.Lane{},
		held:     map[string][]*BuildReport{},
		logger:   logger.Named("queue").With(logfields.Repository(repo.FullName())),
	}
}

// maxHeldReports is the maximum number of build reports that are held per
// repository.
const maxHeldReports = 64

func (q *repoQueue) String() string {
	return "queue for repository " + q.repo.FullName()
}
