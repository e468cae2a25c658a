package mergeq

import (
	"context"
	"time"

	"github.com/simplesurance/gobors/internal/store"
)

type httpListRepository struct {
	Name       string
	TreeClosed int
	TreeSource string

	Auto    []*store.PullRequest
	Try     []*store.PullRequest
	Waiting []*store.PullRequest
	Other   []*store.PullRequest
}

// httpListData is used as template data when rendering the queue list
// page.
type httpListData struct {
	Repositories []*httpListRepository

	// CreatedAt is the time when this datastructure was created.
	CreatedAt time.Time
}

func (c *Coordinator) httpListData(ctx context.Context) (*httpListData, error) {
	result := httpListData{CreatedAt: c.clock.Now()}

	for _, q := range c.queues.Values() {
		repoData := httpListRepository{Name: q.repo.FullName()}

		err := c.store.InTx(ctx, func(tx *store.Tx) error {
			gate, err := tx.GetTreeState(ctx, q.repo.FullName())
			if err != nil {
				return err
			}

			repoData.TreeClosed = gate.ClosedPriority
			repoData.TreeSource = gate.Source

			prs, err := tx.ListPullRequests(ctx, q.repo.FullName(), openStatuses...)
			if err != nil {
				return err
			}

			for _, pr := range prs {
				switch pr.Status {
				case store.StatusTesting, store.StatusSuccess, store.StatusQueuedForMerge:
					repoData.Auto = append(repoData.Auto, pr)
				case store.StatusTryTesting:
					repoData.Try = append(repoData.Try, pr)
				case store.StatusApproved, store.StatusTryRequested:
					repoData.Waiting = append(repoData.Waiting, pr)
				default:
					repoData.Other = append(repoData.Other, pr)
				}
			}

			return nil
		})
		if err != nil {
			return nil, err
		}

		result.Repositories = append(result.Repositories, &repoData)
	}

	return &result, nil
}
