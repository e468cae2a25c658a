package mergeq

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/store"
)

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

func newHTTPRespWriter(logger *zap.Logger, resp http.ResponseWriter) *httpRespWriter {
	return &httpRespWriter{
		ResponseWriter: resp,
		logger:         logger,
	}
}

// WriteStr writes a string to the http response write.
// If an error happens, it is logged with info priority and false is returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info("sending http response failed", zap.Error(err))
		return false
	}

	return true
}

// HTTPHandlerList returns a plain-text listing of the tree state and the
// queued pull requests of all repositories.
func (c *Coordinator) HTTPHandlerList(respWr http.ResponseWriter, req *http.Request) {
	data, err := c.httpListData(req.Context())
	if err != nil {
		c.logger.Warn("reading queue state failed", zap.Error(err))
		http.Error(respWr, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := newHTTPRespWriter(c.logger, respWr)
	resp.Header().Add("Content-Type", "text/plain")

	for _, repo := range data.Repositories {
		tree := "open"
		if repo.TreeClosed > 0 {
			tree = fmt.Sprintf("closed for priority <= %d (%s)", repo.TreeClosed, repo.TreeSource)
		}

		if !resp.WriteStr(fmt.Sprintf("Repository: %s\nTree: %s\n", repo.Name, tree)) {
			return
		}

		sections := []struct {
			name string
			prs  []*store.PullRequest
		}{
			{"Auto", repo.Auto},
			{"Try", repo.Try},
			{"Queued", repo.Waiting},
			{"Other", repo.Other},
		}

		for _, sec := range sections {
			if len(sec.prs) == 0 {
				continue
			}

			if !resp.WriteStr(fmt.Sprintf("  %s:\n", sec.name)) {
				return
			}

			for i, pr := range sec.prs {
				if !resp.WriteStr(formatListEntry(i, pr)) {
					return
				}
			}
		}

		if !resp.WriteStr("\n") {
			return
		}
	}

	resp.WriteStr(fmt.Sprintf("Generated at: %s\n", data.CreatedAt.Format(time.RFC822)))
}

func formatListEntry(i int, pr *store.PullRequest) string {
	queued := "-"
	if pr.QueuedAt != nil {
		queued = pr.QueuedAt.Format(time.RFC822)
	}

	return fmt.Sprintf(
		"    #%-3d PR: %-5d Status: %-16s Priority: %-4d Queued: %s\t%s\n",
		i, pr.Number, pr.Status, pr.Priority, queued, pr.Title,
	)
}
