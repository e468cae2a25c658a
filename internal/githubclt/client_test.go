package githubclt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/gobors/internal/borserr"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clt, err := NewEnterprise(srv.URL, srv.URL+"/api/graphql", srv.Client())
	require.NoError(t, err)

	return clt
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestWrapRetryableErrorsGraphql(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	// is the same then in vendor/github.com/shurcooL/graphql/graphql.go do()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(503)
	}))

	t.Cleanup(srv.Close)

	clt := Client{
		logger:     zap.L(),
		graphQLClt: githubv4.NewEnterpriseClient(srv.URL, srv.Client()),
	}

	s, err := clt.CommitStatuses(context.Background(), "test", "test", "abc")
	require.Error(t, err)
	assert.Nil(t, s)

	var retryableErr *borserr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestWrapRetryableErrorsGraphqlWithNonStatusErr(t *testing.T) {
	err := errors.New("error")
	wrappedErr := (&Client{}).wrapGraphQLRetryableErrors(err)
	assert.Equal(t, err, wrappedErr)
}

func TestWrapRetryableErrorsRest5xx(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusBadGateway, map[string]string{"message": "bad gateway"})
	})
	clt := newTestClient(t, mux)

	err := clt.CreateIssueComment(context.Background(), "o", "r", 1, "hello")
	require.Error(t, err)

	var retryableErr *borserr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)
}

func TestBuildMergeCommit(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var mu sync.Mutex
	var mergedHeads []string
	var branchSHA string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/o/r/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]string{"sha": "base1"},
		})
	})
	mux.HandleFunc("PATCH /api/v3/repos/o/r/git/refs/heads/auto", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Force)

		mu.Lock()
		branchSHA = req.SHA
		mu.Unlock()

		writeJSON(t, w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/auto",
			"object": map[string]string{"sha": req.SHA},
		})
	})
	mux.HandleFunc("POST /api/v3/repos/o/r/merges", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Base string `json:"base"`
			Head string `json:"head"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "auto", req.Base)

		mu.Lock()
		mergedHeads = append(mergedHeads, req.Head)
		mu.Unlock()

		writeJSON(t, w, http.StatusCreated, map[string]string{"sha": "merge-" + req.Head})
	})

	clt := newTestClient(t, mux)

	sha, err := clt.BuildMergeCommit(context.Background(), "o", "r", "main", "auto",
		[]*MergeHead{{SHA: "h1", CommitMessage: "Auto merge of #1"}, {SHA: "h2", CommitMessage: "Auto merge of #2"}},
		false, "",
	)
	require.NoError(t, err)
	assert.Equal(t, "merge-h2", sha)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"h1", "h2"}, mergedHeads)
	assert.Equal(t, "base1", branchSHA)
}

func TestBuildMergeCommitConflict(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/o/r/git/ref/heads/main", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/main",
			"object": map[string]string{"sha": "base1"},
		})
	})
	mux.HandleFunc("PATCH /api/v3/repos/o/r/git/refs/heads/auto", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/auto",
			"object": map[string]string{"sha": "base1"},
		})
	})
	mux.HandleFunc("POST /api/v3/repos/o/r/merges", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusConflict, map[string]string{"message": "Merge conflict"})
	})

	clt := newTestClient(t, mux)

	_, err := clt.BuildMergeCommit(context.Background(), "o", "r", "main", "auto",
		[]*MergeHead{{SHA: "h1", CommitMessage: "Auto merge of #1"}},
		false, "",
	)
	require.Error(t, err)

	var conflictErr *borserr.ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

func TestMergeableNotComputedIsRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/o/r/pulls/5", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"number": 5, "state": "open"})
	})
	mux.HandleFunc("GET /api/v3/repos/o/r/pulls/6", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"number": 6, "state": "open", "mergeable": false})
	})
	mux.HandleFunc("GET /api/v3/repos/o/r/pulls/7", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"number": 7, "state": "closed"})
	})

	clt := newTestClient(t, mux)

	_, err := clt.Mergeable(context.Background(), "o", "r", 5)
	var retryableErr *borserr.RetryableError
	assert.ErrorAs(t, err, &retryableErr)

	mergeable, err := clt.Mergeable(context.Background(), "o", "r", 6)
	require.NoError(t, err)
	assert.False(t, mergeable)

	_, err = clt.Mergeable(context.Background(), "o", "r", 7)
	assert.ErrorIs(t, err, ErrPullRequestIsClosed)
}

func TestRemoveLabelNotFoundSucceeds(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v3/repos/o/r/issues/3/labels/bors-approved", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "Label does not exist"})
	})

	clt := newTestClient(t, mux)
	require.NoError(t, clt.RemoveLabel(context.Background(), "o", "r", 3, "bors-approved"))
}

func TestIsCollaborator(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/o/r/collaborators/alice", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v3/repos/o/r/collaborators/mallory", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	clt := newTestClient(t, mux)

	isCollab, err := clt.IsCollaborator(context.Background(), "o", "r", "alice")
	require.NoError(t, err)
	assert.True(t, isCollab)

	isCollab, err = clt.IsCollaborator(context.Background(), "o", "r", "mallory")
	require.NoError(t, err)
	assert.False(t, isCollab)
}

func TestToCIJobStatuses(t *testing.T) {
	statuses, err := toCIJobStatuses(
		[]*queryCheckStatus{
			{Name: "build", Status: githubv4.CheckStatusStateCompleted, Conclusion: githubv4.CheckConclusionStateSuccess},
			{Name: "lint", Status: githubv4.CheckStatusStateInProgress},
			{Name: "e2e", Status: githubv4.CheckStatusStateCompleted, Conclusion: githubv4.CheckConclusionStateCancelled},
		},
		[]*queryStatusContext{
			{Context: "ci/jenkins", State: githubv4.StatusStateFailure},
			{Context: "build", State: githubv4.StatusStateFailure},
		},
	)
	require.NoError(t, err)

	require.Equal(t, []*CIJobStatus{
		{Name: "build", Status: CIStatusFailure},
		{Name: "lint", Status: CIStatusPending},
		{Name: "e2e", Status: CIStatusError},
		{Name: "ci/jenkins", Status: CIStatusFailure},
	}, statuses)
}

func TestToCIJobStatusesUnsupportedState(t *testing.T) {
	_, err := toCIJobStatuses(
		[]*queryCheckStatus{{Name: "build", Status: "UNKNOWN"}},
		nil,
	)
	require.Error(t, err)
}
