package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/cfg"
)

func testRepoCfg() *cfg.Repository {
	return &cfg.Repository{
		Owner:           "simplesurance",
		Name:            "gobors",
		Reviewers:       []string{"Alice"},
		TryUsers:        []string{"bob"},
		Timeout:         "2h",
		RollupBatchSize: 4,
		RollupBisect:    "isolate",
		CI: cfg.CI{
			Kind:  "statuses",
			Names: []string{"ci/linux", "ci/windows"},
		},
		Labels: map[string]cfg.Label{
			"approved": {Add: []string{"approved"}},
		},
	}
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig(&cfg.Config{
		MaxPriority:        10,
		RetryLogExpire:     "-42 days",
		SupervisorInterval: "30s",
		Repositories:       []*cfg.Repository{testRepoCfg()},
	})
	require.NoError(t, err)

	assert.Equal(t, 10, p.MaxPriority)
	assert.Equal(t, -42*24*time.Hour, p.RetryLogExpire)
	assert.Equal(t, 30*time.Second, p.SupervisorInterval)
	require.Len(t, p.Repositories, 1)

	r := p.Repositories[0]
	assert.Equal(t, "simplesurance/gobors", r.FullName())
	assert.Equal(t, 2*time.Hour, r.Timeout)
	assert.Equal(t, BisectIsolate, r.Bisect)
	assert.True(t, r.CI.Expected(LaneAuto).Contains("ci/windows"))
	// try builders default to the auto builders
	assert.True(t, r.CI.Expected(LaneTry).Contains("ci/windows"))

	lc, exist := r.LabelChange(LabelEventApproved)
	assert.True(t, exist)
	assert.Equal(t, []string{"approved"}, lc.Add)

	_, exist = r.LabelChange(LabelEventPushed)
	assert.False(t, exist)
}

func TestFromConfigRejectsUnknownLabelEvent(t *testing.T) {
	rc := testRepoCfg()
	rc.Labels["approve"] = cfg.Label{}

	_, err := FromConfig(&cfg.Config{
		RetryLogExpire:     "-1h",
		SupervisorInterval: "1m",
		Repositories:       []*cfg.Repository{rc},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "approve")
}

func TestAuthLevel(t *testing.T) {
	r, err := repositoryFromConfig(testRepoCfg())
	require.NoError(t, err)

	assert.Equal(t, AuthReviewer, r.AuthLevel("alice", "", false))
	assert.Equal(t, AuthReviewer, r.AuthLevel("ALICE", "", false))
	assert.Equal(t, AuthTry, r.AuthLevel("bob", "", false))
	assert.Equal(t, AuthReviewer, r.AuthLevel("bob", "Bob", false))
	assert.Equal(t, AuthNone, r.AuthLevel("mallory", "", false))
	assert.Equal(t, AuthReviewer, r.AuthLevel("mallory", "mallory", false))
}

func TestCollaboratorsAreReviewers(t *testing.T) {
	rc := testRepoCfg()
	r, err := repositoryFromConfig(rc)
	require.NoError(t, err)
	assert.Equal(t, AuthNone, r.AuthLevel("mallory", "", true))

	rc.AuthCollaborators = true
	r, err = repositoryFromConfig(rc)
	require.NoError(t, err)
	assert.Equal(t, AuthReviewer, r.AuthLevel("mallory", "", true))
	assert.Equal(t, AuthNone, r.AuthLevel("mallory", "", false))
	assert.Equal(t, AuthTry, r.AuthLevel("bob", "", false))
}

func TestAuthorize(t *testing.T) {
	r, err := repositoryFromConfig(testRepoCfg())
	require.NoError(t, err)

	require.NoError(t, r.Authorize("bob", "", false, AuthTry))

	err = r.Authorize("bob", "", false, AuthReviewer)
	var authErr *borserr.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "reviewer", authErr.Required)
	assert.Equal(t, "try", authErr.Has)
}

func TestLabelChangeApply(t *testing.T) {
	lc := LabelChange{
		Add:    []string{"S-waiting-on-bors", "approved"},
		Remove: []string{"S-waiting-on-review", "S-waiting-on-author"},
		Unless: []string{"S-blocked"},
	}

	add, remove := lc.Apply([]string{"approved", "S-waiting-on-review"})
	assert.Equal(t, []string{"S-waiting-on-bors"}, add)
	assert.Equal(t, []string{"S-waiting-on-review"}, remove)

	add, remove = lc.Apply([]string{"S-blocked", "S-waiting-on-review"})
	assert.Empty(t, add)
	assert.Empty(t, remove)
}
