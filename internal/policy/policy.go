// Package policy contains the per repository rules that drive the merge
// queue: who may issue commands, which CI signals gate an integration
// attempt, timeouts, rollup and tree-close behaviour.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/simplesurance/gobors/internal/cfg"
	"github.com/simplesurance/gobors/internal/set"
	"github.com/simplesurance/gobors/internal/stringutils"
)

// Lane is the kind of an integration attempt.
type Lane string

const (
	LaneAuto Lane = "auto"
	LaneTry  Lane = "try"
)

// CIKind is the kind of CI signals an attempt waits for.
type CIKind string

const (
	CIStatuses CIKind = "statuses"
	CIChecks   CIKind = "checks"
	CIBuilders CIKind = "builders"
)

// BisectPolicy defines how members of a failed rollup batch are requeued.
type BisectPolicy string

const (
	// BisectKeep returns members to Approved unchanged.
	BisectKeep BisectPolicy = "keep"
	// BisectIsolate returns members to Approved and removes them from
	// future rollups.
	BisectIsolate BisectPolicy = "isolate"
)

// CIExpectation is the set of builders, commit statuses or check runs that
// must report a result for an integration attempt.
type CIExpectation struct {
	Kind CIKind
	Auto set.Set[string]
	Try  set.Set[string]
}

// Expected returns the builder names that must report for an attempt in
// lane.
func (c *CIExpectation) Expected(lane Lane) set.Set[string] {
	if lane == LaneTry {
		return c.Try
	}

	return c.Auto
}

// Policy is the global merge queue policy.
type Policy struct {
	MaxPriority int
	// RetryLogExpire is negative, retry log entries older then
	// now+RetryLogExpire are pruned.
	RetryLogExpire     time.Duration
	SupervisorInterval time.Duration
	Repositories       []*Repository
}

// Repository is the policy of a single repository.
type Repository struct {
	Owner string
	Name  string

	Reviewers set.Set[string]
	TryUsers  set.Set[string]
	// AuthCollaborators grants reviewer rights to all collaborators of
	// the repository.
	AuthCollaborators bool

	// Timeout is the maximum duration of an integration attempt.
	Timeout              time.Duration
	StatusBasedExemption bool
	// ReapproveOnPush defines if an approval is dropped when the head of
	// an approved pull request changes.
	ReapproveOnPush bool

	RollupBatchSize int
	Bisect          BisectPolicy

	// TreeCloseAfter is the number of consecutive failed auto attempts
	// after that the tree is closed automatically. 0 disables it.
	TreeCloseAfter    int
	TreeClosePriority int

	AutoBranch string
	TryBranch  string

	CI       CIExpectation
	Triggers []*cfg.Trigger

	Labels map[LabelEvent]LabelChange
}

// FullName returns "owner/name".
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

func (r *Repository) String() string {
	return r.FullName()
}

// Branch returns the name of the integration branch of lane.
func (r *Repository) Branch(lane Lane) string {
	if lane == LaneTry {
		return r.TryBranch
	}

	return r.AutoBranch
}

// LabelChange returns the label change for ev.
func (r *Repository) LabelChange(ev LabelEvent) (LabelChange, bool) {
	l, exist := r.Labels[ev]
	return l, exist
}

func lowerSet(sl []string) set.Set[string] {
	res := make(set.Set[string], len(sl))
	for _, s := range sl {
		res.Add(strings.ToLower(s))
	}

	return res
}

// FromConfig creates a Policy from a validated configuration.
func FromConfig(c *cfg.Config) (*Policy, error) {
	retryLogExpire, err := cfg.ParseDuration(c.RetryLogExpire)
	if err != nil {
		return nil, fmt.Errorf("retry_log_expire: %w", err)
	}

	supervisorIntv, err := cfg.ParseDuration(c.SupervisorInterval)
	if err != nil {
		return nil, fmt.Errorf("supervisor_interval: %w", err)
	}

	result := Policy{
		MaxPriority:        c.MaxPriority,
		RetryLogExpire:     retryLogExpire,
		SupervisorInterval: supervisorIntv,
	}

	for _, rc := range c.Repositories {
		r, err := repositoryFromConfig(rc)
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", rc, err)
		}

		result.Repositories = append(result.Repositories, r)
	}

	return &result, nil
}

func repositoryFromConfig(rc *cfg.Repository) (*Repository, error) {
	timeout, err := cfg.ParseDuration(rc.Timeout)
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	tryNames := rc.CI.TryNames
	if len(tryNames) == 0 {
		tryNames = rc.CI.Names
	}

	labels := make(map[LabelEvent]LabelChange, len(rc.Labels))
	for k, v := range rc.Labels {
		if !isLabelEvent(k) {
			return nil, fmt.Errorf("labels: unknown label event %q", k)
		}

		labels[LabelEvent(k)] = LabelChange{
			Add:    v.Add,
			Remove: v.Remove,
			Unless: v.Unless,
		}
	}

	return &Repository{
		Owner:                rc.Owner,
		Name:                 rc.Name,
		Reviewers:            lowerSet(rc.Reviewers),
		TryUsers:             lowerSet(rc.TryUsers),
		AuthCollaborators:    rc.AuthCollaborators,
		Timeout:              timeout,
		StatusBasedExemption: rc.StatusBasedExemption,
		ReapproveOnPush:      rc.ReapproveOnPush,
		RollupBatchSize:      rc.RollupBatchSize,
		Bisect:               BisectPolicy(rc.RollupBisect),
		TreeCloseAfter:       rc.TreeCloseAfter,
		TreeClosePriority:    rc.TreeClosePriority,
		AutoBranch:           rc.Branch.Auto,
		TryBranch:            rc.Branch.Try,
		CI: CIExpectation{
			Kind: CIKind(rc.CI.Kind),
			Auto: set.From(rc.CI.Names),
			Try:  set.From(tryNames),
		},
		Triggers: rc.CI.Triggers,
		Labels:   labels,
	}, nil
}

// DetailedString returns a multi-line description of the repository
// policy.
func (r *Repository) DetailedString() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "repository: %s\n", r.FullName())
	fmt.Fprintf(&sb, "  reviewers: %s\n", strings.Join(set.Sorted(r.Reviewers), ", "))
	fmt.Fprintf(&sb, "  try users: %s\n", strings.Join(set.Sorted(r.TryUsers), ", "))
	fmt.Fprintf(&sb, "  timeout: %s\n", r.Timeout)
	fmt.Fprintf(&sb, "  rollup: batch size %d, bisect: %s\n", r.RollupBatchSize, r.Bisect)
	if r.TreeCloseAfter > 0 {
		fmt.Fprintf(&sb, "  close tree after %d failures at priority %d\n", r.TreeCloseAfter, r.TreeClosePriority)
	}
	fmt.Fprintf(&sb, "  branches: %s, %s\n", r.AutoBranch, r.TryBranch)

	ci := fmt.Sprintf("kind: %s\nauto: %s\ntry: %s\n",
		r.CI.Kind,
		strings.Join(set.Sorted(r.CI.Auto), ", "),
		strings.Join(set.Sorted(r.CI.Try), ", "),
	)
	sb.WriteString("  ci:\n")
	sb.WriteString(stringutils.IndentString(ci, "    "))

	return sb.String()
}
