// Package cfg contains the configuration file model of gobors.
package cfg

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	DefMaxPriority        = 9001
	DefRetryLogExpire     = "-42 days"
	DefSupervisorInterval = "1m"
	DefTimeout            = "10h"
	DefDBDriver           = "sqlite"
	DefDBDSN              = "main.db"
	DefLogFormat          = "logfmt"
	DefLogTimeKey         = "time_iso8601"
	DefLogLevel           = "info"
	DefBotName            = "bors"
	DefAutoBranch         = "auto"
	DefTryBranch          = "try"
)

type Config struct {
	HTTPListenAddr            string `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string `toml:"https_server_listen_addr"`
	HTTPSCertFile             string `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string `toml:"github_webhook_endpoint"`
	HTTPListEndpoint          string `toml:"queue_list_endpoint"`
	HTTPMetricsEndpoint       string `toml:"metrics_endpoint"`
	GithubWebHookSecret       string `toml:"github_webhook_secret"`
	GithubAPIToken            string `toml:"github_api_token"`
	BotName                   string `toml:"bot_name"`
	LogFormat                 string `toml:"log_format"`
	LogTimeKey                string `toml:"log_time_key"`
	LogLevel                  string `toml:"log_level"`
	DryRun                    bool   `toml:"dry_run"`
	SyncOnStart               bool   `toml:"sync_on_start"`

	// MaxPriority is the highest priority that can be assigned to a pull
	// request.
	MaxPriority int `toml:"max_priority"`
	// RetryLogExpire is a negative duration, retry log entries older than
	// now+RetryLogExpire are pruned.
	RetryLogExpire     string `toml:"retry_log_expire"`
	SupervisorInterval string `toml:"supervisor_interval"`

	DB           Database      `toml:"db"`
	CICallback   CICallback    `toml:"ci_callback"`
	Repositories []*Repository `toml:"repository"`
}

type Database struct {
	// Driver is either "sqlite" or "pgx".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// CICallback configures the endpoint receiving build results from CI
// systems. The queries are jq expressions evaluated on the JSON request body.
type CICallback struct {
	Endpoint        string `toml:"endpoint"`
	Secret          string `toml:"secret"`
	RepositoryQuery string `toml:"repository_query"`
	NumberQuery     string `toml:"number_query"`
	BuilderQuery    string `toml:"builder_query"`
	MergeSHAQuery   string `toml:"merge_sha_query"`
	OutcomeQuery    string `toml:"outcome_query"`
	URLQuery        string `toml:"url_query"`
}

type Repository struct {
	Owner                string   `toml:"owner"`
	Name                 string   `toml:"name"`
	Reviewers            []string `toml:"reviewers"`
	TryUsers             []string `toml:"try_users"`
	AuthCollaborators    bool     `toml:"auth_collaborators"`
	Timeout              string   `toml:"timeout"`
	StatusBasedExemption bool     `toml:"status_based_exemption"`
	ReapproveOnPush      bool     `toml:"reapprove_on_push"`
	RollupBatchSize      int      `toml:"rollup_batch_size"`
	RollupBisect         string   `toml:"rollup_bisect"`
	TreeCloseAfter       int      `toml:"treeclose_after_failures"`
	TreeClosePriority    int      `toml:"treeclose_priority"`

	Branch Branch           `toml:"branch"`
	CI     CI               `toml:"ci"`
	Labels map[string]Label `toml:"labels"`
}

func (r *Repository) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

type Branch struct {
	Auto string `toml:"auto"`
	Try  string `toml:"try"`
}

// CI describes which CI signals must succeed for an integration attempt.
type CI struct {
	// Kind is one of "statuses", "checks" or "builders".
	Kind     string     `toml:"kind"`
	Names    []string   `toml:"names"`
	TryNames []string   `toml:"try_names"`
	Triggers []*Trigger `toml:"trigger"`
}

// Trigger is a HTTP request that starts or cancels a build on a builder.
// URL, Data and header values are go templates.
type Trigger struct {
	Builder   string            `toml:"builder"`
	URL       string            `toml:"url"`
	CancelURL string            `toml:"cancel_url"`
	Method    string            `toml:"method"`
	User      string            `toml:"user"`
	Password  string            `toml:"password"`
	Data      string            `toml:"data"`
	Headers   map[string]string `toml:"headers"`
}

type Label struct {
	Add    []string `toml:"add"`
	Remove []string `toml:"remove"`
	Unless []string `toml:"unless"`
}

// Load reads a TOML configuration from reader.
// ${VAR} placeholders are replaced with the values of the environment
// variables before the configuration is parsed.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal([]byte(expanded), &result); err != nil {
		return nil, err
	}

	result.setDefaults()

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *Config) setDefaults() {
	if c.MaxPriority == 0 {
		c.MaxPriority = DefMaxPriority
	}
	if c.RetryLogExpire == "" {
		c.RetryLogExpire = DefRetryLogExpire
	}
	if c.SupervisorInterval == "" {
		c.SupervisorInterval = DefSupervisorInterval
	}
	if c.DB.Driver == "" {
		c.DB.Driver = DefDBDriver
	}
	if c.DB.DSN == "" && c.DB.Driver == DefDBDriver {
		c.DB.DSN = DefDBDSN
	}
	if c.LogFormat == "" {
		c.LogFormat = DefLogFormat
	}
	if c.LogTimeKey == "" {
		c.LogTimeKey = DefLogTimeKey
	}
	if c.LogLevel == "" {
		c.LogLevel = DefLogLevel
	}
	if c.BotName == "" {
		c.BotName = DefBotName
	}

	for _, r := range c.Repositories {
		if r.Timeout == "" {
			r.Timeout = DefTimeout
		}
		if r.RollupBatchSize == 0 {
			r.RollupBatchSize = 1
		}
		if r.RollupBisect == "" {
			r.RollupBisect = "isolate"
		}
		if r.TreeClosePriority == 0 {
			r.TreeClosePriority = 1
		}
		if r.Branch.Auto == "" {
			r.Branch.Auto = DefAutoBranch
		}
		if r.Branch.Try == "" {
			r.Branch.Try = DefTryBranch
		}
	}
}

// Validate returns an error if the configuration contains invalid or
// contradicting values.
func (c *Config) Validate() error {
	if c.DB.Driver != "sqlite" && c.DB.Driver != "pgx" {
		return fmt.Errorf("db: unsupported driver %q, supported: sqlite, pgx", c.DB.Driver)
	}

	if c.DB.DSN == "" {
		return errors.New("db: dsn must be set")
	}

	if _, err := ParseDuration(c.RetryLogExpire); err != nil {
		return fmt.Errorf("retry_log_expire: %w", err)
	}

	if d, err := ParseDuration(c.SupervisorInterval); err != nil {
		return fmt.Errorf("supervisor_interval: %w", err)
	} else if d <= 0 {
		return errors.New("supervisor_interval: must be positive")
	}

	seen := map[string]struct{}{}
	for i, r := range c.Repositories {
		if r.Owner == "" || r.Name == "" {
			return fmt.Errorf("repository[%d]: owner and name must be set", i)
		}

		if _, exist := seen[r.String()]; exist {
			return fmt.Errorf("repository %s: defined multiple times", r)
		}
		seen[r.String()] = struct{}{}

		if err := r.validate(); err != nil {
			return fmt.Errorf("repository %s: %w", r, err)
		}
	}

	return nil
}

func (r *Repository) validate() error {
	if _, err := ParseDuration(r.Timeout); err != nil {
		return fmt.Errorf("timeout: %w", err)
	}

	if r.RollupBatchSize < 1 {
		return errors.New("rollup_batch_size: must be >=1")
	}

	if r.TreeCloseAfter < 0 {
		return errors.New("treeclose_after_failures: must be >=0")
	}

	switch r.RollupBisect {
	case "keep", "isolate":
	default:
		return fmt.Errorf("rollup_bisect: unsupported value %q, supported: keep, isolate", r.RollupBisect)
	}

	switch r.CI.Kind {
	case "statuses", "checks", "builders":
	default:
		return fmt.Errorf("ci.kind: unsupported value %q, supported: statuses, checks, builders", r.CI.Kind)
	}

	if len(r.CI.Names) == 0 {
		return errors.New("ci.names: at least one name must be defined")
	}

	for _, t := range r.CI.Triggers {
		if r.CI.Kind != "builders" {
			return errors.New("ci.trigger: triggers are only supported for ci.kind builders")
		}

		if t.Builder == "" || t.URL == "" {
			return errors.New("ci.trigger: builder and url must be set")
		}
	}

	return nil
}

// ParseDuration parses a Go duration string ("36h", "-1008h") or a
// duration in days ("-42 days", "1 day").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if fields := strings.Fields(s); len(fields) == 2 && (fields[1] == "days" || fields[1] == "day") {
		days, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}

		return time.Duration(days) * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}

func (c *Config) Marshal(writer io.Writer) error {
	return toml.NewEncoder(writer).Encode(c)
}
