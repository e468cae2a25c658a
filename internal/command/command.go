// Package command parses the merge queue commands that are embedded in
// pull request comments, e.g. "@bors r+ p=5".
package command

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/simplesurance/gobors/internal/borserr"
	"github.com/simplesurance/gobors/internal/store"
)

// Kind is the type of a command.
type Kind string

const (
	KindApprove    Kind = "approve"
	KindReject     Kind = "reject"
	KindPriority   Kind = "priority"
	KindTry        Kind = "try"
	KindCancelTry  Kind = "cancel_try"
	KindRetry      Kind = "retry"
	KindClean      Kind = "clean"
	KindRollup     Kind = "rollup"
	KindSquash     Kind = "squash"
	KindDelegate   Kind = "delegate"
	KindTreeClosed Kind = "treeclosed"
	KindTreeOpen   Kind = "treeopen"
)

// Command is a parsed command.
type Command struct {
	Kind Kind

	// Approver is set for "r=<user>", approvals are done in the name
	// of the user instead of the actor.
	Approver string
	// HeadSHA is the optional commit prefix an approval is restricted
	// to.
	HeadSHA string

	// Priority is set for KindPriority and for KindApprove when the
	// comment also contains a priority.
	Priority    int
	HasPriority bool

	Rollup int
	Squash bool

	// Delegate is the user that is granted review rights, empty for
	// "delegate-". DelegateToAuthor is set for "delegate+".
	Delegate         string
	DelegateToAuthor bool

	TreeClosed int
}

func (c *Command) String() string {
	switch c.Kind {
	case KindApprove:
		s := "r+"
		if c.Approver != "" {
			s = "r=" + c.Approver
		}
		if c.HeadSHA != "" {
			s += " " + c.HeadSHA
		}
		if c.HasPriority {
			s += " p=" + strconv.Itoa(c.Priority)
		}
		return s
	case KindReject:
		return "r-"
	case KindPriority:
		return "p=" + strconv.Itoa(c.Priority)
	case KindTry:
		return "try"
	case KindCancelTry:
		return "try-"
	case KindRetry:
		return "retry"
	case KindClean:
		return "clean"
	case KindRollup:
		return "rollup=" + rollupName(c.Rollup)
	case KindSquash:
		if c.Squash {
			return "squash"
		}
		return "squash-"
	case KindDelegate:
		if c.DelegateToAuthor {
			return "delegate+"
		}
		if c.Delegate == "" {
			return "delegate-"
		}
		return "delegate=" + c.Delegate
	case KindTreeClosed:
		return "treeclosed=" + strconv.Itoa(c.TreeClosed)
	case KindTreeOpen:
		return "treeclosed-"
	default:
		return string(c.Kind)
	}
}

func rollupName(v int) string {
	switch v {
	case store.RollupAlways:
		return "always"
	case store.RollupNever:
		return "never"
	default:
		return "maybe"
	}
}

var shaRe = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

var userRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

// ignoreBlockRe matches the blocks between "<!-- botName-ignore:start -->"
// and "<!-- botName-ignore:end -->". A block without end marker extends to
// the end of the text.
func ignoreBlockRe(botName string) *regexp.Regexp {
	name := regexp.QuoteMeta(botName)
	return regexp.MustCompile(
		`(?is)<!--\s*` + name + `-ignore:start\s*-->.*?(?:<!--\s*` + name + `-ignore:end\s*-->|\z)`,
	)
}

// Parse returns the commands that are addressed to botName in body.
// Commands follow a mention of "@botName" on the same line, words that are
// not commands are ignored. Text in ignore blocks is skipped, it allows
// to mention commands, e.g. in pull request templates, without running
// them.
// A *borserr.ValidationError is returned when a command has an invalid
// argument.
func Parse(botName, body string) ([]*Command, error) {
	var result []*Command

	mention := "@" + strings.ToLower(botName)
	body = ignoreBlockRe(botName).ReplaceAllString(body, "")

	for _, line := range strings.Split(body, "\n") {
		words := strings.Fields(line)

		for i, w := range words {
			if strings.ToLower(strings.TrimRight(w, ":,")) != mention {
				continue
			}

			cmds, err := parseWords(words[i+1:])
			if err != nil {
				return nil, err
			}

			result = append(result, cmds...)
			break
		}
	}

	return foldPriority(result), nil
}

// foldPriority merges a priority command into an approval of the same
// comment.
func foldPriority(cmds []*Command) []*Command {
	var approve, prio *Command
	for _, c := range cmds {
		switch c.Kind {
		case KindApprove:
			approve = c
		case KindPriority:
			prio = c
		}
	}

	if approve == nil || prio == nil {
		return cmds
	}

	approve.Priority = prio.Priority
	approve.HasPriority = true

	result := make([]*Command, 0, len(cmds)-1)
	for _, c := range cmds {
		if c != prio {
			result = append(result, c)
		}
	}

	return result
}

func parseWords(words []string) ([]*Command, error) {
	var result []*Command

	for i := 0; i < len(words); i++ {
		w := words[i]
		key, val, hasVal := strings.Cut(w, "=")

		var next string
		if i+1 < len(words) {
			next = words[i+1]
		}

		switch {
		case w == "r+":
			cmd := Command{Kind: KindApprove}
			if shaRe.MatchString(next) {
				cmd.HeadSHA = strings.ToLower(next)
				i++
			}
			result = append(result, &cmd)

		case key == "r" && hasVal:
			if !userRe.MatchString(val) {
				return nil, borserr.NewValidationError("invalid user name in %q", w)
			}

			cmd := Command{Kind: KindApprove, Approver: val}
			if shaRe.MatchString(next) {
				cmd.HeadSHA = strings.ToLower(next)
				i++
			}
			result = append(result, &cmd)

		case w == "r-":
			result = append(result, &Command{Kind: KindReject})

		case (key == "p" || key == "priority") && hasVal:
			p, err := strconv.Atoi(val)
			if err != nil {
				return nil, borserr.NewValidationError("invalid priority %q, must be an integer", val)
			}
			result = append(result, &Command{Kind: KindPriority, Priority: p, HasPriority: true})

		case w == "try":
			result = append(result, &Command{Kind: KindTry})

		case w == "try-":
			result = append(result, &Command{Kind: KindCancelTry})

		case w == "retry":
			result = append(result, &Command{Kind: KindRetry})

		case w == "clean":
			result = append(result, &Command{Kind: KindClean})

		case w == "rollup":
			result = append(result, &Command{Kind: KindRollup, Rollup: store.RollupAlways})

		case w == "rollup-":
			result = append(result, &Command{Kind: KindRollup, Rollup: store.RollupMaybe})

		case key == "rollup" && hasVal:
			v, err := parseRollup(val)
			if err != nil {
				return nil, err
			}
			result = append(result, &Command{Kind: KindRollup, Rollup: v})

		case w == "squash":
			result = append(result, &Command{Kind: KindSquash, Squash: true})

		case w == "squash-":
			result = append(result, &Command{Kind: KindSquash, Squash: false})

		case w == "delegate+":
			result = append(result, &Command{Kind: KindDelegate, DelegateToAuthor: true})

		case w == "delegate-":
			result = append(result, &Command{Kind: KindDelegate})

		case key == "delegate" && hasVal:
			if !userRe.MatchString(val) {
				return nil, borserr.NewValidationError("invalid user name in %q", w)
			}
			result = append(result, &Command{Kind: KindDelegate, Delegate: val})

		case key == "treeclosed" && hasVal:
			p, err := strconv.Atoi(val)
			if err != nil || p <= 0 {
				return nil, borserr.NewValidationError("invalid treeclosed value %q, must be a positive integer", val)
			}
			result = append(result, &Command{Kind: KindTreeClosed, TreeClosed: p})

		case w == "treeclosed-":
			result = append(result, &Command{Kind: KindTreeOpen})
		}
	}

	return result, nil
}

func parseRollup(val string) (int, error) {
	switch val {
	case "always", "1":
		return store.RollupAlways, nil
	case "maybe", "0":
		return store.RollupMaybe, nil
	case "never", "-1":
		return store.RollupNever, nil
	default:
		return 0, borserr.NewValidationError("invalid rollup value %q, supported: always, maybe, never", val)
	}
}

// Format returns the comment body that issues cmds.
func Format(botName string, cmds ...*Command) string {
	words := make([]string, 0, len(cmds)+1)
	words = append(words, "@"+botName)

	for _, c := range cmds {
		words = append(words, c.String())
	}

	return strings.Join(words, " ")
}
