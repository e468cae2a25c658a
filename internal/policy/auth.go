package policy

import (
	"strings"

	"github.com/simplesurance/gobors/internal/borserr"
)

// AuthLevel is the authorization level of an actor for a pull request.
// Higher levels include the rights of lower ones.
type AuthLevel int

const (
	AuthNone     AuthLevel = 1
	AuthTry      AuthLevel = 2
	AuthReviewer AuthLevel = 3
)

func (a AuthLevel) String() string {
	switch a {
	case AuthNone:
		return "no"
	case AuthTry:
		return "try"
	case AuthReviewer:
		return "reviewer"
	default:
		return "unknown"
	}
}

// AuthLevel returns the authorization level of actor on a pull request that
// has the given delegate.
// The delegate of a pull request has reviewer rights on it. When
// AuthCollaborators is enabled, collaborators of the repository have
// reviewer rights.
func (r *Repository) AuthLevel(actor, delegate string, collaborator bool) AuthLevel {
	actor = strings.ToLower(actor)

	if r.Reviewers.Contains(actor) {
		return AuthReviewer
	}

	if collaborator && r.AuthCollaborators {
		return AuthReviewer
	}

	if delegate != "" && strings.EqualFold(actor, delegate) {
		return AuthReviewer
	}

	if r.TryUsers.Contains(actor) {
		return AuthTry
	}

	return AuthNone
}

// Authorize returns a *borserr.AuthError if actor has a lower level then
// required.
func (r *Repository) Authorize(actor, delegate string, collaborator bool, required AuthLevel) error {
	has := r.AuthLevel(actor, delegate, collaborator)
	if has >= required {
		return nil
	}

	return &borserr.AuthError{
		Actor:    actor,
		Required: required.String(),
		Has:      has.String(),
	}
}
