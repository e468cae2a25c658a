package github

import "go.uber.org/zap"

// Event is a validated and parsed GitHub webhook event.
type Event struct {
	// DeliveryID is the unique GitHub ID of the delivery.
	DeliveryID string
	// Type is the value of the X-GitHub-Event header.
	Type string
	// JSON is the raw payload.
	JSON []byte
	// Event is the payload parsed by github.ParseWebHook(), e.g.
	// *github.PullRequestEvent.
	Event     any
	LogFields []zap.Field
}
