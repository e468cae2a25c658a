// Package github receives GitHub webhook events via HTTP and forwards them
// to event channels.
package github

import (
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/gobors/internal/logfields"
)

const loggerName = "github-event-provider"

// Provider listens for github-webhook http-requests at a http-server handler,
// validates and converts the requests to Events and forwards them to the
// event channels.
type Provider struct {
	logger        *zap.Logger
	webhookSecret []byte
	chans         []chan<- *Event
	// eventTypes are the X-GitHub-Event values that are forwarded, when
	// empty all events are forwarded.
	eventTypes map[string]struct{}
}

type Opt func(*Provider)

// WithPayloadSecret sets the secret that is used to validate the payload
// signature of webhook requests.
func WithPayloadSecret(secret string) Opt {
	return func(p *Provider) {
		p.webhookSecret = []byte(secret)
	}
}

// WithEventTypes restricts the forwarded events to the given webhook event
// types. Requests for other event types are acknowledged and dropped.
func WithEventTypes(types ...string) Opt {
	return func(p *Provider) {
		p.eventTypes = make(map[string]struct{}, len(types))
		for _, t := range types {
			p.eventTypes[t] = struct{}{}
		}
	}
}

func New(eventChans []chan<- *Event, opts ...Opt) *Provider {
	p := Provider{
		chans: eventChans,
	}

	for _, o := range opts {
		o(&p)
	}

	if p.logger == nil {
		p.logger = zap.L().Named(loggerName)
	}

	return &p
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logFields := []zap.Field{
		logfields.EventProvider("github"),
		zap.String("github.delivery_id", deliveryID),
		zap.String("github.webhook_type", hookType),
	}

	logger := p.logger.With(logFields...)

	logger.Debug("received a http request", logfields.Event("github_http_request_received"))

	payload, err := github.ValidatePayload(req, p.webhookSecret)
	if err != nil {
		logger.Info(
			"received invalid http request, payload validation failed",
			logfields.Event("github_http_request_validation_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	if !p.wantsEvent(hookType) {
		logger.Debug(
			"ignoring event, event type is not processed",
			logfields.Event("github_event_ignored"),
		)
		return
	}

	event, err := github.ParseWebHook(hookType, payload)
	if err != nil {
		logger.Info(
			"received invalid http request, parsing failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}

	ev := Event{
		DeliveryID: deliveryID,
		Type:       hookType,
		JSON:       payload,
		Event:      event,
		LogFields:  logFields,
	}

	for _, ch := range p.chans {
		select {
		case ch <- &ev:
			logger.Debug("event forwarded to channel",
				logfields.Event("github_event_forwarded"),
			)

		default:
			logger.Warn(
				"event lost, forwarding event to channel failed",
				zap.String("error", "could not forward event to channel, send would have blocked"),
				logfields.Event("github_forwarding_event_failed"),
			)

			http.Error(resp, "queue full", http.StatusServiceUnavailable)
			return
		}
	}
}

func (p *Provider) wantsEvent(hookType string) bool {
	if len(p.eventTypes) == 0 {
		return true
	}

	_, exist := p.eventTypes[hookType]
	return exist
}
