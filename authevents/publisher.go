// Package authevents publishes jwtauth authentication outcomes to a
// watermill message.Publisher.
package authevents

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bionicotaku/lingo-utils-jwtauth"
)

const (
	TopicAuthenticated = "jwtauth.authenticated"
	TopicDenied        = "jwtauth.denied"
)

// Publisher implements jwtauth.EventSink.
type Publisher struct {
	publisher message.Publisher
	logger    *slog.Logger
	prefix    string
}

var _ jwtauth.EventSink = (*Publisher)(nil)

// Option customizes a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTopicPrefix prepends prefix and a dot to both topics.
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.prefix = prefix
	}
}

// New wraps a watermill publisher.
func New(publisher message.Publisher, opts ...Option) *Publisher {
	p := &Publisher{publisher: publisher, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Topic returns the topic an event is published to.
func (p *Publisher) Topic(event jwtauth.AuthEvent) string {
	topic := TopicAuthenticated
	if event.Denied() {
		topic = TopicDenied
	}
	if p.prefix != "" {
		topic = p.prefix + "." + topic
	}
	return topic
}

// AuthenticationEvent implements jwtauth.EventSink. Publish failures are
// logged and otherwise ignored so they never affect the request.
func (p *Publisher) AuthenticationEvent(ctx context.Context, event jwtauth.AuthEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WarnContext(ctx, "encode auth event", slog.Any("error", err))
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("subject", event.Subject)
	if event.Denied() {
		msg.Metadata.Set("code", string(event.Code))
	}
	topic := p.Topic(event)
	if err := p.publisher.Publish(topic, msg); err != nil {
		p.logger.WarnContext(ctx, "publish auth event",
			slog.String("topic", topic),
			slog.Any("error", err),
		)
	}
}
