// Package relay delivers task resolutions published by other instances to
// the local notification fabric.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/metrics"
	pspublisher "github.com/JakeFAU/scrape-relay/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
	"github.com/JakeFAU/scrape-relay/internal/telemetry"
)

// Relay event results recorded in metrics.
const (
	ResultApplied = "applied"
	ResultSkipped = "skipped"
	ResultInvalid = "invalid"
)

// Resolver is the part of the notification fabric the relay drives.
type Resolver interface {
	ResolveTask(taskID string, event scrape.TaskEvent)
}

// Subscriber receives resolution events from a Pub/Sub subscription.
type Subscriber struct {
	sub      *pubsub.Subscription
	resolver Resolver
	origin   string
	logger   *zap.Logger
}

// NewSubscriber builds a Subscriber. Messages whose origin attribute equals
// origin were published by this instance and are acknowledged without
// being applied again.
func NewSubscriber(sub *pubsub.Subscription, resolver Resolver, origin string, logger *zap.Logger) (*Subscriber, error) {
	if sub == nil {
		return nil, errors.New("subscription is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: sub, resolver: resolver, origin: origin, logger: logger}, nil
}

// Run blocks receiving messages until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("relay subscriber started", zap.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		s.handle(msgCtx, msg.Data, msg.Attributes)
		msg.Ack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive relay events: %w", err)
	}
	return nil
}

// handle applies one event and reports the result. Undecodable messages
// are dropped; redelivery would never succeed.
func (s *Subscriber) handle(ctx context.Context, data []byte, attrs map[string]string) string {
	if s.origin != "" && attrs[pspublisher.OriginAttribute] == s.origin {
		metrics.ObserveRelayEvent(ResultSkipped)
		return ResultSkipped
	}
	var event scrape.TaskEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn("dropping undecodable relay event", zap.Error(err))
		metrics.ObserveRelayEvent(ResultInvalid)
		return ResultInvalid
	}
	if event.TaskID == "" || !event.Status.Valid() {
		s.logger.Warn("dropping relay event without task or status",
			zap.String("task_id", event.TaskID), zap.String("status", string(event.Status)))
		metrics.ObserveRelayEvent(ResultInvalid)
		return ResultInvalid
	}
	ctx = telemetry.ExtractAttributes(ctx, attrs)
	s.resolver.ResolveTask(event.TaskID, event)
	metrics.ObserveRelayEvent(ResultApplied)
	s.logger.Debug("applied relay event",
		zap.String("task_id", event.TaskID), zap.String("status", string(event.Status)),
		zap.String("trace_id", telemetry.TraceID(ctx)))
	return ResultApplied
}
