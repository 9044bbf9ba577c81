// Package orderevents settles escrows when the order service reports a
// delivery or a cancellation.
package orderevents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
)

const consumerName = "order-events"

type escrowSettler interface {
	ReleaseByOrder(ctx context.Context, orderID uuid.UUID) error
	RefundByOrder(ctx context.Context, orderID uuid.UUID, reason string) error
}

type deduper interface {
	CheckAndMarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	Delete(ctx context.Context, consumer, eventID string) error
}

// Consumer applies order lifecycle events to the escrows of the order.
type Consumer struct {
	escrow       escrowSettler
	subscription *pubsub.Subscriber
	idempotency  deduper
	logg         *logger.Logger
}

func NewConsumer(escrow escrowSettler, subscription *pubsub.Subscriber, manager deduper, logg *logger.Logger) (*Consumer, error) {
	if escrow == nil {
		return nil, fmt.Errorf("escrow service required")
	}
	if subscription == nil {
		return nil, fmt.Errorf("orders subscription required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	return &Consumer{
		escrow:       escrow,
		subscription: subscription,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run receives until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg.ID, msg.Attributes, msg.Data).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	nack bool
}

type orderPayload struct {
	OrderID uuid.UUID `json:"orderId"`
	Reason  string    `json:"reason,omitempty"`
}

func (c *Consumer) process(ctx context.Context, messageID string, attributes map[string]string, data []byte) processResult {
	eventType := enums.OrderEventType(attributes["event_type"])
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_type": string(eventType),
	})

	if eventType != enums.OrderEventDelivered && eventType != enums.OrderEventCancelled {
		c.logg.Debug(logCtx, "skipping order event")
		return processResult{}
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logg.Error(logCtx, "failed to decode envelope", err)
		return processResult{}
	}
	eventID := strings.TrimSpace(envelope.EventID)
	if eventID == "" {
		c.logg.Warn(logCtx, "order event without event id")
		return processResult{}
	}
	var payload orderPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.OrderID == uuid.Nil {
		c.logg.Error(logCtx, "invalid order payload", err)
		return processResult{}
	}
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"event_id": eventID,
		"order_id": payload.OrderID.String(),
	})

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, consumerName, eventID)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if already {
		c.logg.Info(logCtx, "order event already processed")
		return processResult{}
	}

	if eventType == enums.OrderEventDelivered {
		err = c.escrow.ReleaseByOrder(logCtx, payload.OrderID)
	} else {
		err = c.escrow.RefundByOrder(logCtx, payload.OrderID, payload.Reason)
	}
	if err == nil {
		c.logg.Info(logCtx, "order event applied")
		return processResult{}
	}
	if !transient(err) {
		c.logg.Warn(c.logg.WithField(logCtx, "reason", err.Error()), "order event rejected")
		return processResult{}
	}
	c.logg.Error(logCtx, "order event failed", err)
	if delErr := c.idempotency.Delete(ctx, consumerName, eventID); delErr != nil {
		c.logg.Error(logCtx, "failed to clear idempotency key", delErr)
	}
	return processResult{nack: true}
}

// transient reports whether a redelivery could succeed.
func transient(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeDependency) ||
		pkgerrors.IsCode(err, pkgerrors.CodeInternal) ||
		pkgerrors.IsCode(err, pkgerrors.CodeConflict) ||
		pkgerrors.As(err) == nil
}
