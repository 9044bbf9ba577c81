package orderevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
	"github.com/angelmondragon/escrowpay-backend/pkg/outbox"
)

type fakeEscrow struct {
	released []uuid.UUID
	refunded []uuid.UUID
	reasons  []string
	err      error
}

func (f *fakeEscrow) ReleaseByOrder(_ context.Context, orderID uuid.UUID) error {
	f.released = append(f.released, orderID)
	return f.err
}

func (f *fakeEscrow) RefundByOrder(_ context.Context, orderID uuid.UUID, reason string) error {
	f.refunded = append(f.refunded, orderID)
	f.reasons = append(f.reasons, reason)
	return f.err
}

type memoryDeduper struct {
	seen    map[string]bool
	deleted []string
	err     error
}

func (m *memoryDeduper) CheckAndMarkProcessed(_ context.Context, consumer, eventID string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	key := consumer + ":" + eventID
	if m.seen[key] {
		return true, nil
	}
	m.seen[key] = true
	return false, nil
}

func (m *memoryDeduper) Delete(_ context.Context, consumer, eventID string) error {
	key := consumer + ":" + eventID
	delete(m.seen, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func newConsumer() (*Consumer, *fakeEscrow, *memoryDeduper) {
	escrow := &fakeEscrow{}
	dedupe := &memoryDeduper{seen: map[string]bool{}}
	return &Consumer{escrow: escrow, idempotency: dedupe}, escrow, dedupe
}

func message(t *testing.T, eventID string, payload orderPayload) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(outbox.PayloadEnvelope{Version: 1, EventID: eventID, OccurredAt: time.Now().UTC(), Data: data})
	require.NoError(t, err)
	return raw
}

func attrs(eventType string) map[string]string {
	return map[string]string{"event_type": eventType}
}

func TestDeliveredReleasesOnce(t *testing.T) {
	c, escrow, _ := newConsumer()
	orderID := uuid.New()
	data := message(t, "evt-1", orderPayload{OrderID: orderID})

	assert.False(t, c.process(context.Background(), "m1", attrs("order.delivered"), data).nack)
	assert.False(t, c.process(context.Background(), "m2", attrs("order.delivered"), data).nack)
	assert.Equal(t, []uuid.UUID{orderID}, escrow.released)
	assert.Empty(t, escrow.refunded)
}

func TestCancelledRefundsWithReason(t *testing.T) {
	c, escrow, _ := newConsumer()
	orderID := uuid.New()

	res := c.process(context.Background(), "m1", attrs("order.cancelled"), message(t, "evt-2", orderPayload{OrderID: orderID, Reason: "buyer cancelled"}))
	assert.False(t, res.nack)
	assert.Equal(t, []uuid.UUID{orderID}, escrow.refunded)
	assert.Equal(t, []string{"buyer cancelled"}, escrow.reasons)
}

func TestTransientFailureNacksAndForgetsEvent(t *testing.T) {
	c, escrow, dedupe := newConsumer()
	escrow.err = multierr.Append(nil, fmt.Errorf("escrow x: %w", pkgerrors.New(pkgerrors.CodeDependency, "provider down")))
	data := message(t, "evt-3", orderPayload{OrderID: uuid.New()})

	assert.True(t, c.process(context.Background(), "m1", attrs("order.delivered"), data).nack)
	assert.Equal(t, []string{"order-events:evt-3"}, dedupe.deleted)

	escrow.err = nil
	assert.False(t, c.process(context.Background(), "m2", attrs("order.delivered"), data).nack)
	assert.Len(t, escrow.released, 2)
}

func TestBusinessRejectionIsAcked(t *testing.T) {
	c, escrow, dedupe := newConsumer()
	escrow.err = pkgerrors.New(pkgerrors.CodeStateConflict, "escrow is disputed")

	res := c.process(context.Background(), "m1", attrs("order.delivered"), message(t, "evt-4", orderPayload{OrderID: uuid.New()}))
	assert.False(t, res.nack)
	assert.Empty(t, dedupe.deleted)
}

func TestMalformedAndForeignMessagesAreAcked(t *testing.T) {
	c, escrow, _ := newConsumer()
	ctx := context.Background()

	assert.False(t, c.process(ctx, "m1", attrs("order.created"), []byte(`{}`)).nack)
	assert.False(t, c.process(ctx, "m2", attrs("order.delivered"), []byte(`not json`)).nack)
	assert.False(t, c.process(ctx, "m3", attrs("order.delivered"), message(t, "", orderPayload{OrderID: uuid.New()})).nack)
	assert.False(t, c.process(ctx, "m4", attrs("order.delivered"), message(t, "evt-5", orderPayload{})).nack)
	assert.Empty(t, escrow.released)
}

func TestIdempotencyStoreFailureNacks(t *testing.T) {
	c, escrow, dedupe := newConsumer()
	dedupe.err = errors.New("redis down")

	res := c.process(context.Background(), "m1", attrs("order.delivered"), message(t, "evt-6", orderPayload{OrderID: uuid.New()}))
	assert.True(t, res.nack)
	assert.Empty(t, escrow.released)
}
