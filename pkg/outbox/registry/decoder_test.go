package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/escrowpay-backend/pkg/outbox/payloads"
)

func TestDecoderRegistry(t *testing.T) {
	reg := NewDecoderRegistry()
	reg.Register("order.delivered", 1, JSONDecoder(func() interface{} { return &payloads.OrderDeliveredEvent{} }))

	orderID := uuid.New()
	input := json.RawMessage(`{"order_id":"` + orderID.String() + `"}`)
	output, err := reg.Decode("order.delivered", 1, input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded, ok := output.(*payloads.OrderDeliveredEvent)
	if !ok || decoded.OrderID != orderID {
		t.Fatalf("unexpected output %+v", output)
	}
}

func TestDecoderRegistryUnknownVersion(t *testing.T) {
	reg := NewDecoderRegistry()
	_, err := reg.Decode("order.delivered", 2, json.RawMessage(`{}`))
	var nonRetry NonRetryableError
	if !errors.As(err, &nonRetry) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestJSONDecoderRejectsMalformedPayload(t *testing.T) {
	decode := JSONDecoder(func() interface{} { return &payloads.OrderCancelledEvent{} })
	if _, err := decode(json.RawMessage(`{"order_id":`)); err == nil {
		t.Fatal("expected malformed payload to fail")
	}
}
