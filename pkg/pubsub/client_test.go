package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
)

func TestResourceName(t *testing.T) {
	assert.Equal(t, "projects/p1/topics/payments", resourceName("p1", "topics", "payments"))
	assert.Equal(t, "projects/p1/subscriptions/orders", resourceName("p1", "subscriptions", " orders "))
	assert.Equal(t, "projects/other/topics/x", resourceName("p1", "topics", "projects/other/topics/x"))
	assert.Equal(t, "", resourceName("p1", "topics", ""))
	assert.Equal(t, "", resourceName("", "topics", "payments"))
}

func TestRequiredResourcesByRole(t *testing.T) {
	cfg := config.PubSubConfig{PaymentsTopic: "payments", EscrowTopic: "escrow", OrdersSubscription: "orders-sub"}

	assert.Equal(t, []resource{{kindSubscription, "orders-sub"}}, requiredResources(cfg, true))
	assert.Equal(t, []resource{{kindTopic, "payments"}, {kindTopic, "escrow"}}, requiredResources(cfg, false))

	shared := config.PubSubConfig{PaymentsTopic: "events", EscrowTopic: "events"}
	assert.Len(t, requiredResources(shared, false), 1)
	assert.Empty(t, requiredResources(config.PubSubConfig{}, true))
}

func TestNilClientHandles(t *testing.T) {
	var c *Client
	assert.Nil(t, c.Publisher("payments"))
	assert.Nil(t, c.Subscription("orders"))
	assert.NoError(t, c.Close())
	assert.Error(t, c.Ping(context.Background()))
}
