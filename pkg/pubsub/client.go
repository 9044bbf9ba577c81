package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

const (
	kindTopic        = "topics"
	kindSubscription = "subscriptions"
)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// Client hands out publishers for the domain topics and the subscriber for
// order events. A consumer client checks its subscription; a publisher client
// checks its topics.
type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
	consumer  bool
}

type resource struct {
	kind string
	name string
}

// NewClient connects to Pub/Sub. consumer selects which resources must exist
// at startup and on every Ping.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, consumer bool, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	var opts []option.ClientOption
	if creds := strings.TrimSpace(gcp.CredentialsJSON); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	raw, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{client: raw, projectID: projectID, cfg: cfg, consumer: consumer}
	if err := c.Ping(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"gcp_project": projectID, "consumer": consumer}), "pubsub ready")
	}
	return c, nil
}

func requiredResources(cfg config.PubSubConfig, consumer bool) []resource {
	var out []resource
	add := func(kind, name string) {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, resource{kind: kind, name: name})
		}
	}
	if consumer {
		add(kindSubscription, cfg.OrdersSubscription)
		return out
	}
	add(kindTopic, cfg.PaymentsTopic)
	if cfg.EscrowTopic != cfg.PaymentsTopic {
		add(kindTopic, cfg.EscrowTopic)
	}
	return out
}

// Ping confirms every resource this client depends on still exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	required := requiredResources(c.cfg, c.consumer)
	if len(required) == 0 {
		return errors.New("no pubsub topics or subscriptions configured")
	}
	for _, r := range required {
		if err := c.exists(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) exists(ctx context.Context, r resource) error {
	full := resourceName(c.projectID, r.kind, r.name)
	var err error
	if r.kind == kindTopic {
		_, err = c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: full})
	} else {
		_, err = c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: full})
	}
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", strings.TrimSuffix(r.kind, "s"), r.name)
	default:
		return fmt.Errorf("checking %s: %w", full, err)
	}
}

// Subscription accepts a short ID or a full resource name.
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	if full := resourceName(c.projectID, kindSubscription, name); full != "" {
		return c.client.Subscriber(full)
	}
	return nil
}

func (c *Client) OrdersSubscription() *pubsub.Subscriber {
	if c == nil {
		return nil
	}
	return c.Subscription(c.cfg.OrdersSubscription)
}

// Publisher accepts a short topic ID or a full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	if full := resourceName(c.projectID, kindTopic, name); full != "" {
		return c.client.Publisher(full)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a short ID into projects/<p>/<kind>/<id>.
func resourceName(projectID, kind, name string) string {
	n := strings.TrimSpace(name)
	switch {
	case n == "":
		return ""
	case strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/"):
		return n
	case strings.TrimSpace(projectID) == "":
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", strings.TrimSpace(projectID), kind, n)
}
