package main

import (
	"context"
	"errors"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub/v2"
)

// cachedPublishers reuses one ordered publisher per topic; pubsub publishers
// batch internally and must not be recreated per message.
func cachedPublishers(client pubSubClient) publisherFactory {
	var mu sync.Mutex
	cache := map[string]publisher{}
	return func(topic string) publisher {
		mu.Lock()
		defer mu.Unlock()
		if pub, ok := cache[topic]; ok {
			return pub
		}
		handle := client.Publisher(topic)
		if handle == nil {
			return nil
		}
		handle.EnableMessageOrdering = true
		pub := &gcpPublisher{Publisher: handle}
		cache[topic] = pub
		return pub
	}
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return &gcpPublishResult{
		PublishResult: p.Publisher.Publish(ctx, msg),
		resume:        func() { p.Publisher.ResumePublish(msg.OrderingKey) },
	}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
	resume func()
}

// Get waits for the server ack. A failed ordered publish pauses its key until
// resumed, so the row can be retried on the next batch.
func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	id, err := r.PublishResult.Get(ctx)
	if err != nil && r.resume != nil {
		r.resume()
	}
	return id, err
}
