package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubConsumer struct {
	runs int
	err  error
}

func (s *stubConsumer) Run(ctx context.Context) error {
	s.runs++
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func newWorker(t *testing.T, redisErr error, c *stubConsumer) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Config:   &config.Config{},
		Logger:   logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		DB:       stubPinger{},
		Redis:    stubPinger{err: redisErr},
		PubSub:   stubPinger{},
		Consumer: c,
	})
	require.NoError(t, err)
	return svc
}

func TestRunStopsOnFailedDependency(t *testing.T) {
	c := &stubConsumer{}
	svc := newWorker(t, errors.New("connection refused"), c)

	err := svc.Run(context.Background())
	require.ErrorContains(t, err, "redis ping failed")
	require.Zero(t, c.runs)
}

func TestRunReturnsConsumerError(t *testing.T) {
	c := &stubConsumer{err: errors.New("subscription deleted")}
	svc := newWorker(t, nil, c)

	err := svc.Run(context.Background())
	require.EqualError(t, err, "subscription deleted")
	require.Equal(t, 1, c.runs)
}

func TestRunEndsWithContext(t *testing.T) {
	c := &stubConsumer{}
	svc := newWorker(t, nil, c)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewServiceRequiresConsumer(t *testing.T) {
	_, err := NewService(ServiceParams{
		Config: &config.Config{},
		Logger: logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		DB:     stubPinger{},
		Redis:  stubPinger{},
		PubSub: stubPinger{},
	})
	require.Error(t, err)
}
