package app

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/pkg/config"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "app-test", Output: io.Discard})
}

func TestBuildRequiresDependencies(t *testing.T) {
	_, err := Build(context.Background(), Params{Logger: testLogger()})
	require.Error(t, err)

	_, err = Build(context.Background(), Params{Config: &config.Config{}, Logger: testLogger()})
	require.ErrorContains(t, err, "database client is required")
}

func TestEnabledProvidersSkipsUnconfigured(t *testing.T) {
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)

	adapters, err := enabledProviders(context.Background(), &config.Config{}, catalog, testLogger())
	require.NoError(t, err)
	require.Empty(t, adapters)
}

func TestEnabledProvidersBuildsCrypto(t *testing.T) {
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)

	cfg := &config.Config{Crypto: config.CryptoConfig{
		RPCURL:           "http://127.0.0.1:8545",
		ReceivingAddress: "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		MinConfirmations: 3,
	}}
	adapters, err := enabledProviders(context.Background(), cfg, catalog, testLogger())
	require.NoError(t, err)
	require.Len(t, adapters, 1)
	require.Equal(t, enums.ProviderCrypto, adapters[0].Name())
}

func TestEnabledProvidersRejectsBadReceivingAddress(t *testing.T) {
	catalog, err := config.LoadCatalog("")
	require.NoError(t, err)

	cfg := &config.Config{Crypto: config.CryptoConfig{
		RPCURL:           "http://127.0.0.1:8545",
		ReceivingAddress: "not-an-address",
	}}
	_, err = enabledProviders(context.Background(), cfg, catalog, testLogger())
	require.Error(t, err)
}
