package multistore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydb/relaydb/internal/dbkit"
)

func TestNewDynamicProvider_DefaultsRefreshInterval(t *testing.T) {
	t.Parallel()

	p := NewDynamicProvider(fakeSource{}, 0, nil)
	assert.Equal(t, defaultRefreshInterval, p.refreshInterval)
}

type fakeSource struct {
	configs []dbkit.StoreConfig
	err     error
}

func (f fakeSource) Discover(context.Context) ([]dbkit.StoreConfig, error) {
	return f.configs, f.err
}

func TestDynamicProvider_Refresh_SkipsInvalidConfig(t *testing.T) {
	t.Parallel()

	invalid := dbkit.DefaultStoreConfig()
	invalid.Identifier = "bad"
	invalid.ConnectionString = ""

	p := NewDynamicProvider(fakeSource{configs: []dbkit.StoreConfig{invalid}}, time.Minute, nil)

	err := p.Refresh(context.Background())
	require.NoError(t, err)

	stores, err := p.GetAllStores(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stores)
}

func TestDynamicProvider_Refresh_PropagatesDiscoveryError(t *testing.T) {
	t.Parallel()

	p := NewDynamicProvider(fakeSource{err: assert.AnError}, time.Minute, nil)

	err := p.Refresh(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestDynamicProvider_GetStoreByKey_UnknownReturnsNil(t *testing.T) {
	t.Parallel()

	p := NewDynamicProvider(fakeSource{}, time.Minute, nil)

	s, err := p.GetStoreByKey(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, s)
}
