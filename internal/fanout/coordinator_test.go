package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relaydb/relaydb/internal/dbkit"
)

func TestJitter_Zero(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), jitter(0))
}

func TestJitter_BoundedByMax(t *testing.T) {
	t.Parallel()

	max := 250 * time.Millisecond

	for i := 0; i < 50; i++ {
		d := jitter(max)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, max)
	}
}

func TestNewCoordinator_DefaultsLeaseCeiling(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(nil, dbkit.DefaultStoreConfig(), nil, nil, nil, 0)
	assert.Equal(t, 5*time.Minute, c.leaseCeiling)
}
