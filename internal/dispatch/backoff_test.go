package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultBackoff_GrowsExponentiallyThenCaps(t *testing.T) {
	t.Parallel()

	backoff := DefaultBackoff(0)

	for attempt := 1; attempt <= 3; attempt++ {
		d := backoff(attempt)
		expectedBase := defaultBackoffBase * time.Duration(1<<(attempt-1))
		assert.GreaterOrEqual(t, d, expectedBase)
		assert.Less(t, d, expectedBase+defaultJitterBound)
	}
}

func TestDefaultBackoff_Attempt10BoundedUnderTwoMinutes(t *testing.T) {
	t.Parallel()

	backoff := DefaultBackoff(0)
	d := backoff(10)

	assert.Less(t, d, 2*time.Minute)
}

func TestDefaultBackoff_CustomCeiling(t *testing.T) {
	t.Parallel()

	ceiling := 3 * time.Second
	backoff := DefaultBackoff(ceiling)

	d := backoff(20)
	assert.Less(t, d, ceiling)
}

func TestDefaultBackoff_NonPositiveAttemptTreatedAsOne(t *testing.T) {
	t.Parallel()

	backoff := DefaultBackoff(0)
	d := backoff(0)

	assert.GreaterOrEqual(t, d, defaultBackoffBase)
	assert.Less(t, d, defaultBackoffBase+defaultJitterBound)
}
