package lease

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeMonotonic struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeMonotonic() *fakeMonotonic {
	return &fakeMonotonic{now: time.Unix(0, 0)}
}

func (f *fakeMonotonic) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeMonotonic) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *fakeMonotonic) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

func TestRunner_IsLost_DefaultsFalse(t *testing.T) {
	t.Parallel()

	r := NewRunner(&Store{}, "res", time.Minute, newFakeMonotonic(), nil, 0)
	assert.False(t, r.IsLost())
	assert.NoError(t, r.ThrowIfLost())
}

func TestRunner_MarkLost_SetsIsLostAndCancels(t *testing.T) {
	t.Parallel()

	r := NewRunner(&Store{}, "res", time.Minute, newFakeMonotonic(), nil, 0)

	canceled := false
	r.cancel = func() { canceled = true }

	r.markLost(assert.AnError)

	assert.True(t, r.IsLost())
	assert.True(t, canceled)
	assert.ErrorIs(t, r.ThrowIfLost(), ErrLost)
}
